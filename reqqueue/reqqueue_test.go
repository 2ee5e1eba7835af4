// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reqqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func eventfdPair(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestAttachEventDispatchesOnKick(t *testing.T) {
	q, err := New(nil)
	require.NoError(t, err)
	go q.Run()
	t.Cleanup(func() { q.Stop(); q.Close() })

	fd := eventfdPair(t)
	got := make(chan struct{}, 1)
	require.NoError(t, q.AttachEvent(fd, func(int) { got <- struct{}{} }))

	var one [8]byte
	one[0] = 1
	_, err = unix.Write(fd, one[:])
	require.NoError(t, err)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("kick not dispatched")
	}
}

func TestDetachEventStopsDelivery(t *testing.T) {
	q, err := New(nil)
	require.NoError(t, err)
	go q.Run()
	t.Cleanup(func() { q.Stop(); q.Close() })

	fd := eventfdPair(t)
	got := make(chan struct{}, 1)
	require.NoError(t, q.AttachEvent(fd, func(int) { got <- struct{}{} }))
	q.DetachEvent(fd)

	var one [8]byte
	one[0] = 1
	_, err = unix.Write(fd, one[:])
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("event delivered after detach")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestGroupStartsAndStopsAllQueues exercises the coordinated
// multi-queue lifecycle: NewGroup/Start/Stop/Wait must bring up and
// tear down every queue's loop without leaking a goroutine.
func TestGroupStartsAndStopsAllQueues(t *testing.T) {
	g, err := NewGroup(3, nil)
	require.NoError(t, err)
	require.Len(t, g.Queues(), 3)

	g.Start()

	fds := make([]int, 3)
	gotAll := make(chan struct{}, 3)
	for i, q := range g.Queues() {
		fd := eventfdPair(t)
		fds[i] = fd
		require.NoError(t, q.AttachEvent(fd, func(fd int) {
			// Drain the kick so the level-triggered loop does not fire
			// again and block on a full channel before Stop.
			var buf [8]byte
			unix.Read(fd, buf[:])
			gotAll <- struct{}{}
		}))
	}
	for _, fd := range fds {
		var one [8]byte
		one[0] = 1
		_, err := unix.Write(fd, one[:])
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-gotAll:
		case <-time.After(2 * time.Second):
			t.Fatal("not all queues dispatched their kick")
		}
	}

	g.Stop()
	require.NoError(t, g.Wait())
}
