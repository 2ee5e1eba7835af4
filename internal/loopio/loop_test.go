// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loopio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegisterDispatchesReadable(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	r, w, err := pipe2()
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	got := make(chan int, 1)
	require.NoError(t, l.Register(&Source{
		FD: r,
		OnReadable: func(fd int) {
			var buf [8]byte
			n, _ := unix.Read(fd, buf[:])
			got <- n
			l.Stop()
		},
	}))

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	_, err = unix.Write(w, []byte("hello"))
	require.NoError(t, err)

	select {
	case n := <-got:
		require.Equal(t, 5, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	r, w, err := pipe2()
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	calls := 0
	require.NoError(t, l.Register(&Source{FD: r, OnReadable: func(int) { calls++ }}))
	l.Unregister(r)

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Stop()
	}()
	unix.Write(w, []byte("x"))
	require.NoError(t, l.Run())
	require.Equal(t, 0, calls)
}

func TestInterruptWakesRunWithoutStopping(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	woke := make(chan struct{})
	go func() {
		l.Interrupt()
		close(woke)
	}()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt goroutine never returned")
	}

	// Loop keeps running after a bare Interrupt; Stop it now.
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRegisterDuplicateFDFails(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	defer l.Close()

	r, w, err := pipe2()
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	require.NoError(t, l.Register(&Source{FD: r}))
	err = l.Register(&Source{FD: r})
	require.Error(t, err)
}

// pipe2 wraps unix.Pipe2 with the CLOEXEC flag the rest of the module
// defaults to for any fd handed to epoll.
func pipe2() (r int, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
