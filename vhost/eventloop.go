// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vhostblk/vhostblk/internal/loopio"
)

// vhostLoopState holds the process-wide "one dedicated low-priority thread
// owned by the library" of §5. StartVhostEventLoop creates and runs it;
// InitServer takes the *loopio.Loop it returns explicitly (rather than
// reaching for the package global internally) so that tests can run
// several independent loops side by side.
var vhostLoopState struct {
	mu   sync.Mutex
	loop *loopio.Loop
	done chan struct{}
}

// StartVhostEventLoop creates the vhost event loop (if not already
// running) and starts it on a dedicated goroutine, returning the Loop
// handle to pass to InitServer. Calling it again while already running
// returns the existing loop.
func StartVhostEventLoop(logger *log.Logger) (*loopio.Loop, error) {
	vhostLoopState.mu.Lock()
	defer vhostLoopState.mu.Unlock()

	if vhostLoopState.loop != nil {
		return vhostLoopState.loop, nil
	}

	loop, err := loopio.New(logger)
	if err != nil {
		return nil, fmt.Errorf("vhost: start event loop: %w", err)
	}
	vhostLoopState.loop = loop
	vhostLoopState.done = make(chan struct{})

	go func() {
		defer close(vhostLoopState.done)
		if err := loop.Run(); err != nil && logger != nil {
			logger.Printf("vhost: event loop exited: %v", err)
		}
	}()
	return loop, nil
}

// StopVhostEventLoop stops the process-wide vhost event loop started by
// StartVhostEventLoop. In-flight handlers complete before Run returns;
// this call does not block until that happens.
func StopVhostEventLoop() {
	vhostLoopState.mu.Lock()
	loop := vhostLoopState.loop
	vhostLoopState.loop = nil
	vhostLoopState.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// InterruptVhostEventLoop wakes the vhost event loop exactly once.
func InterruptVhostEventLoop() {
	vhostLoopState.mu.Lock()
	loop := vhostLoopState.loop
	vhostLoopState.mu.Unlock()
	if loop != nil {
		loop.Interrupt()
	}
}

// Uninit implements vdev_uninit (§6): idempotent on a nil-ish vdev (a
// second call is a no-op), releases the inflight region, unmaps all
// memory, uninitializes every vring, closes the listen fd, and removes
// the device from the process-wide registry. Must be called with no
// active connection expected to survive -- if one is live, it is torn
// down first.
func (d *Vdev) Uninit() {
	if d == nil {
		return
	}

	if d.state == StateConnected {
		d.disconnect()
	}
	if d.loop != nil && d.listenFD >= 0 {
		d.loop.Unregister(d.listenFD)
	}

	for i := range d.vrings {
		v := &d.vrings[i]
		if v.isEnabled {
			v.disable()
		}
		v.closeKick()
		v.closeCall()
		v.closeErr()
	}

	if d.inflight != nil {
		d.inflight.release()
		d.inflight = nil
	}

	d.mem.UnmapAll()

	if d.listenFD >= 0 {
		unix.Close(d.listenFD)
		d.listenFD = -1
	}

	registryRemove(d)
	d.state = StateInitialized
}
