// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loopio implements the generic event-loop primitive the vhost
// core and request-queue layers are built on: an epoll multiplexer that
// dispatches readable/closed callbacks for registered file descriptors.
package loopio

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// Source is a file descriptor watched by a Loop, paired with the two
// callbacks the vhost-user design calls for: a message (or kick) arrived,
// or the peer went away.
type Source struct {
	FD       int
	OnReadable func(fd int)
	OnClosed   func(fd int)
}

// Loop is a single-threaded epoll wait/dispatch cycle. One Loop instance
// backs the vhost event loop; callers may create additional Loop
// instances for their own request-queue loops.
type Loop struct {
	epfd     int
	wakeFD   int // eventfd used by Interrupt
	logger   *log.Logger

	mu      sync.Mutex
	sources map[int]*Source
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Loop. A nil logger discards diagnostic output, matching
// the rest of this module's logging convention.
func New(logger *log.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loopio: EpollCreate1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("loopio: Eventfd: %w", err)
	}
	l := &Loop{
		epfd:    epfd,
		wakeFD:  wakeFD,
		logger:  logger,
		sources: make(map[int]*Source),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("loopio: EpollCtl(wake): %w", err)
	}
	return l, nil
}

func (l *Loop) logf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

// Register arms fd for readability notifications. It is an error to
// register an fd twice without an intervening Unregister.
func (l *Loop) Register(src *Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sources[src.FD]; ok {
		return fmt.Errorf("loopio: fd %d already registered", src.FD)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(src.FD)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, src.FD, &ev); err != nil {
		return fmt.Errorf("loopio: EpollCtl(add %d): %w", src.FD, err)
	}
	l.sources[src.FD] = src
	return nil
}

// Unregister removes fd from the loop. It does not close fd; ownership of
// the descriptor stays with the caller.
func (l *Loop) Unregister(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sources[fd]; !ok {
		return
	}
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.sources, fd)
}

// Run drives the loop until Stop is called. Handlers run to completion
// before the next event on any watched fd is processed — there is no
// concurrent dispatch within one Loop.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("loopio: already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	defer close(l.doneCh)

	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("loopio: EpollWait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				continue
			}

			l.mu.Lock()
			src := l.sources[fd]
			l.mu.Unlock()
			if src == nil {
				continue
			}

			closed := events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
			if closed {
				if src.OnClosed != nil {
					src.OnClosed(fd)
				}
				continue
			}
			if src.OnReadable != nil {
				src.OnReadable(fd)
			}
		}

		select {
		case <-l.stopCh:
			return nil
		default:
		}
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD, buf[:])
		if err != nil {
			break
		}
	}
}

// Stop halts the loop after the in-flight EpollWait/dispatch cycle
// returns. It does not block until Run has actually returned; callers
// that need that guarantee should wait on a side channel.
func (l *Loop) Stop() {
	l.mu.Lock()
	running := l.running
	stopCh := l.stopCh
	l.running = false
	l.mu.Unlock()
	if !running {
		return
	}
	close(stopCh)
	l.Interrupt()
}

// Interrupt wakes a blocked EpollWait exactly once, without requesting a
// shutdown. Used to force prompt re-evaluation of the stop condition or
// of newly registered sources.
func (l *Loop) Interrupt() {
	var one [8]byte
	one[0] = 1
	unix.Write(l.wakeFD, one[:])
}

// Close releases the loop's own file descriptors. Callers must Stop (and
// wait for Run to return) before Close.
func (l *Loop) Close() error {
	unix.Close(l.wakeFD)
	return unix.Close(l.epfd)
}
