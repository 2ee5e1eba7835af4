// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vhostblk/vhostblk/internal/loopio"
	"github.com/vhostblk/vhostblk/wire"
)

// InitServer implements vdev_init_server (§6): creates the listen
// socket, zeroes the vdev, initializes every vring, publishes the
// device to the process-wide registry, and arms INITIALIZED →
// LISTENING. On failure it tears everything back down via Uninit,
// mirroring the teacher's util.ServeFS bind-then-listen sequence but as
// a reusable constructor instead of inline main-loop code.
func InitServer(loop *loopio.Loop, cfg ServerConfig) (*Vdev, error) {
	if cfg.Type == nil {
		return nil, newProgrammerErr("InitServer", "DeviceType vtable must not be nil")
	}
	if cfg.MaxQueues <= 0 {
		cfg.MaxQueues = 1
	}

	d := &Vdev{
		cfg:      cfg,
		listenFD: -1,
		connFD:   -1,
		state:    StateInitialized,
		qmax:     cfg.MaxQueues,
		vrings:   make([]Vring, cfg.MaxQueues),
		loop:     loop,
	}
	for i := range d.vrings {
		d.vrings[i] = Vring{id: i, vdev: d, kickFD: -1, callFD: -1, errFD: -1}
	}
	d.supportedFeatures = DefaultFeatures | cfg.Type.GetFeatures()

	fd, err := listenSocket(cfg.SocketPath)
	if err != nil {
		d.Uninit()
		return nil, newResourceErr("InitServer: listen", err)
	}
	d.listenFD = fd

	registryAdd(d)
	if err := d.armListening(); err != nil {
		d.Uninit()
		return nil, err
	}
	return d, nil
}

// listenSocket creates the UNIX stream listen socket per §6: an
// existing regular file at path is an error, an existing socket file is
// unlinked, a missing path is created; listen backlog 1; non-blocking.
func listenSocket(path string) (int, error) {
	if len(path) >= 108 {
		return -1, fmt.Errorf("socket path %q too long for sun_path", path)
	}
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return -1, fmt.Errorf("refusing to bind over non-socket file %q", path)
		}
		os.Remove(path)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// armListening performs INITIALIZED → LISTENING: register listenFD with
// the vhost event loop using server_sock_ops (§4.4).
func (d *Vdev) armListening() error {
	if d.state != StateInitialized && d.state != StateListening {
		return newProgrammerErr("armListening", fmt.Sprintf("invalid transition from %s", d.state))
	}
	err := d.loop.Register(&loopio.Source{
		FD:         d.listenFD,
		OnReadable: d.onListenReadable,
		OnClosed:   func(int) {}, // listen-socket EOF is meaningless, per §4.4
	})
	if err != nil {
		return newResourceErr("armListening", err)
	}
	d.state = StateListening
	return nil
}

// onListenReadable is server_sock_ops.read: accept() and perform
// LISTENING → CONNECTED.
func (d *Vdev) onListenReadable(int) {
	connFD, _, err := unix.Accept(d.listenFD)
	if err != nil {
		d.logf("vhost: accept: %v", err)
		return
	}
	if d.state != StateListening {
		unix.Close(connFD)
		d.logf("vhost: accept while in state %s, dropping", d.state)
		return
	}
	if err := unix.SetNonblock(connFD, true); err != nil {
		unix.Close(connFD)
		d.logf("vhost: set nonblock on conn fd: %v", err)
		return
	}

	d.connFD = connFD
	if err := d.loop.Register(&loopio.Source{
		FD:         connFD,
		OnReadable: d.onConnReadable,
		OnClosed:   d.onConnClosed,
	}); err != nil {
		d.logf("vhost: register conn fd: %v", err)
		unix.Close(connFD)
		d.connFD = -1
		return
	}
	d.loop.Unregister(d.listenFD) // single-master policy; listenFD stays open but unwatched
	d.state = StateConnected
}

// onConnReadable is conn_sock_ops.read: decode one message and invoke
// the protocol engine.
func (d *Vdev) onConnReadable(int) {
	if err := d.oneRequest(); err != nil {
		d.logf("vhost: request error, dropping connection: %v", err)
		d.disconnect()
	}
}

// onConnClosed is conn_sock_ops.close: perform CONNECTED → LISTENING.
func (d *Vdev) onConnClosed(int) {
	d.disconnect()
}

// disconnect implements CONNECTED → LISTENING (§4.4): unregister connfd,
// unmap all guest memory, clear is_owned, disable every vring, close
// connfd, re-register listenfd.
func (d *Vdev) disconnect() {
	if d.state != StateConnected {
		return
	}
	d.loop.Unregister(d.connFD)
	d.mem.UnmapAll()
	d.isOwned = false
	for i := range d.vrings {
		if d.vrings[i].isEnabled {
			d.vrings[i].disable()
		}
	}
	unix.Close(d.connFD)
	d.connFD = -1
	d.state = StateListening
	if err := d.armListening(); err != nil {
		d.logf("vhost: re-arm listen after disconnect: %v", err)
	}
}

const hdrSize = int(unsafe.Sizeof(wire.Header{}))

// oneRequest implements the recv contract of §4.2: one recvmsg for the
// header plus ancillary fds, then a read for the payload. Either short
// read is a fatal framing error.
func (d *Vdev) oneRequest() error {
	oobBuf := make([]byte, unix.CmsgSpace(4*wire.MaxFDs))
	n, oobn, _, _, err := unix.Recvmsg(d.connFD, d.rxBuf[:hdrSize], oobBuf, 0)
	if err != nil {
		return newFramingErr("recvmsg(header)", err)
	}
	if n == 0 {
		return newFramingErr("recvmsg(header)", fmt.Errorf("peer closed"))
	}
	if n < hdrSize {
		return newFramingErr("recvmsg(header)", fmt.Errorf("short header read: got %d want %d", n, hdrSize))
	}

	hdr := (*wire.Header)(unsafe.Pointer(&d.rxBuf[0]))
	reqName := wire.ReqNames[hdr.Request]

	var inFDs []int
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
		if err != nil {
			return newFramingErr("parse cmsg", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return newFramingErr("parse rights", err)
			}
			inFDs = append(inFDs, fds...)
		}
	}

	// SET_MEM_TABLE carries a variable fd count (one per region) and is
	// absent from InFDCount; every other opcode's fd count is fixed and
	// checked here.
	if want, fixed := wire.InFDCount[hdr.Request]; fixed && want != len(inFDs) {
		for _, fd := range inFDs {
			unix.Close(fd)
		}
		return newFramingErr("fd count", fmt.Errorf("%s: got %d fds, want %d", reqName, len(inFDs), want))
	}

	if hdr.Size > 0 {
		if int(hdr.Size) > len(d.rxBuf)-hdrSize {
			return newFramingErr("payload size", fmt.Errorf("%s: payload size %d too large", reqName, hdr.Size))
		}
		pn, err := unix.Read(d.connFD, d.rxBuf[hdrSize:hdrSize+int(hdr.Size)])
		if err != nil {
			return newFramingErr("read(payload)", err)
		}
		if pn < int(hdr.Size) {
			return newFramingErr("read(payload)", fmt.Errorf("short payload read: got %d want %d", pn, hdr.Size))
		}
	}

	needReply := hdr.Flags&wire.FlagNeedReply != 0
	if d.cfg.Debug {
		d.logf("vhost: rx %-2d %s need_reply=%v fds=%v", hdr.Request, reqName, needReply, inFDs)
	}

	return d.dispatch(hdr, needReply, inFDs)
}

// sendReply implements the send contract of §4.2: a single sendmsg of
// header plus payload, with ancillary fds attached when present.
func (d *Vdev) sendReply(hdr *wire.Header, payload []byte, rightsFDs []int) error {
	buf := make([]byte, hdrSize+len(payload))
	*(*wire.Header)(unsafe.Pointer(&buf[0])) = *hdr
	copy(buf[hdrSize:], payload)

	var oob []byte
	if len(rightsFDs) > 0 {
		oob = unix.UnixRights(rightsFDs...)
	}
	return unix.Sendmsg(d.connFD, buf, oob, nil, 0)
}
