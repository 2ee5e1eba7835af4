// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"golang.org/x/sys/unix"

	"github.com/vhostblk/vhostblk/virtq"
	"github.com/vhostblk/vhostblk/wire"
)

// clientInfo accumulates the ring addresses and size the master has
// negotiated for one vring, populated during SET_VRING_NUM/BASE/ADDR and
// consumed at enable time (§3, §4.3).
type clientInfo struct {
	haveAddr bool
	haveNum  bool
	haveBase bool

	addr wire.VringAddr
	num  int
	base uint16
}

// Vring is the per-queue record of §3: client-supplied ring addresses
// and size, kick/call/err fds, enable flag, and the attached virtqueue
// primitive.
type Vring struct {
	id   int
	vdev *Vdev

	isEnabled bool
	client    clientInfo

	kickFD, callFD, errFD int

	queue *virtq.Queue
}

// ID returns the vring's index within its device.
func (v *Vring) ID() int { return v.id }

// IsEnabled reports the is_enabled flag.
func (v *Vring) IsEnabled() bool { return v.isEnabled }

// Queue returns the attached virtqueue primitive, or nil if the vring is
// not currently enabled. Safe for the request-queue loop to call.
func (v *Vring) Queue() *virtq.Queue { return v.queue }

// CallFD returns the current notification target.
func (v *Vring) CallFD() int { return v.callFD }

func (v *Vring) setNum(num int) {
	v.client.num = num
	v.client.haveNum = true
}

func (v *Vring) setBase(base uint16) {
	v.client.base = base
	v.client.haveBase = true
}

func (v *Vring) setAddr(addr wire.VringAddr) {
	v.client.addr = addr
	v.client.haveAddr = true
}

func (v *Vring) setKick(fd int) {
	v.closeKick()
	v.kickFD = fd
}

func (v *Vring) setCall(fd int) error {
	v.closeCall()
	v.callFD = fd
	// "callfd may be updated while the vring is enabled; the update must
	// also call the virtqueue primitive's set_notify_fd" (§5). Our
	// virtq.Queue has no stored notify target of its own -- callFD is
	// read fresh by notifyIfNeeded -- so there is nothing further to
	// mutate, but we keep this as the single call site per the spec's
	// stated discipline in case that changes.
	return nil
}

func (v *Vring) setErr(fd int) {
	v.closeErr()
	v.errFD = fd
}

func (v *Vring) closeKick() {
	if v.kickFD >= 0 {
		unix.Close(v.kickFD)
	}
	v.kickFD = -1
}
func (v *Vring) closeCall() {
	if v.callFD >= 0 {
		unix.Close(v.callFD)
	}
	v.callFD = -1
}
func (v *Vring) closeErr() {
	if v.errFD >= 0 {
		unix.Close(v.errFD)
	}
	v.errFD = -1
}

// readyToEnable reports whether desc_addr, avail_addr, used_addr, num,
// base, and kickfd are all present, the precondition for Enable (§4.3).
func (v *Vring) readyToEnable() bool {
	return v.client.haveAddr && v.client.haveNum && v.client.haveBase && v.kickFD >= 0
}

// enable attaches the external virtqueue primitive to the negotiated
// host addresses, sets the notify fd, and registers kickFD as an event
// source on the associated request queue with callback vring_io_event
// (§4.3). It does not check the readiness precondition itself; its
// callers (SET_VRING_ENABLE, and SET_VRING_KICK when F_PROTOCOL_FEATURES
// is not negotiated) call readyToEnable first.
func (v *Vring) enable() *Error {
	if v.isEnabled {
		return nil
	}
	q, err := virtq.Attach(v.vdev.Memory(), &v.client.addr, v.client.num, v.client.base)
	if err != nil {
		return newValidationErr("enable vring", err.Error())
	}
	q.EventIdx = v.vdev.negotiatedFeatures&(uint64(1)<<wire.RingFEventIdx) != 0
	v.queue = q

	if v.vdev.cfg.RequestQ == nil {
		return newProgrammerErr("enable vring", "no request queue configured")
	}
	if err := v.vdev.cfg.RequestQ.AttachEvent(v.kickFD, v.vringIOEvent); err != nil {
		v.queue = nil
		return newResourceErr("enable vring: attach kick event", err)
	}
	v.isEnabled = true
	return nil
}

// disable detaches the kick event, releases the virtqueue primitive, and
// clears is_enabled (§4.3).
func (v *Vring) disable() {
	if !v.isEnabled {
		return
	}
	if v.vdev.cfg.RequestQ != nil && v.kickFD >= 0 {
		v.vdev.cfg.RequestQ.DetachEvent(v.kickFD)
	}
	v.queue = nil
	v.isEnabled = false
}

// vringIOEvent is vring_io_event (§4.3): it MUST clear the kick eventfd
// before dispatching so kicks arriving mid-dispatch are not lost, then
// drains available descriptors into the device type's
// DispatchRequests. It runs on the request-queue loop that owns this
// vring's kick fd, never on the vhost loop.
func (v *Vring) vringIOEvent(fd int) {
	var discard [8]byte
	unix.Read(fd, discard[:]) // clear before dispatch, per §4.3

	if !v.isEnabled {
		// Defensive assertion, not a race-resolving read: the source is
		// only registered after enabling and detached before disabling.
		return
	}
	v.vdev.cfg.Type.DispatchRequests(v.vdev, v, v.vdev.cfg.RequestQ)
	v.notifyIfNeeded()
}

// notifyIfNeeded writes to CallFD when the event-idx suppression
// calculation (or its absence) says the guest wants a notification.
// Device-type implementations that publish completions themselves via
// virtq.Queue.Push reach it through the exported Notify.
func (v *Vring) notifyIfNeeded() {
	if v.queue == nil || v.callFD < 0 {
		return
	}
	if !v.queue.ShouldNotify() {
		return
	}
	var payload [8]byte
	payload[0] = 1
	unix.Write(v.callFD, payload[:])
}

// Notify is the public entry point a device type's DispatchRequests
// implementation calls after pushing completions onto vring's queue.
func (v *Vring) Notify() { v.notifyIfNeeded() }
