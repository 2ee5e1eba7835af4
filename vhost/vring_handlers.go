// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"github.com/vhostblk/vhostblk/wire"
)

func (d *Vdev) handleSetVringNum(req *wire.VringState) *Error {
	v, verr := d.vringAt(req.Index)
	if verr != nil {
		return verr
	}
	if v.isEnabled {
		return newValidationErr("SET_VRING_NUM", "vring must be disabled")
	}
	v.setNum(int(req.Num))
	return nil
}

func (d *Vdev) handleSetVringBase(req *wire.VringState) *Error {
	v, verr := d.vringAt(req.Index)
	if verr != nil {
		return verr
	}
	if v.isEnabled {
		return newValidationErr("SET_VRING_BASE", "vring must be disabled")
	}
	v.setBase(uint16(req.Num))
	return nil
}

func (d *Vdev) handleSetVringAddr(req *wire.VringAddr) *Error {
	v, verr := d.vringAt(req.Index)
	if verr != nil {
		return verr
	}
	if v.isEnabled {
		return newValidationErr("SET_VRING_ADDR", "vring must be disabled")
	}
	if d.mem.TranslateUVA(req.DescUserAddr) == nil {
		return newValidationErr("SET_VRING_ADDR", "desc_addr does not resolve to a mapped region")
	}
	if d.mem.TranslateUVA(req.AvailUserAddr) == nil {
		return newValidationErr("SET_VRING_ADDR", "avail_addr does not resolve to a mapped region")
	}
	if d.mem.TranslateUVA(req.UsedUserAddr) == nil {
		return newValidationErr("SET_VRING_ADDR", "used_addr does not resolve to a mapped region")
	}
	v.setAddr(*req)
	return nil
}

// handleGetVringBase replies vq.last_avail (Open Question (a): read
// without any fence, callers must ensure the queue is quiescent) and, if
// F_PROTOCOL_FEATURES was not negotiated, also disables the vring.
func (d *Vdev) handleGetVringBase(req *wire.VringState) (uint32, *Error) {
	v, verr := d.vringAt(req.Index)
	if verr != nil {
		return 0, verr
	}
	var last uint16
	if v.queue != nil {
		last = v.queue.LastAvailIdx
	} else {
		last = v.client.base
	}
	if d.negotiatedFeatures&(uint64(1)<<wire.FProtocolFeatures) == 0 {
		v.disable()
	}
	return uint32(last), nil
}

// handleSetVringKick stores the kick fd; in the legacy (no
// F_PROTOCOL_FEATURES) dialect it also enables the vring immediately, as
// SET_VRING_ENABLE never arrives in that dialect (§4.2, scenario S3).
func (d *Vdev) handleSetVringKick(req *wire.U64Payload, inFDs []int) *Error {
	v, verr := d.vringAt(uint32(req.Num & 0xff))
	if verr != nil {
		closeUnconsumed(inFDs)
		return verr
	}
	if req.Num&(1<<8) != 0 {
		// INVALID_FD bit: polling mode, unsupported (§9 Non-goals).
		closeUnconsumed(inFDs)
		return newUnsupportedErr("SET_VRING_KICK (polling mode)")
	}
	if len(inFDs) != 1 {
		closeUnconsumed(inFDs)
		return newFramingErr("SET_VRING_KICK", errRegionFDMismatch)
	}
	v.setKick(inFDs[0])

	if d.negotiatedFeatures&(uint64(1)<<wire.FProtocolFeatures) == 0 {
		if v.readyToEnable() {
			return v.enable()
		}
	}
	return nil
}

func (d *Vdev) handleSetVringCall(req *wire.U64Payload, inFDs []int) *Error {
	v, verr := d.vringAt(uint32(req.Num & 0xff))
	if verr != nil {
		closeUnconsumed(inFDs)
		return verr
	}
	if req.Num&(1<<8) != 0 {
		closeUnconsumed(inFDs)
		return newUnsupportedErr("SET_VRING_CALL (polling mode)")
	}
	if len(inFDs) != 1 {
		closeUnconsumed(inFDs)
		return newFramingErr("SET_VRING_CALL", errRegionFDMismatch)
	}
	if err := v.setCall(inFDs[0]); err != nil {
		return newResourceErr("SET_VRING_CALL", err)
	}
	return nil
}

func (d *Vdev) handleSetVringErr(req *wire.U64Payload, inFDs []int) *Error {
	v, verr := d.vringAt(uint32(req.Num & 0xff))
	if verr != nil {
		closeUnconsumed(inFDs)
		return verr
	}
	if len(inFDs) != 1 {
		closeUnconsumed(inFDs)
		return newFramingErr("SET_VRING_ERR", errRegionFDMismatch)
	}
	v.setErr(inFDs[0])
	return nil
}

func (d *Vdev) handleSetVringEnable(req *wire.VringState) *Error {
	v, verr := d.vringAt(req.Index)
	if verr != nil {
		return verr
	}
	if req.Num != 0 {
		if !v.readyToEnable() {
			return newValidationErr("SET_VRING_ENABLE", "vring not ready: missing addr/num/base/kickfd")
		}
		return v.enable()
	}
	v.disable()
	return nil
}
