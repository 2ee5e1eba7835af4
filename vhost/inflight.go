// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vhostblk/vhostblk/wire"
)

var (
	inflightRegionHeaderSize = int(unsafe.Sizeof(wire.InflightSplitRegion{}))
	inflightDescSize         = int(unsafe.Sizeof(wire.InflightSplitDesc{}))
)

// inflightRegion is the shared-memory scratch of §3/§4.5: a flat mapping
// divided into numQueues contiguous per-queue sub-regions, each a header
// followed by queueSize descriptor-tracking slots. Per Design Note
// "Inflight region pointer aliasing", headerAt is a typed view over
// offsets rather than an overlapping object graph.
type inflightRegion struct {
	fd         int
	hva        []byte
	size       uint64
	numQueues  int
	queueSize  int
}

func perQueueSize(queueSize int) int {
	return inflightRegionHeaderSize + queueSize*inflightDescSize
}

func (r *inflightRegion) headerAt(queue int) *wire.InflightSplitRegion {
	off := queue * perQueueSize(r.queueSize)
	return (*wire.InflightSplitRegion)(unsafe.Pointer(&r.hva[off]))
}

func (r *inflightRegion) release() {
	if r == nil || r.hva == nil {
		return
	}
	unix.Munmap(r.hva)
	unix.Close(r.fd)
	r.hva = nil
	r.fd = -1
}

// handleGetInflightFD implements §4.5 GET_INFLIGHT_FD: release any prior
// region, create a fresh anonymous shared mapping sized for the
// requested queue count/size, zero and header-initialize it, and reply
// with the new mapping's size/offset plus the fd as an ancillary right.
func (d *Vdev) handleGetInflightFD(req *wire.Inflight) (*wire.Inflight, int, *Error) {
	if d.inflight != nil {
		d.inflight.release()
		d.inflight = nil
	}

	numQueues := int(req.NumQueues)
	if numQueues <= 0 {
		numQueues = d.qmax
	}
	queueSize := int(req.QueueSize)
	per := perQueueSize(queueSize)
	total := uint64(per) * uint64(numQueues)

	fd, err := unix.MemfdCreate("vhost-inflight", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, -1, newResourceErr("GET_INFLIGHT_FD: memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		return nil, -1, newResourceErr("GET_INFLIGHT_FD: ftruncate", err)
	}
	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, -1, newResourceErr("GET_INFLIGHT_FD: mmap", err)
	}
	for i := range data {
		data[i] = 0
	}

	region := &inflightRegion{fd: fd, hva: data, size: total, numQueues: numQueues, queueSize: queueSize}
	for q := 0; q < numQueues; q++ {
		h := region.headerAt(q)
		*h = wire.InflightSplitRegion{
			Features:      0,
			Version:       1,
			DescNum:       uint16(queueSize),
			LastBatchHead: 0,
			UsedIdx:       0,
		}
	}
	d.inflight = region

	replyFD, err := unix.Dup(fd)
	if err != nil {
		return nil, -1, newResourceErr("GET_INFLIGHT_FD: dup", err)
	}
	out := &wire.Inflight{MmapSize: total, MmapOffset: 0, NumQueues: uint16(numQueues), QueueSize: uint16(queueSize)}
	return out, replyFD, nil
}

// handleSetInflightFD implements §4.5 SET_INFLIGHT_FD: release any prior
// region, mmap the passed fd at the given length, and adopt it without
// rewriting headers (the master is handing back a region this slave
// already initialized before a reconnect).
func (d *Vdev) handleSetInflightFD(req *wire.Inflight, inFDs []int) *Error {
	if len(inFDs) != 1 {
		closeUnconsumed(inFDs)
		return newFramingErr("SET_INFLIGHT_FD", errRegionFDMismatch)
	}
	fd := inFDs[0]

	if d.inflight != nil {
		d.inflight.release()
		d.inflight = nil
	}

	data, err := unix.Mmap(fd, int64(req.MmapOffset), int(req.MmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return newResourceErr("SET_INFLIGHT_FD: mmap", err)
	}
	d.inflight = &inflightRegion{
		fd:        fd,
		hva:       data,
		size:      req.MmapSize,
		numQueues: int(req.NumQueues),
		queueSize: int(req.QueueSize),
	}
	return nil
}
