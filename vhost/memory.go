// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhost

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vhostblk/vhostblk/wire"
)

const pageSize = 4096

// handleSetMemTable implements SET_MEM_TABLE (§4.2, legacy dialect):
// for i in 0..nregions, map(i, ...); on error close remaining fds and
// unmap_all; reject nregions > MAX.
func (d *Vdev) handleSetMemTable(hdr *wire.Header, inFDs []int) *Error {
	payload := unsafe.Pointer(&d.rxBuf[hdrSize])
	req := (*wire.Memory)(payload)

	if int(req.Nregions) > wire.MaxMemRegions {
		closeUnconsumed(inFDs)
		return newValidationErr("SET_MEM_TABLE", "nregions exceeds MAX_MEM_REGIONS")
	}
	if int(req.Nregions) != len(inFDs) {
		closeUnconsumed(inFDs)
		return newFramingErr("SET_MEM_TABLE", errRegionFDMismatch)
	}

	d.mem.UnmapAll()
	for i := 0; i < int(req.Nregions); i++ {
		r := &req.Regions[i]
		if !pageAligned(r.MemorySize) || !pageAligned(r.MmapOffset) {
			for j := i; j < len(inFDs); j++ {
				unix.Close(inFDs[j])
			}
			d.mem.UnmapAll()
			return newValidationErr("SET_MEM_TABLE", "size/mmap_offset not page-aligned")
		}
		if err := d.mem.Map(i, r.GuestPhysAddr, r.DriverAddr, r.MemorySize, r.MmapOffset, inFDs[i]); err != nil {
			for j := i; j < len(inFDs); j++ {
				unix.Close(inFDs[j])
			}
			d.mem.UnmapAll()
			return newResourceErr("SET_MEM_TABLE", err)
		}
	}
	return nil
}

var errRegionFDMismatch = errors.New("region count does not match fd count")

func pageAligned(n uint64) bool { return n%pageSize == 0 }

// handleAddMemReg implements the modern ADD_MEM_REG dialect: a single
// region added at the first free slot. Grounded on
// vhostuser.Device.AddMemReg, adapted onto the fixed-slot memmap.Table
// (the teacher appends to a growable slice; our table has stable
// indices so ADD_MEM_REG picks the first free slot instead).
func (d *Vdev) handleAddMemReg(reg *wire.MemoryRegion, inFDs []int) *Error {
	if len(inFDs) != 1 {
		closeUnconsumed(inFDs)
		return newFramingErr("ADD_MEM_REG", errRegionFDMismatch)
	}
	fd := inFDs[0]
	if !pageAligned(reg.MemorySize) || !pageAligned(reg.MmapOffset) {
		unix.Close(fd)
		return newValidationErr("ADD_MEM_REG", "size/mmap_offset not page-aligned")
	}
	slot := d.mem.FreeSlot()
	if slot == -1 {
		unix.Close(fd)
		return newValidationErr("ADD_MEM_REG", "no free memory region slot")
	}
	if err := d.mem.Map(slot, reg.GuestPhysAddr, reg.DriverAddr, reg.MemorySize, reg.MmapOffset, fd); err != nil {
		return newResourceErr("ADD_MEM_REG", err)
	}
	return nil
}
