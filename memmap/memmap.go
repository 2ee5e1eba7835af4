// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memmap implements the guest memory map (§3, §4.1): a fixed-size
// table of mmap'd regions translating guest-physical and master-userspace
// addresses to host virtual addresses. Grounded on the region-table scan
// in the teacher's vhostuser.deviceRegion/Device.FromDriverAddr/
// FromGuestAddr, generalized to a fixed MAX_MEM_REGIONS table with
// explicit per-slot liveness and the SET_MEM_TABLE idempotency quirk.
package memmap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vhostblk/vhostblk/wire"
)

const (
	MaxRegions = wire.MaxMemRegions
	PageSize   = 4096
)

// region holds one slot of the table. live is the liveness predicate
// (Open Question (b) in DESIGN.md): a failed mmap leaves the slot zeroed
// and not-live, so retrying after a SET_MEM_TABLE failure means starting
// over, not resuming.
type region struct {
	live bool
	gpa  uint64
	uva  uint64
	hva  []byte
	fd   int
}

// Table is the per-device guest memory map. Not safe for concurrent use;
// per §5 only the vhost event loop ever mutates it.
type Table struct {
	regions [MaxRegions]region
}

// ErrBusy is returned by Map when a slot is occupied by a non-identical
// mapping.
var ErrBusy = fmt.Errorf("memmap: slot busy")

// Map installs region index's mapping. fd is mmap'd MAP_SHARED at offset
// for size bytes; per §4.1 both offset and size must be page-aligned and
// index must be within range. If the slot already holds a mapping with an
// identical (gpa, size) pair, the incoming fd is closed and the existing
// mapping is kept (the qemu idempotent-SET_MEM_TABLE quirk, §3);
// otherwise Map fails with ErrBusy and the caller keeps owning fd.
func (t *Table) Map(index int, gpa, uva, size, offset uint64, fd int) error {
	if index < 0 || index >= MaxRegions {
		return fmt.Errorf("memmap: index %d out of range", index)
	}
	if size%PageSize != 0 || offset%PageSize != 0 {
		return fmt.Errorf("memmap: size/offset not page-aligned")
	}

	r := &t.regions[index]
	if r.live {
		if r.gpa == gpa && uint64(len(r.hva)) == size {
			unix.Close(fd)
			return nil
		}
		return ErrBusy
	}

	data, err := unix.Mmap(fd, int64(offset), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("memmap: mmap: %w", err)
	}
	unix.Madvise(data, unix.MADV_DONTDUMP)

	*r = region{
		live: true,
		gpa:  gpa,
		uva:  uva,
		hva:  data,
		fd:   fd,
	}
	return nil
}

// Unmap tears down slot index if live, munmapping and closing its fd.
func (t *Table) Unmap(index int) {
	if index < 0 || index >= MaxRegions {
		return
	}
	r := &t.regions[index]
	if !r.live {
		return
	}
	unix.Munmap(r.hva)
	unix.Close(r.fd)
	*r = region{}
}

// UnmapAll tears down every live slot, in index order.
func (t *Table) UnmapAll() {
	for i := range t.regions {
		t.Unmap(i)
	}
}

// TranslateUVA scans the table for the region containing uva and returns
// the corresponding host-virtual slice, or nil if no region covers it.
func (t *Table) TranslateUVA(uva uint64) []byte {
	for i := range t.regions {
		r := &t.regions[i]
		if !r.live {
			continue
		}
		size := uint64(len(r.hva))
		if uva >= r.uva && uva < r.uva+size {
			return r.hva[uva-r.uva:]
		}
	}
	return nil
}

// TranslateGPALen scans the table for a single region that fully covers
// [gpa, gpa+len), returning its host-virtual slice of exactly len bytes.
// Returns nil if len is zero, if no region fully contains the range
// (per Open Question (c), ranges straddling two regions are
// unsupported), or if gpa+len overflows.
func (t *Table) TranslateGPALen(gpa, length uint64) []byte {
	if length == 0 {
		return nil
	}
	end := gpa + length
	if end < gpa { // overflow
		return nil
	}
	for i := range t.regions {
		r := &t.regions[i]
		if !r.live {
			continue
		}
		size := uint64(len(r.hva))
		if gpa >= r.gpa && end <= r.gpa+size {
			off := gpa - r.gpa
			return r.hva[off : off+length]
		}
	}
	return nil
}

// LiveCount returns the number of currently live slots, used by tests to
// verify invariant 3 (exactly n regions live after SET_MEM_TABLE).
func (t *Table) LiveCount() int {
	n := 0
	for i := range t.regions {
		if t.regions[i].live {
			n++
		}
	}
	return n
}

// FreeSlot returns the index of the first non-live slot, or -1 if the
// table is full. Used by the modern ADD_MEM_REG dialect, which adds one
// region at a time rather than replacing the whole table.
func (t *Table) FreeSlot() int {
	for i := range t.regions {
		if !t.regions[i].live {
			return i
		}
	}
	return -1
}

// RegionInfo is a snapshot of one slot's public fields, for tests that
// diff a table's shape across transitions without reaching into the
// unexported region type (fd and hva are deliberately omitted: their
// values are not stable across runs).
type RegionInfo struct {
	Live bool
	GPA  uint64
	UVA  uint64
	Size uint64
}

// Snapshot returns the live/gpa/uva/size view of every slot, in index
// order.
func (t *Table) Snapshot() [MaxRegions]RegionInfo {
	var out [MaxRegions]RegionInfo
	for i := range t.regions {
		r := &t.regions[i]
		out[i] = RegionInfo{Live: r.live, GPA: r.gpa, UVA: r.uva, Size: uint64(len(r.hva))}
	}
	return out
}
