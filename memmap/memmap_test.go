// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmap

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// anonFile creates a memfd of the given size for use as a region's
// backing store in tests.
func anonFile(t *testing.T, size int) int {
	t.Helper()
	fd, err := unix.MemfdCreate("memmap-test", 0)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, int64(size)))
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func dupFD(t *testing.T, fd int) int {
	t.Helper()
	nfd, err := unix.Dup(fd)
	require.NoError(t, err)
	return nfd
}

func TestMapAndTranslate(t *testing.T) {
	var tbl Table
	fd := anonFile(t, PageSize)

	err := tbl.Map(0, 0x1000, 0x7f0000000000, PageSize, 0, dupFD(t, fd))
	require.NoError(t, err)
	require.Equal(t, 1, tbl.LiveCount())

	// gpa fully inside the region.
	hva := tbl.TranslateGPALen(0x1000, 16)
	require.NotNil(t, hva)
	require.Len(t, hva, 16)

	// gpa just past the region is not covered (invariant 2).
	require.Nil(t, tbl.TranslateGPALen(0x1000+PageSize, 1))

	// len == 0 always returns nil, even for an address inside a region.
	require.Nil(t, tbl.TranslateGPALen(0x1000, 0))

	// uva translation.
	require.NotNil(t, tbl.TranslateUVA(0x7f0000000000))
	require.Nil(t, tbl.TranslateUVA(0x7f0000000000-1))

	tbl.Unmap(0)
	require.Equal(t, 0, tbl.LiveCount())
	require.Nil(t, tbl.TranslateGPALen(0x1000, 16))
}

func TestMapOutOfRangeIndex(t *testing.T) {
	var tbl Table
	fd := anonFile(t, PageSize)
	err := tbl.Map(MaxRegions, 0, 0, PageSize, 0, dupFD(t, fd))
	require.Error(t, err)
}

func TestMapMisaligned(t *testing.T) {
	var tbl Table
	fd := anonFile(t, PageSize)
	err := tbl.Map(0, 0, 0, PageSize+1, 0, dupFD(t, fd))
	require.Error(t, err)
}

// TestMapIdempotentDuplicate exercises the qemu idempotency quirk (§3):
// a repeated Map with an identical (gpa, size) pair at the same index
// keeps the existing mapping and closes the incoming fd instead of
// erroring.
func TestMapIdempotentDuplicate(t *testing.T) {
	var tbl Table
	fd := anonFile(t, PageSize)

	require.NoError(t, tbl.Map(0, 0x2000, 0x1000, PageSize, 0, dupFD(t, fd)))
	first := tbl.TranslateGPALen(0x2000, 4)

	require.NoError(t, tbl.Map(0, 0x2000, 0x1000, PageSize, 0, dupFD(t, fd)))
	second := tbl.TranslateGPALen(0x2000, 4)

	require.Equal(t, 1, tbl.LiveCount())
	// Same underlying mapping retained -- writing through one view is
	// visible through the other.
	first[0] = 0x42
	require.Equal(t, byte(0x42), second[0])
}

// TestMapBusyOnConflict covers the non-idempotent case: a second Map at
// an occupied slot with a different (gpa, size) pair must fail with
// ErrBusy and leave the existing mapping untouched.
func TestMapBusyOnConflict(t *testing.T) {
	var tbl Table
	fd := anonFile(t, PageSize)
	require.NoError(t, tbl.Map(0, 0x3000, 0x2000, PageSize, 0, dupFD(t, fd)))

	fd2 := anonFile(t, PageSize)
	err := tbl.Map(0, 0x4000, 0x2000, PageSize, 0, dupFD(t, fd2))
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, 1, tbl.LiveCount())
}

func TestUnmapAll(t *testing.T) {
	var tbl Table
	for i := 0; i < 3; i++ {
		fd := anonFile(t, PageSize)
		require.NoError(t, tbl.Map(i, uint64(i)*PageSize, uint64(i)*PageSize, PageSize, 0, dupFD(t, fd)))
	}
	require.Equal(t, 3, tbl.LiveCount())
	tbl.UnmapAll()
	require.Equal(t, 0, tbl.LiveCount())
}

func TestFreeSlot(t *testing.T) {
	var tbl Table
	require.Equal(t, 0, tbl.FreeSlot())
	fd := anonFile(t, PageSize)
	require.NoError(t, tbl.Map(0, 0, 0, PageSize, 0, dupFD(t, fd)))
	require.Equal(t, 1, tbl.FreeSlot())
}

// TestSnapshotMatchesAfterIdempotentSetMemTable diffs the table's shape
// before and after a repeated SET_MEM_TABLE naming the same (gpa, size)
// pairs: invariant 3 requires the mapping to be untouched, so the
// snapshots must compare equal.
func TestSnapshotMatchesAfterIdempotentSetMemTable(t *testing.T) {
	var tbl Table
	fd := anonFile(t, PageSize)
	require.NoError(t, tbl.Map(0, 0x5000, 0x6000, PageSize, 0, dupFD(t, fd)))
	before := tbl.Snapshot()

	require.NoError(t, tbl.Map(0, 0x5000, 0x6000, PageSize, 0, dupFD(t, fd)))
	after := tbl.Snapshot()

	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("region table changed across idempotent SET_MEM_TABLE:\n%s", diff)
	}
}
