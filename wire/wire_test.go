// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// TestHeaderSize pins the 12-byte wire shape of Header: 3 uint32 fields,
// no hidden padding.
func TestHeaderSize(t *testing.T) {
	require.Equal(t, HeaderSize, int(unsafe.Sizeof(Header{})))
}

func TestVringDescSize(t *testing.T) {
	// addr(8) + len(4) + flags(2) + next(2), matching virtio_ring.h.
	require.Equal(t, 16, int(unsafe.Sizeof(VringDesc{})))
}

func TestMemoryRegionArraySize(t *testing.T) {
	require.Equal(t, MaxMemRegions, len(Memory{}.Regions))
}

func TestReqNamesCoversKnownOpcodes(t *testing.T) {
	for _, op := range []uint32{
		ReqGetFeatures, ReqSetFeatures, ReqSetOwner, ReqSetMemTable,
		ReqSetVringNum, ReqSetVringAddr, ReqGetVringBase,
		ReqGetProtocolFeatures, ReqSetProtocolFeatures, ReqGetInflightFD,
		ReqSetInflightFD, ReqAddMemReg,
	} {
		name, ok := ReqNames[op]
		require.True(t, ok, "opcode %d missing from ReqNames", op)
		require.NotEmpty(t, name)
	}
}

func TestMaskToString(t *testing.T) {
	mask := uint64(1)<<ProtocolFMQ | uint64(1)<<ProtocolFReplyAck
	s := MaskToString(ProtocolFeatureNames, mask)
	require.Contains(t, s, "MQ")
	require.Contains(t, s, "REPLY_ACK")
}

func TestMaskToStringUnknownBitFallsBackToIndex(t *testing.T) {
	s := MaskToString(ProtocolFeatureNames, uint64(1)<<63)
	require.Contains(t, s, "63")
}

func TestInFDCountExcludesVariableCountOpcodes(t *testing.T) {
	_, ok := InFDCount[ReqSetMemTable]
	require.False(t, ok, "SET_MEM_TABLE must not be in InFDCount: its fd count is variable")

	n, ok := InFDCount[ReqAddMemReg]
	require.True(t, ok)
	require.Equal(t, 1, n)
}
