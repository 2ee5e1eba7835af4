// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire holds the vhost-user wire format: the message header, the
// opcode table, protocol/feature-bit names, and every typed payload
// struct the protocol engine marshals directly onto the socket buffer via
// unsafe.Pointer overlays. Struct shapes here are ABI, not negotiable —
// they mirror QEMU's vhost-user.h byte for byte.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is the fixed 12-byte frame prefix of every vhost-user message.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

const (
	FlagVersionMask = 0x3
	FlagReply       = 0x1 << 2
	FlagNeedReply   = 0x1 << 3
)

const HeaderSize = 12 // unsafe.Sizeof(Header{}) pinned; verified in wire_test.go

// Opcodes (enum VhostUserRequest).
const (
	ReqNone                = 0
	ReqGetFeatures         = 1
	ReqSetFeatures         = 2
	ReqSetOwner            = 3
	ReqResetOwner          = 4
	ReqSetMemTable         = 5
	ReqSetLogBase          = 6
	ReqSetLogFD            = 7
	ReqSetVringNum         = 8
	ReqSetVringAddr        = 9
	ReqSetVringBase        = 10
	ReqGetVringBase        = 11
	ReqSetVringKick        = 12
	ReqSetVringCall        = 13
	ReqSetVringErr         = 14
	ReqGetProtocolFeatures = 15
	ReqSetProtocolFeatures = 16
	ReqGetQueueNum         = 17
	ReqSetVringEnable      = 18
	ReqSendRarp            = 19
	ReqNetSetMtu           = 20
	ReqSetBackendReqFD     = 21
	ReqIotlbMsg            = 22
	ReqSetVringEndian      = 23
	ReqGetConfig           = 24
	ReqSetConfig           = 25
	ReqCreateCryptoSession = 26
	ReqCloseCryptoSession  = 27
	ReqPostcopyAdvise      = 28
	ReqPostcopyListen      = 29
	ReqPostcopyEnd         = 30
	ReqGetInflightFD       = 31
	ReqSetInflightFD       = 32
	ReqGpuSetSocket        = 33
	ReqResetDevice         = 34
	ReqGetMaxMemSlots      = 36
	ReqAddMemReg           = 37
	ReqRemMemReg           = 38
	ReqMax                 = 44
)

var ReqNames = map[uint32]string{
	ReqNone:                "NONE",
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFD:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqSendRarp:            "SEND_RARP",
	ReqNetSetMtu:           "NET_SET_MTU",
	ReqSetBackendReqFD:     "SET_BACKEND_REQ_FD",
	ReqIotlbMsg:            "IOTLB_MSG",
	ReqSetVringEndian:      "SET_VRING_ENDIAN",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqCreateCryptoSession: "CREATE_CRYPTO_SESSION",
	ReqCloseCryptoSession:  "CLOSE_CRYPTO_SESSION",
	ReqPostcopyAdvise:      "POSTCOPY_ADVISE",
	ReqPostcopyListen:      "POSTCOPY_LISTEN",
	ReqPostcopyEnd:         "POSTCOPY_END",
	ReqGetInflightFD:       "GET_INFLIGHT_FD",
	ReqSetInflightFD:       "SET_INFLIGHT_FD",
	ReqGpuSetSocket:        "GPU_SET_SOCKET",
	ReqResetDevice:         "RESET_DEVICE",
	ReqGetMaxMemSlots:      "GET_MAX_MEM_SLOTS",
	ReqAddMemReg:           "ADD_MEM_REG",
	ReqRemMemReg:           "REM_MEM_REG",
	ReqMax:                 "MAX",
}

// Protocol feature bits.
const (
	ProtocolFMQ                  = 0
	ProtocolFLogShmfd            = 1
	ProtocolFRarp                = 2
	ProtocolFReplyAck            = 3
	ProtocolFNetMTU              = 4
	ProtocolFBackendReq          = 5
	ProtocolFCrossEndian         = 6
	ProtocolFCryptoSession       = 7
	ProtocolFPagefault           = 8
	ProtocolFConfig              = 9
	ProtocolFBackendSendFD       = 10
	ProtocolFHostNotifier        = 11
	ProtocolFInflightShmfd       = 12
	ProtocolFResetDevice         = 13
	ProtocolFInbandNotifications = 14
	ProtocolFConfigureMemSlots   = 15
	ProtocolFStatus              = 16
	ProtocolFMax                 = 20
)

var ProtocolFeatureNames = map[int]string{
	ProtocolFMQ:                  "MQ",
	ProtocolFLogShmfd:            "LOG_SHMFD",
	ProtocolFRarp:                "RARP",
	ProtocolFReplyAck:            "REPLY_ACK",
	ProtocolFNetMTU:              "NET_MTU",
	ProtocolFBackendReq:          "BACKEND_REQ",
	ProtocolFCrossEndian:         "CROSS_ENDIAN",
	ProtocolFCryptoSession:       "CRYPTO_SESSION",
	ProtocolFPagefault:           "PAGEFAULT",
	ProtocolFConfig:              "CONFIG",
	ProtocolFBackendSendFD:       "BACKEND_SEND_FD",
	ProtocolFHostNotifier:        "HOST_NOTIFIER",
	ProtocolFInflightShmfd:       "INFLIGHT_SHMFD",
	ProtocolFResetDevice:         "RESET_DEVICE",
	ProtocolFInbandNotifications: "INBAND_NOTIFICATIONS",
	ProtocolFConfigureMemSlots:   "CONFIGURE_MEM_SLOTS",
	ProtocolFStatus:              "STATUS",
	ProtocolFMax:                 "MAX",
}

// Virtio/vhost feature bits relevant to the core (virtio_config.h /
// vhost_types.h subset).
const (
	FNotifyOnEmpty    = 24
	FLogAll           = 26
	FAnyLayout        = 27
	RingFIndirectDesc = 28
	RingFEventIdx     = 29
	FProtocolFeatures = 30
	FVersion1         = 32
)

var FeatureNames = map[int]string{
	FNotifyOnEmpty:    "NOTIFY_ON_EMPTY",
	FLogAll:           "LOG_ALL",
	FAnyLayout:        "ANY_LAYOUT",
	RingFIndirectDesc: "RING_F_INDIRECT_DESC",
	RingFEventIdx:     "RING_F_EVENT_IDX",
	FProtocolFeatures: "PROTOCOL_FEATURES",
	FVersion1:         "VERSION_1",
}

// MaskToString renders a feature/protocol-feature bitmask using names,
// falling back to the bit index for unnamed bits.
func MaskToString(names map[int]string, mask uint64) string {
	var f []string
	for j := 0; j < 64; j++ {
		if mask&(uint64(1)<<j) == 0 {
			continue
		}
		nm := names[j]
		if nm == "" {
			nm = strconv.Itoa(j)
		}
		f = append(f, nm)
	}
	return strings.Join(f, ",")
}

const (
	MaxMemRegions = 8
	MaxFDs        = 8
	MaxConfigSize = 256
)

type U64Payload struct {
	Num uint64
}

func (p *U64Payload) String() string { return fmt.Sprintf("{%d}", p.Num) }

type VringState struct {
	Index uint32
	Num   uint32
}

func (s *VringState) String() string { return fmt.Sprintf("idx %d num %d", s.Index, s.Num) }

// VringAddr carries the driver-space addresses the master assigns to one
// vring. "Driver" here is the vhost-user term for what the rest of this
// module calls the master UVA.
type VringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

func (a *VringAddr) String() string {
	return fmt.Sprintf("idx %d flags %x desc %x used %x avail %x logGuest %x",
		a.Index, a.Flags, a.DescUserAddr, a.UsedUserAddr, a.AvailUserAddr, a.LogGuestAddr)
}

const (
	VringDescFNext     = 1
	VringDescFWrite    = 2
	VringDescFIndirect = 4
)

// VringDesc, VringAvail, VringUsed/VringUsedElement mirror
// virtio_ring.h. Alignment matches what the guest publishes; fields are
// not reordered.
type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type VringAvail struct {
	Flags uint16
	Idx   uint16
	Ring0 uint16
}

type VringUsedElement struct {
	ID  uint32
	Len uint32
}

type VringUsed struct {
	Flags uint16
	Idx   uint16
	Ring0 VringUsedElement
}

type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	DriverAddr    uint64
	MmapOffset    uint64
}

func (r *MemoryRegion) String() string {
	return fmt.Sprintf("guest [0x%x,+0x%x) driver %x mmapOff %x",
		r.GuestPhysAddr, r.MemorySize, r.DriverAddr, r.MmapOffset)
}

// Memory is the SET_MEM_TABLE payload body: a region count followed by a
// fixed-size region array. Only legacy SET_MEM_TABLE (not the modern
// ADD_MEM_REG dialect) uses this shape directly.
type Memory struct {
	Nregions uint32
	Padding  uint32
	Regions  [MaxMemRegions]MemoryRegion
}

type MemRegMsg struct {
	Padding uint64
	Region  MemoryRegion
}

type Log struct {
	MmapSize   uint64
	MmapOffset uint64
}

type Config struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region [MaxConfigSize]uint8
}

// Inflight is the GET/SET_INFLIGHT_FD payload: describes the shared
// mapping, not its contents (see InflightSplitRegion for the per-queue
// header that lives inside the mapping).
type Inflight struct {
	MmapSize   uint64
	MmapOffset uint64
	NumQueues  uint16
	QueueSize  uint16
}

// InflightSplitRegion is the per-queue header written at the start of
// each queue's sub-region of the inflight shared mapping (§4.5/§6).
type InflightSplitRegion struct {
	Features      uint64
	Version       uint16
	DescNum       uint16
	LastBatchHead uint16
	UsedIdx       uint16
}

// InflightSplitDesc is one per-descriptor tracking slot following the
// InflightSplitRegion header, indexed by descriptor head.
type InflightSplitDesc struct {
	Inflight uint8
	_        [5]uint8
	Next     uint16
	Counter  uint64
}

// InFDCount records, per opcode, how many ancillary SCM_RIGHTS fds a
// well-formed request carries. Used by the protocol engine to reject a
// malformed fd count as a framing error.
var InFDCount = map[uint32]int{
	ReqSetBackendReqFD: 1,
	ReqSetVringCall:    1,
	ReqSetVringErr:     1,
	ReqAddMemReg:       1,
	ReqSetVringKick:    1,
	ReqSetLogBase:      1,
	ReqSetInflightFD:   1,
}
