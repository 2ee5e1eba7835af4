// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtq implements the virtqueue ring-buffer primitive: mapping
// the three guest-published rings (descriptor, avail, used) onto host
// memory, walking descriptor chains, publishing completions, and the
// event-idx suppression calculation that decides whether the guest wants
// a notification. Spec.md calls this primitive an external collaborator
// the core merely attaches to; this package is the reference
// implementation that plays that role, grounded directly on
// vhostuser.Ring/Virtq/popQueue/pushQueue/vringNotify/queueNotify in the
// teacher, generalized from a fixed two-queue array to an arbitrary
// queue count and wrapped behind an explicit Translator seam instead of
// a Device god-object.
package virtq

import (
	"fmt"
	"unsafe"

	"github.com/vhostblk/vhostblk/wire"
)

// Translator resolves addresses the master handed the slave into host
// virtual memory. Implemented by memmap.Table in this repository;
// kept as an interface so virtq has no import-time dependency on memmap.
type Translator interface {
	TranslateUVA(uva uint64) []byte
	TranslateGPALen(gpa, length uint64) []byte
}

// Ring is the mapped view of one virtqueue's three guest-published
// rings, exactly mirroring vhostuser.Ring.
type Ring struct {
	Num            int
	Desc           []wire.VringDesc
	Avail          *wire.VringAvail
	AvailRing      []uint16
	AvailUsedEvent *uint16
	Used           *wire.VringUsed
	UsedRing       []wire.VringUsedElement
	UsedAvailEvent *uint16
}

// Queue is the attached virtqueue primitive for one vring: the mapped
// Ring plus the cursor state the single-writer discipline in §5 lets the
// request-queue loop mutate without locks.
type Queue struct {
	Ring Ring

	EventIdx bool // RING_F_EVENT_IDX negotiated

	LastAvailIdx   uint16
	ShadowAvailIdx uint16
	UsedIdx        uint16
	SignaledUsed   uint16
	SignaledUsedValid bool

	inuse uint
}

// Element is one popped descriptor chain: Read holds the iovecs the
// slave reads (descriptors without VRING_DESC_F_WRITE), Write holds the
// ones it writes (mirroring VirtqElem in the teacher).
type Element struct {
	Index uint
	Read  [][]byte
	Write [][]byte
}

// Attach maps Desc/Avail/Used out of host memory by translating the
// master UVAs in addr through t.TranslateUVA, for a ring of size num,
// and resets cursor
// state to base. Mirrors vhostuser.Device.MapRing + the LastAvailIdx
// assignment in SetVringAddr.
func Attach(t Translator, addr *wire.VringAddr, num int, base uint16) (*Queue, error) {
	q := &Queue{}
	q.Ring.Num = num

	descBytes := t.TranslateUVA(addr.DescUserAddr)
	if descBytes == nil {
		return nil, fmt.Errorf("virtq: could not map desc addr %x", addr.DescUserAddr)
	}
	q.Ring.Desc = unsafe.Slice((*wire.VringDesc)(unsafe.Pointer(&descBytes[0])), num)

	usedBytes := t.TranslateUVA(addr.UsedUserAddr)
	if usedBytes == nil {
		return nil, fmt.Errorf("virtq: could not map used addr %x", addr.UsedUserAddr)
	}
	q.Ring.Used = (*wire.VringUsed)(unsafe.Pointer(&usedBytes[0]))
	q.Ring.UsedRing = unsafe.Slice(&q.Ring.Used.Ring0, num)
	q.Ring.UsedAvailEvent = (*uint16)(unsafe.Pointer(&unsafe.Slice(&q.Ring.Used.Ring0, num+1)[num]))

	availBytes := t.TranslateUVA(addr.AvailUserAddr)
	if availBytes == nil {
		return nil, fmt.Errorf("virtq: could not map avail addr %x", addr.AvailUserAddr)
	}
	q.Ring.Avail = (*wire.VringAvail)(unsafe.Pointer(&availBytes[0]))
	q.Ring.AvailRing = unsafe.Slice(&q.Ring.Avail.Ring0, num)
	q.Ring.AvailUsedEvent = &unsafe.Slice(&q.Ring.Avail.Ring0, num+1)[num]

	q.UsedIdx = q.Ring.Used.Idx
	q.LastAvailIdx = base
	q.ShadowAvailIdx = base
	return q, nil
}

func (q *Queue) availIdx() uint16 {
	q.ShadowAvailIdx = q.Ring.Avail.Idx
	return q.ShadowAvailIdx
}

// Empty reports whether the avail ring currently has nothing new for the
// slave to consume.
func (q *Queue) Empty() bool {
	if q.ShadowAvailIdx != q.LastAvailIdx {
		return false
	}
	return q.availIdx() == q.LastAvailIdx
}

// Pop walks the next available descriptor chain, translating each
// segment through t. Returns (nil, nil) when the queue is empty.
func (q *Queue) Pop(t Translator) (*Element, error) {
	if q.Empty() {
		return nil, nil
	}
	if int(q.inuse) >= q.Ring.Num {
		return nil, fmt.Errorf("virtq: queue size exceeded")
	}

	idx := int(q.LastAvailIdx) % q.Ring.Num
	q.LastAvailIdx++
	head := q.Ring.AvailRing[idx]
	if int(head) >= q.Ring.Num {
		return nil, fmt.Errorf("virtq: avail index %d out of range (num %d)", head, q.Ring.Num)
	}
	if q.EventIdx {
		*q.Ring.UsedAvailEvent = q.LastAvailIdx
	}

	elem, err := q.mapDescChain(t, int(head))
	if elem == nil || err != nil {
		return nil, err
	}
	q.inuse++
	return elem, nil
}

func (q *Queue) mapDescChain(t Translator, head int) (*Element, error) {
	result := Element{Index: uint(head)}

	descArray := q.Ring.Desc
	desc := descArray[head]
	if desc.Flags&wire.VringDescFIndirect != 0 {
		eltSize := uint32(unsafe.Sizeof(wire.VringDesc{}))
		if desc.Len%eltSize != 0 {
			return nil, fmt.Errorf("virtq: indirect table size %d not a multiple of %d", desc.Len, eltSize)
		}
		indirect := t.TranslateGPALen(desc.Addr, uint64(desc.Len))
		if indirect == nil {
			return nil, fmt.Errorf("virtq: out-of-bounds indirect table at %x", desc.Addr)
		}
		n := desc.Len / eltSize
		descArray = unsafe.Slice((*wire.VringDesc)(unsafe.Pointer(&indirect[0])), n)
		desc = descArray[0]
	}

	for {
		iov := readSegments(t, desc.Addr, desc.Len)
		if desc.Flags&wire.VringDescFWrite != 0 {
			result.Write = append(result.Write, iov...)
		} else {
			result.Read = append(result.Read, iov...)
		}

		if desc.Flags&wire.VringDescFNext == 0 {
			break
		}
		head = int(desc.Next)
		if head < 0 || head >= len(descArray) {
			return nil, fmt.Errorf("virtq: chained descriptor index %d out of range", head)
		}
		desc = descArray[head]
	}

	return &result, nil
}

func readSegments(t Translator, physAddr uint64, sz uint32) [][]byte {
	var result [][]byte
	for sz > 0 {
		seg := t.TranslateGPALen(physAddr, uint64(sz))
		if seg == nil {
			break
		}
		result = append(result, seg)
		sz -= uint32(len(seg))
		physAddr += uint64(len(seg))
	}
	return result
}

// Push publishes elem's completion with total length n to the used ring,
// mirroring vhostuser.Device.pushQueue.
func (q *Queue) Push(elem *Element, n int) {
	idx := int(q.UsedIdx) % q.Ring.Num
	q.Ring.UsedRing[idx] = wire.VringUsedElement{ID: uint32(elem.Index), Len: uint32(n)}

	old := q.UsedIdx
	next := old + 1
	q.UsedIdx = next
	q.Ring.Used.Idx = next
	q.inuse--

	if next-q.SignaledUsed < next-old {
		q.SignaledUsedValid = false
	}
}

// NeedEvent implements the virtio-ring event-idx suppression test
// (virtio_ring.h's vring_need_event): whether the guest's requested
// notification threshold has been crossed by the [old, newIdx) advance.
func NeedEvent(eventIdx, newIdx, old uint16) bool {
	return newIdx-eventIdx-1 < newIdx-old
}

// ShouldNotify decides whether pending Push calls warrant a call-fd
// write, applying event-idx suppression when negotiated.
func (q *Queue) ShouldNotify() bool {
	if !q.EventIdx {
		return true
	}
	wasValid := q.SignaledUsedValid
	old := q.SignaledUsed
	next := q.UsedIdx
	q.SignaledUsed = next
	q.SignaledUsedValid = true
	return !wasValid || NeedEvent(*q.Ring.AvailUsedEvent, next, old)
}
