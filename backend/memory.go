// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backend provides a reference vhost.DeviceType: an in-memory
// block device that parses virtio-blk request headers off popped
// descriptor chains and serves them against a flat byte array. This is
// explicitly out-of-scope material per the core design (§1 lists
// "block/filesystem request semantics" as an external collaborator);
// it exists here so the core's request enqueue boundary (§4.6) has
// something concrete to exercise and so the repository's tests can run
// end-to-end. Grounded on the sharded-lock Memory backend in the
// go-ublk pack repo (backend/mem.go), adapted from ublk's
// fetch/commit I/O-descriptor model onto virtqueue descriptor chains.
package backend

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vhostblk/vhostblk/vhost"
	"github.com/vhostblk/vhostblk/virtq"
)

const (
	sectorSize = 512
	numShards  = 16
)

// virtio_blk request types (virtio_blk.h); only the subset this example
// backend understands.
const (
	blkTIn     = 0
	blkTOut    = 1
	blkTFlush  = 4
	blkTGetID  = 8
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// reqHeader mirrors struct virtio_blk_outhdr.
type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const reqHeaderSize = 16

// Memory is a fixed-size in-memory block device. Writes are sharded
// under numShards locks keyed by sector range, matching the pack
// backend's sharded-lock design rather than one global mutex.
type Memory struct {
	data   []byte
	shards [numShards]sync.RWMutex

	features uint64
}

// NewMemory creates an in-memory block device of the given byte size,
// rounded down to a whole number of sectors.
func NewMemory(size int) *Memory {
	size -= size % sectorSize
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) shardFor(sector uint64) *sync.RWMutex {
	return &m.shards[sector%numShards]
}

// GetFeatures implements vhost.DeviceType. This backend advertises no
// feature bits of its own beyond the core's defaults.
func (m *Memory) GetFeatures() uint64 { return 0 }

// SetFeatures implements vhost.DeviceType.
func (m *Memory) SetFeatures(negotiated uint64) { m.features = negotiated }

// GetConfig implements vhost.DeviceType, publishing a minimal
// virtio_blk_config: just the capacity field, in 512-byte sectors.
func (m *Memory) GetConfig(buf []byte) (int, error) {
	capacity := uint64(len(m.data) / sectorSize)
	n := 8
	if len(buf) < n {
		n = len(buf)
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], capacity)
	copy(buf, tmp[:n])
	return n, nil
}

// DispatchRequests implements vhost.DeviceType: drains vring's
// available descriptors, serves each as a virtio-blk request, and
// notifies the guest once all popped requests are completed.
func (m *Memory) DispatchRequests(vdev *vhost.Vdev, vring *vhost.Vring, rq vhost.RequestQueue) {
	q := vring.Queue()
	if q == nil {
		return
	}
	t := vdev.Memory()
	for {
		elem, err := q.Pop(t)
		if err != nil || elem == nil {
			break
		}
		n := m.serveOne(elem)
		q.Push(&virtq.Element{Index: elem.Index}, n)
	}
	vring.Notify()
}

// serveOne parses the request header out of elem.Read[0], performs the
// operation, writes a one-byte status into the final Write buffer, and
// returns the total response length (payload bytes plus the status
// byte) as required for the used-ring length field.
func (m *Memory) serveOne(elem *virtq.Element) int {
	if len(elem.Read) == 0 || len(elem.Read[0]) < reqHeaderSize {
		return m.failAll(elem, blkSIOErr)
	}
	hdr := reqHeader{
		Type:     binary.LittleEndian.Uint32(elem.Read[0][0:4]),
		Reserved: binary.LittleEndian.Uint32(elem.Read[0][4:8]),
		Sector:   binary.LittleEndian.Uint64(elem.Read[0][8:16]),
	}

	switch hdr.Type {
	case blkTIn:
		return m.serveRead(elem, hdr.Sector)
	case blkTOut:
		return m.serveWrite(elem, hdr.Sector)
	case blkTFlush:
		return m.writeStatus(elem, blkSOK)
	case blkTGetID:
		return m.serveGetID(elem)
	default:
		return m.writeStatus(elem, blkSUnsupp)
	}
}

func (m *Memory) serveRead(elem *virtq.Element, sector uint64) int {
	if len(elem.Write) == 0 {
		return m.writeStatus(elem, blkSIOErr)
	}
	total := 0
	dataBufs := elem.Write[:len(elem.Write)-1]
	for _, buf := range dataBufs {
		off := sector*sectorSize + uint64(total)
		if !m.readAt(buf, off) {
			return m.writeStatus(elem, blkSIOErr)
		}
		total += len(buf)
	}
	return total + m.writeStatus(elem, blkSOK)
}

func (m *Memory) serveWrite(elem *virtq.Element, sector uint64) int {
	if sector*sectorSize > uint64(len(m.data)) {
		return m.writeStatus(elem, blkSIOErr)
	}
	srcs := elem.Read[1:] // Read[0] was the header
	total := 0
	for _, buf := range srcs {
		off := sector*sectorSize + uint64(total)
		if !m.writeAt(buf, off) {
			return m.writeStatus(elem, blkSIOErr)
		}
		total += len(buf)
	}
	return m.writeStatus(elem, blkSOK)
}

func (m *Memory) serveGetID(elem *virtq.Element) int {
	id := []byte(fmt.Sprintf("vhostblk%-12s", "mem0"))
	if len(elem.Write) == 0 {
		return m.writeStatus(elem, blkSIOErr)
	}
	n := copy(elem.Write[0], id)
	return n + m.writeStatus(elem, blkSOK)
}

func (m *Memory) readAt(dst []byte, off uint64) bool {
	if off+uint64(len(dst)) > uint64(len(m.data)) {
		return false
	}
	shard := m.shardFor(off / sectorSize)
	shard.RLock()
	defer shard.RUnlock()
	copy(dst, m.data[off:off+uint64(len(dst))])
	return true
}

func (m *Memory) writeAt(src []byte, off uint64) bool {
	if off+uint64(len(src)) > uint64(len(m.data)) {
		return false
	}
	shard := m.shardFor(off / sectorSize)
	shard.Lock()
	defer shard.Unlock()
	copy(m.data[off:off+uint64(len(src))], src)
	return true
}

// writeStatus writes a one-byte virtio-blk status into the last Write
// buffer of elem and returns the bytes-written count (1) for that
// buffer; callers building a full response length add this to any data
// bytes already transferred.
func (m *Memory) writeStatus(elem *virtq.Element, status byte) int {
	if len(elem.Write) == 0 {
		return 0
	}
	last := elem.Write[len(elem.Write)-1]
	if len(last) == 0 {
		return 0
	}
	last[0] = status
	return 1
}

func (m *Memory) failAll(elem *virtq.Element, status byte) int {
	return m.writeStatus(elem, status)
}
