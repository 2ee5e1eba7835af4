// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vhost is the vhost-user protocol engine: the per-device
// connection state machine, the protocol dispatch table, and the glue
// between the guest memory map (memmap), the virtqueue primitive
// (virtq), and the inflight-tracking region. It is grounded on
// vhostuser.Device/Server in the teacher, restructured around the
// explicit INITIALIZED/LISTENING/CONNECTED state machine and the
// request-queue/vhost-loop split the teacher's single accept-and-serve
// loop never had to model.
package vhost

import (
	"fmt"
	"log"
	"sync"

	"github.com/vhostblk/vhostblk/internal/loopio"
	"github.com/vhostblk/vhostblk/memmap"
	"github.com/vhostblk/vhostblk/wire"
)

// State is the connection-state enum of §3/§4.4.
type State int

const (
	StateInitialized State = iota
	StateListening
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateListening:
		return "LISTENING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// DeviceType is the polymorphic device-type vtable of §9: the
// capability set the core consumes without knowing the concrete device.
// Must not be nil after InitServer returns successfully.
type DeviceType interface {
	// GetFeatures returns the device-type's feature bits, ORed into
	// DEFAULT_FEATURES to form the master-feature mask advertised by
	// GET_FEATURES.
	GetFeatures() uint64
	// SetFeatures informs the device type of the final negotiated
	// feature set.
	SetFeatures(negotiated uint64)
	// GetConfig fills buf (sized per the GET_CONFIG request) with the
	// device's virtio config space, returning the number of bytes
	// written.
	GetConfig(buf []byte) (int, error)
	// DispatchRequests walks vring's available descriptors and enqueues
	// work into rq. Called from the request-queue loop that owns vring,
	// never from the vhost loop.
	DispatchRequests(vdev *Vdev, vring *Vring, rq RequestQueue)
}

// RequestQueue is the opaque request-queue handle of §6: the caller's
// own event-loop layer, exposed to the core only through event
// (de)registration.
type RequestQueue interface {
	AttachEvent(fd int, onReadable func(fd int)) error
	DetachEvent(fd int)
}

// Default master features advertised regardless of device type: only
// F_PROTOCOL_FEATURES, per §6.
const DefaultFeatures = uint64(1) << wire.FProtocolFeatures

// Default protocol features advertised, per §6: MQ, LOG_SHMFD, REPLY_ACK,
// CONFIG.
const DefaultProtocolFeatures = (uint64(1) << 0) | (uint64(1) << 1) | (uint64(1) << 3) | (uint64(1) << 9)

// ServerConfig configures InitServer. Mirrors the struct-of-options
// construction style the pack favors (go-ublk's DeviceParams) over a
// functional-options API.
type ServerConfig struct {
	SocketPath string
	Type       DeviceType
	MaxQueues  int
	RequestQ   RequestQueue
	Priv       interface{}
	Logger     *log.Logger
	Debug      bool
}

// Vdev is one served device: identity, connection state, negotiated
// features, guest memory map, inflight region, and the array of vring
// records (§3). Mutated only by the vhost event loop (§5); the
// request-queue loop only reads Vring.Queue() and the memory map it
// exposes.
type Vdev struct {
	cfg ServerConfig

	listenFD int
	connFD   int

	state State
	rxBuf [4096]byte

	supportedFeatures          uint64
	negotiatedFeatures         uint64
	negotiatedProtocolFeatures uint64
	isOwned                    bool

	qmax   int
	vrings []Vring

	mem      memmap.Table
	inflight *inflightRegion

	loop *loopio.Loop
}

// replyAckNegotiated reports whether REPLY_ACK was negotiated, gating
// the ack-reply behavior of §4.2.
func (d *Vdev) replyAckNegotiated() bool {
	return d.negotiatedProtocolFeatures&(1<<3) != 0
}

func (d *Vdev) logf(format string, args ...interface{}) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}

// registry is the process-wide device registry of §5/§9: every live
// Vdev, linked on InitServer and unlinked on Uninit. Mutated only from
// the vhost loop, per spec, but guarded by a mutex anyway since multiple
// vhost loops (one per caller-created Loop) could in principle share a
// process.
var registry struct {
	mu      sync.Mutex
	devices map[*Vdev]struct{}
}

func init() {
	registry.devices = make(map[*Vdev]struct{})
}

func registryAdd(d *Vdev) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.devices[d] = struct{}{}
}

func registryRemove(d *Vdev) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.devices, d)
}

// RegistrySize returns the number of currently-registered devices.
func RegistrySize() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.devices)
}

// State returns the device's current connection state.
func (d *Vdev) State() State { return d.state }

// IsOwned reports the is_owned flag from SET_OWNER.
func (d *Vdev) IsOwned() bool { return d.isOwned }

// NegotiatedFeatures returns the feature mask stored by the last
// SET_FEATURES.
func (d *Vdev) NegotiatedFeatures() uint64 { return d.negotiatedFeatures }

// NegotiatedProtocolFeatures returns the protocol-feature mask stored by
// the last SET_PROTOCOL_FEATURES.
func (d *Vdev) NegotiatedProtocolFeatures() uint64 { return d.negotiatedProtocolFeatures }

// Memory exposes the guest memory map for request-queue-loop reads
// (translation only; mutation is vhost-loop-only per §5).
func (d *Vdev) Memory() *memmap.Table { return &d.mem }

// Vrings exposes the vring array for request-queue-loop reads.
func (d *Vdev) Vrings() []Vring { return d.vrings }

func (d *Vdev) vringAt(index uint32) (*Vring, *Error) {
	if int(index) >= d.qmax {
		return nil, newValidationErr("vring index", fmt.Sprintf("index %d >= qmax %d", index, d.qmax))
	}
	return &d.vrings[index], nil
}
