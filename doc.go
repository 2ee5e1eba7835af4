// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Vhostblk is a userspace backend library that serves para-virtualized
// block devices to a virtual machine monitor over the vhost-user
// protocol on a local stream socket.
//
// Package vhost (github.com/vhostblk/vhostblk/vhost) is the protocol
// engine: the per-device connection state machine, the guest-memory
// mapping table, the virtqueue attachment protocol, the inflight-
// tracking region, and the event-driven dispatch that turns guest kicks
// into request-queue entries.
//
// Packages memmap, virtq, and wire are the lower-level primitives vhost
// is built from: the guest memory map, the virtqueue ring-buffer
// primitive, and the wire-format structs, respectively. Package reqqueue
// is a reference request-queue event loop, and package backend is a
// reference in-memory block device exercising the whole stack. Command
// vhostblkd (github.com/vhostblk/vhostblk/cmd/vhostblkd) wires them
// together into a runnable vhost-user-blk slave.
package lib
