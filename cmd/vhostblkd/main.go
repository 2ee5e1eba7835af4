// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command vhostblkd serves an in-memory virtio-blk device over
// vhost-user on a UNIX socket. Grounded on the flag-parsing and
// signal-handling style of go-ublk's cmd/ublk-mem/main.go, and on the
// minimal ServeFS wiring in go-fuse's example/virtiofs/main.go.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/vhostblk/vhostblk/backend"
	"github.com/vhostblk/vhostblk/reqqueue"
	"github.com/vhostblk/vhostblk/vhost"
)

func main() {
	sockPath := flag.String("socket", "", "vhost-user UNIX socket path")
	size := flag.String("size", "256M", "backing store size (K/M/G suffix)")
	queues := flag.Int("queues", 1, "number of virtqueues")
	debug := flag.Bool("debug", false, "trace every vhost-user message")
	flag.Parse()

	if *sockPath == "" {
		log.Fatal("-socket is required")
	}
	bytes, err := parseSize(*size)
	if err != nil {
		log.Fatalf("-size: %v", err)
	}

	logger := log.New(os.Stderr, "vhostblkd: ", log.LstdFlags)

	loop, err := vhost.StartVhostEventLoop(logger)
	if err != nil {
		log.Fatalf("start vhost event loop: %v", err)
	}

	group, err := reqqueue.NewGroup(*queues, logger)
	if err != nil {
		log.Fatalf("create request queues: %v", err)
	}
	group.Start()

	mem := backend.NewMemory(bytes)

	dev, err := vhost.InitServer(loop, vhost.ServerConfig{
		SocketPath: *sockPath,
		Type:       mem,
		MaxQueues:  *queues,
		RequestQ:   group.Queues()[0],
		Logger:     logger,
		Debug:      *debug,
	})
	if err != nil {
		log.Fatalf("init vhost server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			logger.Printf("state=%s owned=%v features=%#x", dev.State(), dev.IsOwned(), dev.NegotiatedFeatures())
			continue
		}
		break
	}

	dev.Uninit()
	vhost.StopVhostEventLoop()
	group.Stop()
	group.Wait()
}

func parseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, os.ErrInvalid
	}
	mult := 1
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
