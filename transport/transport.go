// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport abstracts the register-level Hardware Transport a
// Board Driver uses to talk to one digitizer board over an optical
// link (spec.md §6). The core acquisition pipeline never depends on a
// concrete transport; only board.Driver does.
package transport // import "github.com/go-wavedaq/frontend/transport"

import (
	"context"
	"time"
)

// Handle identifies one opened board endpoint on a transport.
type Handle interface{}

// Transport is the register-I/O contract a Board Driver consumes. Open
// must never block the caller indefinitely: implementations are
// expected to run the underlying open on a helper goroutine and honor
// ctx's deadline, per spec.md §4.1.
type Transport interface {
	// Open opens the endpoint for the given link/board pair, failing
	// with context.DeadlineExceeded if ctx expires first.
	Open(ctx context.Context, link, board int) (Handle, error)

	// Close releases a previously opened handle.
	Close(h Handle) error

	// Read32 reads one 32-bit register.
	Read32(h Handle, addr uint32) (uint32, error)

	// Write32 writes one 32-bit register.
	Write32(h Handle, addr uint32, v uint32) error

	// BlockRead performs a multi-word read from a contiguous hardware
	// FIFO, reading at most wordsMax words.
	BlockRead(h Handle, addr uint32, wordsMax int) ([]byte, error)
}

// DefaultOpenTimeout is a per-attempt deadline for Transport.Open;
// no caller in this module refers to it (cmd/daq-frontend and
// cmd/daq-shell pass their own 2s deadline to Driver.Connect).
const DefaultOpenTimeout = 2 * time.Second
