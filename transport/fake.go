// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"
)

// Fake is an in-memory Transport for tests, standing in for real
// register I/O the way eda's fake-device test helpers stand in for
// the cgo-backed PIO windows.
type Fake struct {
	mu    sync.Mutex
	regs  map[uint32]uint32
	block map[uint32][][]byte // addr -> successive BlockRead payloads, consumed FIFO-style

	OpenErr  error
	Opened   int
	closed   int
}

// NewFake returns a ready-to-use Fake transport.
func NewFake() *Fake {
	return &Fake{
		regs:  make(map[uint32]uint32),
		block: make(map[uint32][][]byte),
	}
}

type fakeHandle struct{ link, board int }

// Open implements Transport.
func (f *Fake) Open(ctx context.Context, link, board int) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.mu.Lock()
	f.Opened++
	f.mu.Unlock()
	return &fakeHandle{link: link, board: board}, nil
}

// Close implements Transport.
func (f *Fake) Close(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// SetReg pre-loads a register value a subsequent Read32 will return.
func (f *Fake) SetReg(addr, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr] = v
}

// QueueBlock enqueues a payload the next BlockRead at addr returns.
func (f *Fake) QueueBlock(addr uint32, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[addr] = append(f.block[addr], payload)
}

// Read32 implements Transport.
func (f *Fake) Read32(h Handle, addr uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr], nil
}

// Write32 implements Transport.
func (f *Fake) Write32(h Handle, addr uint32, v uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[addr] = v
	return nil
}

// BlockRead implements Transport, popping the next queued payload for
// addr (or returning an empty slice if none is queued, signaling "no
// more data" the way an exhausted hardware FIFO would).
func (f *Fake) BlockRead(h Handle, addr uint32, wordsMax int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.block[addr]
	if len(q) == 0 {
		return nil, nil
	}
	payload := q[0]
	f.block[addr] = q[1:]
	if len(payload) > wordsMax*4 {
		payload = payload[:wordsMax*4]
	}
	return payload, nil
}

var _ Transport = (*Fake)(nil)
