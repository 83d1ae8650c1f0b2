// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-wavedaq/frontend/record"
)

// File is a reference Sink implementation that frames merged events
// to a flat file: a little-endian sub-record count, then for each
// sub-record a module id, a timestamp, a length and the raw bytes, in the order
// the merge stage assembled them. It exists for tests and standalone
// tools; production archival is an explicit Non-goal (spec.md §1).
type File struct {
	w      *bufio.Writer
	f      *os.File
	run    uint32
	closed bool
	err    error
}

// NewFile creates (or truncates) path and returns a File sink writing
// to it.
func NewFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: could not create %q: %w", path, err)
	}
	return &File{w: bufio.NewWriter(f), f: f}, nil
}

func (s *File) BeginEvent(run uint32) error {
	if s.closed {
		return ErrClosed
	}
	s.run = run
	return nil
}

func (s *File) WriteEvent(evt *record.MergedEvent) error {
	if s.closed {
		return ErrClosed
	}
	s.writeU32(uint32(len(evt.Subs)))
	for _, sub := range evt.Subs {
		s.writeU32(sub.ModuleID)
		s.writeU32(sub.Timestamp)
		s.writeU32(uint32(len(sub.Data)))
		s.write(sub.Data)
	}
	if s.err != nil {
		return fmt.Errorf("sink: could not write event: %w", s.err)
	}
	return nil
}

func (s *File) EndEvent() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: could not flush: %w", err)
	}
	return nil
}

func (s *File) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("sink: could not flush on close: %w", err)
	}
	return s.f.Close()
}

func (s *File) write(p []byte) {
	if s.err != nil {
		return
	}
	_, s.err = s.w.Write(p)
}

func (s *File) writeU32(v uint32) {
	if s.err != nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, s.err = s.w.Write(buf[:])
}
