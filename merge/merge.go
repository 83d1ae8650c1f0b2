// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package merge implements the Merge / Poll Stage of spec.md §4.5: it
// decides when a merged event is ready, selects the earliest common
// timestamp across boards accounting for 31-bit rollover, assembles
// one downstream event from matching sub-records, and hands it to the
// sink. Grounded on original_source/feoV1725.cxx's rollover-aware
// merge logic and eda/device.go's multi-source readout fan-in loop.
package merge // import "github.com/go-wavedaq/frontend/merge"

import (
	"fmt"
	"time"

	"github.com/go-wavedaq/frontend/record"
	"github.com/go-wavedaq/frontend/ringbuf"
	"github.com/go-wavedaq/frontend/triggerbox"
)

// Config carries the merge-policy flags of spec.md §4.5.
type Config struct {
	MergeAcrossBoards   bool
	UseTriggerBox       bool
	AcceptPartialMerges bool
	FlushAtEnd          bool
	TSMatchWindow       uint32
}

// BoardSource pairs a connected board's identity with its ring
// buffer, as owned by the merge stage's consumer side.
type BoardSource struct {
	ModuleID uint32
	Ring     *ringbuf.Ring
}

// ErrProtocolViolation is returned by Poll when a board's ring reports
// an empty event after a positive readiness check, or the trigger-box
// bank is missing while mandatory (spec.md §4.5 step 6, §7).
var ErrProtocolViolation = fmt.Errorf("merge: protocol violation")

// peekTimeout bounds each board's head-timestamp peek within one poll
// cycle.
const peekTimeout = time.Millisecond

// Stage runs the Merge / Poll Stage on the caller's goroutine (spec.md
// §4.5 runs it on the main thread).
type Stage struct {
	cfg     Config
	boards  []BoardSource
	tbox    *triggerbox.Client

	stopRequested bool // single-shot protocol-violation stop latch
}

// New returns a Stage over boards, optionally driven by a Trigger-Box
// Client when cfg.UseTriggerBox is set.
func New(cfg Config, boards []BoardSource, tbox *triggerbox.Client) *Stage {
	return &Stage{cfg: cfg, boards: boards, tbox: tbox}
}

// StopRequested reports whether a protocol violation has requested the
// run be stopped (single-shot: re-entry is suppressed, spec.md §4.5
// step 6).
func (s *Stage) StopRequested() bool {
	return s.stopRequested
}

// Poll runs one poll cycle, assembling the event into out and
// reporting whether one was produced (false if no event was ready or a
// partial merge was abandoned this cycle).
func (s *Stage) Poll(out *record.MergedEvent) (bool, error) {
	out.Reset()

	ready, winner := s.readiness()
	if !ready {
		return false, nil
	}

	var (
		tboxTS   uint32
		tboxData []byte
		haveTbox bool
	)
	if s.cfg.UseTriggerBox {
		data, err := s.tbox.Recv()
		switch {
		case err == triggerbox.ErrTimedOut:
			if !s.stopRequested {
				s.stopRequested = true
				return false, fmt.Errorf("%w: trigger-box record missing while mandatory", ErrProtocolViolation)
			}
			return false, nil
		case err != nil:
			return false, fmt.Errorf("merge: could not receive trigger-box record: %w", err)
		default:
			ts, err := record.TriggerBoxTimestamp(data)
			if err != nil {
				return false, fmt.Errorf("merge: could not parse trigger-box record: %w", err)
			}
			tboxTS, tboxData, haveTbox = ts, data, true
		}
	}

	if !s.cfg.MergeAcrossBoards {
		src := s.boards[winner]
		hdr, buf, err := s.peekHeader(src)
		if err != nil {
			return false, err
		}
		src.Ring.Consume(len(buf))
		if haveTbox {
			out.AddTriggerBox(tboxTS, tboxData)
		}
		out.AddBoard(src.ModuleID, hdr.Timestamp, buf)
		return true, nil
	}

	earliest, err := s.earliestTimestamp(haveTbox, tboxTS)
	if err != nil {
		return false, err
	}

	type matched struct {
		src BoardSource
		hdr record.Header
		buf []byte
	}
	var matches []matched

	for _, src := range s.boards {
		hdr, buf, err := s.peekHeader(src)
		if err != nil {
			return false, err
		}
		delta := record.Delta(hdr.Timestamp, earliest)
		if delta > s.cfg.TSMatchWindow {
			continue // leave this board's event in its ring this cycle
		}
		matches = append(matches, matched{src: src, hdr: hdr, buf: buf})
	}

	if len(matches) < len(s.boards) && !s.cfg.AcceptPartialMerges {
		return false, nil // abandon: do not consume, skip this cycle
	}
	if len(matches) == 0 {
		return false, nil
	}

	if haveTbox {
		out.AddTriggerBox(tboxTS, tboxData)
	}
	for _, m := range matches {
		m.src.Ring.Consume(len(m.buf))
		out.AddBoard(m.src.ModuleID, m.hdr.Timestamp, m.buf)
	}

	return true, nil
}

// readiness implements spec.md §4.5 step 1.
func (s *Stage) readiness() (ready bool, winner int) {
	if s.cfg.MergeAcrossBoards {
		for _, src := range s.boards {
			if src.Ring.EventCount() == 0 {
				return false, -1
			}
		}
		return true, -1
	}

	best := int64(0)
	idx := -1
	for i, src := range s.boards {
		if n := src.Ring.EventCount(); n > best {
			best = n
			idx = i
		}
	}
	return idx >= 0, idx
}

// peekHeader peeks the oldest event on src's ring and decodes its
// header, surfacing ErrProtocolViolation on an unexpectedly empty
// ring or an invalid header tag (spec.md §4.5 step 6, §7).
func (s *Stage) peekHeader(src BoardSource) (record.Header, []byte, error) {
	if src.Ring.EventCount() == 0 {
		s.stopRequested = true
		return record.Header{}, nil, fmt.Errorf("%w: board %d ring empty after positive readiness check", ErrProtocolViolation, src.ModuleID)
	}

	buf, err := src.Ring.Peek(maxHeaderPeek, peekTimeout)
	if err != nil {
		return record.Header{}, nil, fmt.Errorf("merge: could not peek board %d: %w", src.ModuleID, err)
	}

	hdr, err := record.DecodeHeader(buf)
	if err != nil {
		s.stopRequested = true
		return record.Header{}, nil, fmt.Errorf("%w: board %d: %s", ErrProtocolViolation, src.ModuleID, err)
	}

	eventLen := int(hdr.Length) * 4
	if eventLen > len(buf) {
		buf, err = src.Ring.Peek(eventLen, peekTimeout)
		if err != nil {
			return record.Header{}, nil, fmt.Errorf("merge: could not peek full board %d event: %w", src.ModuleID, err)
		}
	} else {
		buf = buf[:eventLen]
	}

	return hdr, buf, nil
}

// maxHeaderPeek is large enough to cover the fixed header prefix of
// every event, regardless of its declared payload length.
const maxHeaderPeek = 16

// earliestTimestamp implements spec.md §4.5 step 3: peek each board's
// head timestamp and compute the earliest one accounting for 31-bit
// rollover.
func (s *Stage) earliestTimestamp(haveTbox bool, tboxTS uint32) (uint32, error) {
	var (
		earliest uint32
		set      bool
	)
	if haveTbox {
		earliest, set = tboxTS, true
	}

	for _, src := range s.boards {
		if src.Ring.EventCount() == 0 {
			continue
		}
		buf, err := src.Ring.Peek(maxHeaderPeek, peekTimeout)
		if err != nil {
			return 0, fmt.Errorf("merge: could not peek board %d timestamp: %w", src.ModuleID, err)
		}
		ts, err := record.PeekTimestamp(buf)
		if err != nil {
			return 0, fmt.Errorf("merge: could not decode board %d timestamp: %w", src.ModuleID, err)
		}
		if !set || record.Earlier(ts, earliest) {
			earliest, set = ts, true
		}
	}

	if !set {
		return 0, fmt.Errorf("merge: no board or trigger-box timestamp available")
	}
	return earliest, nil
}
