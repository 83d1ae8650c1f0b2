// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package record defines the wire formats exchanged between the
// acquisition pipeline's components: the raw Event Record a board writes
// into its ring buffer, the opaque Trigger-Box Record, and the Merged
// Event assembled by the merge stage for the downstream sink.
package record // import "github.com/go-wavedaq/frontend/record"

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

const (
	// HeaderTag is the expected top nibble of an Event Record's first
	// 32-bit word.
	HeaderTag = 0xA

	// TimestampMask keeps the low 31 bits of the timestamp word, per
	// spec.md §3: the top bit carries the encoding-variant flag
	// (Header.Encoding).
	TimestampMask = 0x7fffffff

	// RolloverHalf is half of the 31-bit timestamp space. Two
	// timestamps whose unsigned difference exceeds this value are
	// considered to straddle a rollover.
	RolloverHalf = 0x4000_0000

	// wordSize is the size, in bytes, of the 32-bit words an Event
	// Record header is built from.
	wordSize = 4

	headerWords    = 4 // tag+length word, then 2 reserved words, then timestamp
	timestampWordI = 3

	// HeaderBytes is the fixed-size prefix every Event Record and
	// Trigger-Box Record starts with.
	HeaderBytes = headerWords * wordSize
)

// Header is the decoded fixed-size prefix of an Event Record.
type Header struct {
	Tag       uint8  // top nibble of word 0; must equal HeaderTag
	Length    uint32 // payload length, in 32-bit words, low 28 bits of word 0
	Encoding  uint8  // encoding-variant flag bit
	Timestamp uint32 // 31-bit hardware-clock timestamp, 1 tick = 8ns
}

// DecodeHeader parses the fixed-size header of a raw Event Record.
// It does not copy or validate the payload beyond the header words.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerWords*wordSize {
		return Header{}, xerrors.Errorf(
			"record: short event buffer (len=%d, want>=%d)",
			len(buf), headerWords*wordSize,
		)
	}

	w0 := binary.BigEndian.Uint32(buf[0:4])
	tag := uint8(w0 >> 28)
	if tag != HeaderTag {
		return Header{}, xerrors.Errorf(
			"record: invalid header tag (got=0x%x, want=0x%x)", tag, HeaderTag,
		)
	}

	hdr := Header{
		Tag:    tag,
		Length: w0 & 0x0fffffff,
	}

	w3 := binary.BigEndian.Uint32(buf[timestampWordI*wordSize : timestampWordI*wordSize+4])
	hdr.Encoding = uint8(w3 >> 31)
	hdr.Timestamp = w3 & TimestampMask

	return hdr, nil
}

// EncodeHeader writes hdr's fixed-size header words into buf, which must
// be at least headerWords*4 bytes long.
func EncodeHeader(buf []byte, hdr Header) error {
	if len(buf) < headerWords*wordSize {
		return xerrors.Errorf(
			"record: short destination buffer (len=%d, want>=%d)",
			len(buf), headerWords*wordSize,
		)
	}

	w0 := uint32(HeaderTag)<<28 | (hdr.Length & 0x0fffffff)
	binary.BigEndian.PutUint32(buf[0:4], w0)

	w3 := hdr.Timestamp & TimestampMask
	if hdr.Encoding != 0 {
		w3 |= 1 << 31
	}
	binary.BigEndian.PutUint32(buf[timestampWordI*wordSize:timestampWordI*wordSize+4], w3)

	return nil
}

// PeekTimestamp returns the 31-bit trigger timestamp of the Event Record
// (or Trigger-Box Record, which shares the same word-3 layout) held in
// buf, without validating the header tag.
func PeekTimestamp(buf []byte) (uint32, error) {
	if len(buf) < headerWords*wordSize {
		return 0, xerrors.Errorf(
			"record: short buffer for timestamp peek (len=%d)", len(buf),
		)
	}
	w3 := binary.BigEndian.Uint32(buf[timestampWordI*wordSize : timestampWordI*wordSize+4])
	return w3 & TimestampMask, nil
}

// Earlier reports whether timestamp a is earlier than timestamp b,
// accounting for 31-bit rollover: when the two values' unsigned
// difference exceeds RolloverHalf they are treated as straddling a
// wrap, and the larger of the pair is the earlier one in real time.
func Earlier(a, b uint32) bool {
	if a == b {
		return false
	}
	diff := a - b
	if int32(diff) < 0 {
		diff = b - a
	}
	straddles := uint32AbsDiff(a, b) > RolloverHalf
	if straddles {
		return a > b
	}
	return a < b
}

func uint32AbsDiff(a, b uint32) uint32 {
	if a >= b {
		return a - b
	}
	return b - a
}

// Delta returns (head - earliest) mod 2^31, the quantity compared
// against ts_match_window during merge assembly (spec.md §4.5 step 4).
func Delta(head, earliest uint32) uint32 {
	return (head - earliest) & TimestampMask
}

// TriggerBoxTimestamp extracts the 31-bit timestamp from a Trigger-Box
// Record, whose fourth 32-bit word carries it (spec.md §3), without
// requiring the Event Record header tag to be present.
func TriggerBoxTimestamp(buf []byte) (uint32, error) {
	return PeekTimestamp(buf)
}
