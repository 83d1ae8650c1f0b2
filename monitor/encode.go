// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"encoding/binary"
	"fmt"
)

// sampleBytes is the fixed wire size of one encoded BoardSample:
// ModuleID(4) + Stored(4) + Busy(1) + RingLevel(4) + PLLLocked(1).
const sampleBytes = 4 + 4 + 1 + 4 + 1

// EncodeSamples serializes a health snapshot for the "/health" output
// handle, following record.EncodeHeader's big-endian fixed-width
// convention: a uint32 count followed by one fixed-size record per
// sample.
func EncodeSamples(samples []BoardSample) []byte {
	buf := make([]byte, 4+len(samples)*sampleBytes)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(samples)))

	off := 4
	for _, s := range samples {
		binary.BigEndian.PutUint32(buf[off:off+4], s.ModuleID)
		binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(s.Stored))
		buf[off+8] = boolByte(s.Busy)
		binary.BigEndian.PutUint32(buf[off+9:off+13], uint32(s.RingLevel))
		buf[off+13] = boolByte(s.PLLLocked)
		off += sampleBytes
	}
	return buf
}

// DecodeSamples is the inverse of EncodeSamples.
func DecodeSamples(buf []byte) ([]BoardSample, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("monitor: short health buffer (len=%d)", len(buf))
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	want := 4 + int(n)*sampleBytes
	if len(buf) < want {
		return nil, fmt.Errorf("monitor: short health buffer (len=%d, want=%d)", len(buf), want)
	}

	samples := make([]BoardSample, n)
	off := 4
	for i := range samples {
		samples[i] = BoardSample{
			ModuleID:  binary.BigEndian.Uint32(buf[off : off+4]),
			Stored:    int(binary.BigEndian.Uint32(buf[off+4 : off+8])),
			Busy:      buf[off+8] != 0,
			RingLevel: int(binary.BigEndian.Uint32(buf[off+9 : off+13])),
			PLLLocked: buf[off+13] != 0,
		}
		off += sampleBytes
	}
	return samples, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
