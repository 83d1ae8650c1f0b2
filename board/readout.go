// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"

	"github.com/go-wavedaq/frontend/record"
	"github.com/go-wavedaq/frontend/transport"
)

// ReadEvent drains one hardware event into dst via repeated block
// transfers of at most transport.MaxBLTBytes, per spec.md §4.1: the
// board's "event size" register is polled after each chunk and
// reading stops once it reports zero for the current event, or once a
// block transfer returns no data. ReadEvent returns the total number
// of bytes written.
//
// When the event does not fit dst, ReadEvent applies spec.md §7's
// EventSizeExceedsBudget recovery instead of failing the Link Reader:
// under ZLE firmware, truncate to the largest prefix of whole
// per-channel records that fits; otherwise drop the event and emit a
// zero-payload marker in its place. Both paths are logged.
func (d *Driver) ReadEvent(dst []byte) (int, error) {
	total := 0
	for {
		size, err := d.ReadRegister(regEventSize)
		if err != nil {
			return total, fmt.Errorf("board: could not read event-size register: %w", err)
		}
		if size == 0 {
			break
		}

		wordsMax := transport.MaxBLTBytes / 4
		remaining := (len(dst) - total) / 4
		if remaining < wordsMax {
			wordsMax = remaining
		}
		if wordsMax <= 0 {
			return d.handleBudgetExceeded(dst, total)
		}

		chunk, err := d.tr.BlockRead(d.h, regEventReadoutBuffer, wordsMax)
		if err != nil {
			return total, fmt.Errorf("board: block read failed: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		n := copy(dst[total:], chunk)
		total += n
		if n < len(chunk) {
			return d.handleBudgetExceeded(dst, total)
		}
	}
	return total, nil
}

// handleBudgetExceeded implements spec.md §7's EventSizeExceedsBudget
// recovery once dst has run out of room for the event currently being
// read: total bytes of real hardware data are already sitting in
// dst[:total].
func (d *Driver) handleBudgetExceeded(dst []byte, total int) (int, error) {
	d.msg.Printf("event exceeds destination buffer (%d bytes read, budget %d bytes)", total, len(dst))

	if d.settings.HasZLEFirmware && d.settings.EnableZLE {
		n := truncateToWholeChannelRecords(total, d.channelRecordBytes())
		d.msg.Printf("truncated oversized event to %d of %d bytes read (largest whole per-channel-record prefix)", n, total)
		return n, nil
	}

	if total < record.HeaderBytes {
		hdr := record.Header{}
		if err := record.EncodeHeader(dst, hdr); err != nil {
			return 0, fmt.Errorf("board: could not encode zero-payload marker: %w", err)
		}
		d.msg.Printf("dropped oversized event (no header captured); emitted zero-payload marker")
		return record.HeaderBytes, nil
	}

	hdr, err := record.DecodeHeader(dst[:total])
	if err != nil {
		hdr = record.Header{}
	}
	hdr.Length = 0
	if err := record.EncodeHeader(dst, hdr); err != nil {
		return 0, fmt.Errorf("board: could not encode zero-payload marker: %w", err)
	}
	d.msg.Printf("dropped oversized event (%d bytes read); emitted zero-payload marker (ts=%d)", total, hdr.Timestamp)
	return record.HeaderBytes, nil
}

// channelRecordBytes is this board's current per-channel record unit,
// derived from the configured custom-size (samples per channel, one
// 32-bit word per sample). Used to align EventSizeExceedsBudget
// truncation to whole-record boundaries.
func (d *Driver) channelRecordBytes() int {
	n := d.settings.CustomSize
	if n <= 0 {
		n = 1
	}
	return n * 4
}

// truncateToWholeChannelRecords returns the largest multiple of
// recordBytes that is at most total.
func truncateToWholeChannelRecords(total, recordBytes int) int {
	if recordBytes <= 0 {
		return 0
	}
	return (total / recordBytes) * recordBytes
}
