// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"time"
)

// ErrChannelMaskZero is returned by ConfigureForAcquisition when the
// configured channel mask is zero — a fatal hardware-configuration
// error (spec.md §4.1, §7).
var ErrChannelMaskZero = fmt.Errorf("board: channel mask is zero")

// ConfigureForAcquisition performs the configuration push of spec.md
// §4.1, in order: soft reset, PLL relock delay, front-panel I/O
// defaults then configured values, settings reload, firmware-revision
// check (non-fatal), channel-mask-zero rejection (fatal), acquisition
// parameters, per-channel thresholds/DAC/ZLE parameters, a settle
// delay after DAC writes, ADC calibration with a bounded wait, and a
// final PLL-locked verification.
func (d *Driver) ConfigureForAcquisition(settings Settings) error {
	if err := d.softReset(); err != nil {
		return fmt.Errorf("board: could not soft-reset: %w", err)
	}

	time.Sleep(d.cfg.pllRelockDelay)

	if err := d.WriteRegister(regFPIOControl, 0); err != nil { // front-panel defaults
		return fmt.Errorf("board: could not write front-panel I/O defaults: %w", err)
	}
	if err := d.WriteRegister(regFPIOControl, settings.FPIOCtrl); err != nil {
		return fmt.Errorf("board: could not write front-panel I/O control: %w", err)
	}
	if err := d.WriteRegister(regFPLVDSIOCtrl, settings.FPLVDSIOCtrl); err != nil {
		return fmt.Errorf("board: could not write front-panel LVDS I/O control: %w", err)
	}

	d.settings = settings
	d.settingsVer++

	if err := d.checkFirmwareRevisions(); err != nil {
		d.msg.Printf("warning: firmware revision check failed: %+v", err)
	}

	if settings.ChannelMask == 0 {
		return ErrChannelMaskZero
	}

	if err := d.writeAcquisitionParams(settings); err != nil {
		return fmt.Errorf("board: could not write acquisition parameters: %w", err)
	}

	if err := d.writePerChannelParams(settings); err != nil {
		return fmt.Errorf("board: could not write per-channel parameters: %w", err)
	}

	time.Sleep(d.cfg.dacSettleDelay)

	if err := d.calibrateADC(settings); err != nil {
		return fmt.Errorf("board: could not calibrate ADC: %w", err)
	}

	locked, err := d.pllLocked()
	if err != nil {
		return fmt.Errorf("board: could not verify PLL lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("board: PLL not locked after configuration")
	}

	return nil
}

func (d *Driver) softReset() error {
	return d.WriteRegister(regSWReset, 1)
}

func (d *Driver) checkFirmwareRevisions() error {
	if d.cfg.expectedROCRev == 0 && d.cfg.expectedAMCRev == 0 {
		return nil // no expectation configured; nothing to check
	}
	roc, err := d.ReadRegister(regROCFPGAFwRev)
	if err != nil {
		return fmt.Errorf("could not read ROC firmware revision: %w", err)
	}
	if d.cfg.expectedROCRev != 0 && roc != d.cfg.expectedROCRev {
		return fmt.Errorf("ROC firmware revision mismatch (got=0x%x, want=0x%x)", roc, d.cfg.expectedROCRev)
	}
	for ch := 0; ch < len(d.settings.DAC); ch++ {
		amc, err := d.ReadRegister(channelReg(regChFPGAFwRev, ch))
		if err != nil {
			return fmt.Errorf("could not read channel %d AMC firmware revision: %w", ch, err)
		}
		if d.cfg.expectedAMCRev != 0 && amc != d.cfg.expectedAMCRev {
			return fmt.Errorf("channel %d AMC firmware revision mismatch (got=0x%x, want=0x%x)", ch, amc, d.cfg.expectedAMCRev)
		}
	}
	return nil
}

func (d *Driver) writeAcquisitionParams(s Settings) error {
	boardConfig := s.BoardConfig
	if s.EnableZLE {
		boardConfig |= boardConfigZLEEnable
	}
	writes := []struct {
		addr uint32
		v    uint32
	}{
		{regAcquisitionCtrl, uint32(s.AcqMode)},
		{regBoardConfig, boardConfig},
		{regBufferOrganization, uint32(s.BufferOrg)},
		{regCustomSize, uint32(s.CustomSize)},
		{regPreTrigger, s.PreTrigger},
		{regPostTrigger, s.PostTrigger},
		{regChannelEnMask, s.ChannelMask},
		{regTrigSrcEnMask, s.TriggerSource},
		{regFPTrigOutEnMask, s.TriggerOutput},
		{regMonitorMode, 0},
		{regAlmostFullLevel, s.AlmostFull},
	}
	for _, w := range writes {
		if err := d.WriteRegister(w.addr, w.v); err != nil {
			return fmt.Errorf("could not write register 0x%x: %w", w.addr, err)
		}
	}
	return nil
}

func (d *Driver) writePerChannelParams(s Settings) error {
	polarity := s.BoardConfig&boardConfigPolarity != 0

	for ch := range s.DAC {
		if err := d.WriteRegister(channelReg(regChDAC, ch), s.DAC[ch]); err != nil {
			return fmt.Errorf("could not write channel %d DAC: %w", ch, err)
		}

		if s.HasZLEFirmware && s.EnableZLE {
			threshold := zleSignMagnitude(safeAt32(s.ZLESignedThresh, ch))
			if err := d.WriteRegister(channelReg(regChZLEThreshold, ch), threshold); err != nil {
				return fmt.Errorf("could not write channel %d ZLE threshold: %w", ch, err)
			}
			if err := d.WriteRegister(channelReg(regChZLENSampBefore, ch), safeAtU32(s.ZLEBinsBefore, ch)); err != nil {
				return fmt.Errorf("could not write channel %d ZLE pre-samples: %w", ch, err)
			}
			if err := d.WriteRegister(channelReg(regChZLENSampAfter, ch), safeAtU32(s.ZLEBinsAfter, ch)); err != nil {
				return fmt.Errorf("could not write channel %d ZLE post-samples: %w", ch, err)
			}
			if err := d.WriteRegister(channelReg(regChZLEBaseline, ch), safeAtU32(s.ZLEBaseline, ch)); err != nil {
				return fmt.Errorf("could not write channel %d ZLE baseline: %w", ch, err)
			}

			inputCtrl := uint32(0)
			if polarity {
				inputCtrl = 1
			}
			if err := d.WriteRegister(channelReg(regChConfig, ch), inputCtrl); err != nil {
				return fmt.Errorf("could not write channel %d input control: %w", ch, err)
			}
			continue
		}

		if err := d.WriteRegister(channelReg(regChThreshold, ch), safeAtU32(s.SelfTrigThresh, ch)); err != nil {
			return fmt.Errorf("could not write channel %d threshold: %w", ch, err)
		}
	}
	return nil
}

// zleSignMagnitude encodes a signed ZLE threshold as sign-magnitude in
// the register's high bit, per spec.md §4.1.
func zleSignMagnitude(v int32) uint32 {
	if v < 0 {
		return (1 << 31) | uint32(-v)
	}
	return uint32(v)
}

func safeAtU32(s []uint32, i int) uint32 {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

func safeAt32(s []int32, i int) int32 {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

// calibrateADC issues the calibration command and waits, per channel,
// for the calibration-done status bit, bounded by cfg.calibDeadline
// (spec.md §9 Open Question 1: a fixed per-channel deadline, not the
// original's loop-counter idiosyncrasy).
func (d *Driver) calibrateADC(s Settings) error {
	if err := d.WriteRegister(regADCCalibration, 1); err != nil {
		return fmt.Errorf("could not issue ADC calibration: %w", err)
	}

	nChannels := len(s.DAC)
	for ch := 0; ch < nChannels; ch++ {
		deadline := time.Now().Add(d.cfg.calibDeadline)
		for {
			status, err := d.ReadRegister(channelReg(regChStatus, ch))
			if err != nil {
				return fmt.Errorf("could not read channel %d calibration status: %w", ch, err)
			}
			if status&1 != 0 {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("channel %d calibration did not complete within %s", ch, d.cfg.calibDeadline)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func (d *Driver) pllLocked() (bool, error) {
	status, err := d.ReadRegister(regAcquisitionStatus)
	if err != nil {
		return false, err
	}
	if status&statusPLLLocked != 0 {
		return true, nil
	}
	// one retry after a status-clearing read (spec.md §7).
	_, _ = d.ReadRegister(regAcquisitionStatus)
	status, err = d.ReadRegister(regAcquisitionStatus)
	if err != nil {
		return false, err
	}
	return status&statusPLLLocked != 0, nil
}
