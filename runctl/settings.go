// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runctl

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeRunSettings echoes the settings applied to every board for run
// to a human-readable file, mirroring eda/device.go's initRun writing
// of settings_%03d.csv (spec.md's SUPPLEMENTED FEATURES).
func (c *Controller) writeRunSettings(run uint32) error {
	fname := filepath.Join(c.cfg.SettingsDir, fmt.Sprintf("run-%06d-settings.txt", run))
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("runctl: could not create settings echo file %q: %w", fname, err)
	}
	defer f.Close()

	for _, l := range c.links {
		for _, b := range l.Boards {
			settings, ver := b.Driver.CurrentSettings()
			fmt.Fprintf(f,
				"module=%d link=%d settings_version=%d channel_mask=0x%x pre_trigger=%d post_trigger=%d custom_size=%d sw_trig_rate_hz=%g\n",
				b.ModuleID, l.LinkIndex, ver,
				settings.ChannelMask, settings.PreTrigger, settings.PostTrigger,
				settings.CustomSize, settings.SWTrigRateHz,
			)
		}
	}

	return nil
}
