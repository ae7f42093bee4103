// Package quirks holds chip-specific workarounds applied before a normal
// attach. Currently just the RP2040 dual-core reset hack from the original
// probe::connect: probe-rs has no custom reset sequence for RP2040, so we
// force both cores into reset via the watchdog peripheral, then reopen the
// probe.
package quirks

import (
	"context"
	"strings"

	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
)

var log = logcapture.New("probe.quirks")

const (
	psmWDSEL    = 0x40010008
	watchdogCtl = 0x40058000

	psmSelSIO   = 1 << 14
	psmSelProc0 = 1 << 15
	psmSelProc1 = 1 << 16

	watchdogCtlEnable = 1 << 30
	watchdogCtlTrigger = 1 << 31
)

// IsRP2040 reports whether chip names the RP2040 (case-insensitively, by
// prefix, matching the original's to_ascii_uppercase().starts_with check).
func IsRP2040(chip string) bool {
	return strings.HasPrefix(strings.ToUpper(chip), "RP2040")
}

// ResetBothCores drives the RP2040's PSM/watchdog registers to force both
// SIO and both processors into reset. Call this on a freshly attached
// session before the caller reopens the probe to get a clean session.
func ResetBothCores(ctx context.Context, sess probe.Session) error {
	core, err := sess.Core(0)
	if err != nil {
		return err
	}
	log.Debug(ctx, "rp2040: resetting SIO and processors")
	if err := core.WriteWord32(psmWDSEL, psmSelSIO|psmSelProc0|psmSelProc1); err != nil {
		return err
	}
	if err := core.WriteWord32(watchdogCtl, watchdogCtlEnable); err != nil {
		return err
	}
	if err := core.WriteWord32(watchdogCtl, watchdogCtlEnable|watchdogCtlTrigger); err != nil {
		return err
	}
	return nil
}
