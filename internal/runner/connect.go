package runner

import (
	"context"
	"fmt"

	"teleprobe/internal/probe"
	"teleprobe/internal/probe/quirks"
)

// Connect opens a session via probe.Connect and, for RP2040 targets,
// applies the dual-core reset quirk and reopens the probe for a clean
// session afterwards. This lives here (rather than in package probe)
// because probe cannot import quirks without creating an import cycle
// (quirks already imports probe), while runner can safely depend on both.
func Connect(ctx context.Context, lister probe.Lister, opts probe.Opts) (probe.Session, error) {
	sess, err := probe.Connect(ctx, lister, opts)
	if err != nil {
		return nil, err
	}

	chip := sess.Target()
	if !quirks.IsRP2040(chip.Name) {
		return sess, nil
	}

	log.Debug(ctx, "rp2040 detected, applying dual-core reset quirk")
	if err := quirks.ResetBothCores(ctx, sess); err != nil {
		sess.Close()
		return nil, fmt.Errorf("rp2040 reset quirk: %w", err)
	}
	if err := sess.Close(); err != nil {
		return nil, fmt.Errorf("close session after rp2040 reset: %w", err)
	}

	sess, err = probe.Connect(ctx, lister, opts)
	if err != nil {
		return nil, fmt.Errorf("reconnect after rp2040 reset: %w", err)
	}
	return sess, nil
}
