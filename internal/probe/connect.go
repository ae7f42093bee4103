package probe

import (
	"context"
	"fmt"
	"time"

	"teleprobe/internal/config"
	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe/powercycle"
)

var log = logcapture.New("probe")

const settleReprobeInterval = 250 * time.Millisecond

// Opts mirrors probe::Opts from the original implementation: the knobs
// needed to open a probe and attach to a chip.
type Opts struct {
	Probe               config.ProbeSelector
	Speed               *uint32
	Chip                string
	ConnectUnderReset   bool
	PowerReset          bool
	CycleDelaySeconds   float64
	MaxSettleTimeMillis int
}

// DefaultOpts fills in the defaults the original Opts::default used.
func DefaultOpts() Opts {
	return Opts{CycleDelaySeconds: 1, MaxSettleTimeMillis: 2000}
}

// Lister enumerates the probes currently visible on the bus; implemented
// by the gousb-backed transport and by probetest's fake for tests.
type Lister interface {
	ListProbes() ([]ProbeInfo, error)
	Open(info ProbeInfo, speed *uint32, chip string, underReset bool) (Session, error)
}

// ProbeInfo is what the bus enumeration can tell us about a probe before
// opening it.
type ProbeInfo struct {
	VID, PID uint16
	Serial   string
}

// Connect resolves opts.Probe against the probes visible on lister,
// optionally power-cycling the USB hub first, and opens a Session to
// opts.Chip. It mirrors probe::Opts::connect, including the
// settle-and-reprobe loop, which runs on every connect whether or not a
// power reset was done.
func Connect(ctx context.Context, lister Lister, opts Opts) (Session, error) {
	if opts.PowerReset {
		serial, ok := onlySerial(opts.Probe)
		if !ok {
			return nil, fmt.Errorf("power_reset requires a probe selector with a serial number")
		}
		if err := powercycle.PowerReset(serial, time.Duration(opts.CycleDelaySeconds*float64(time.Second))); err != nil {
			return nil, fmt.Errorf("power reset: %w", err)
		}
	}
	return settleAndConnect(ctx, lister, opts)
}

func onlySerial(sel config.ProbeSelector) (string, bool) {
	if sel.Serial == nil {
		return "", false
	}
	return *sel.Serial, true
}

// settleAndConnect retries opening the probe for up to MaxSettleTimeMillis,
// re-enumerating the bus every settleReprobeInterval: after a power reset
// the device takes a moment to re-enumerate on USB.
func settleAndConnect(ctx context.Context, lister Lister, opts Opts) (Session, error) {
	deadline := time.Now().Add(time.Duration(opts.MaxSettleTimeMillis) * time.Millisecond)
	var lastErr error
	for {
		info, err := openProbe(lister, opts.Probe)
		if err == nil {
			sess, err := lister.Open(info, opts.Speed, opts.Chip, opts.ConnectUnderReset)
			if err == nil {
				return sess, nil
			}
			lastErr = err
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("probe did not appear after the max settle time: %w", lastErr)
		}
		log.Trace(ctx, "probe not ready yet (%v), reprobing", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(settleReprobeInterval):
		}
	}
}

// openProbe finds exactly one probe on the bus matching sel.
func openProbe(lister Lister, sel config.ProbeSelector) (ProbeInfo, error) {
	probes, err := lister.ListProbes()
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("list probes: %w", err)
	}
	var matches []ProbeInfo
	for _, p := range probes {
		if sel.Matches(p.VID, p.PID, p.Serial) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return ProbeInfo{}, fmt.Errorf("no probe found matching %q", sel.String())
	case 1:
		return matches[0], nil
	default:
		return ProbeInfo{}, fmt.Errorf("more than one probe found matching %q", sel.String())
	}
}
