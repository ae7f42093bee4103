// Package dispatcher runs one firmware image against one configured
// target: it resolves the target from config, serializes concurrent runs
// against it via targetlock, bounds overall concurrency via workerpool,
// computes the effective per-run deadline, and renders the captured log
// lines the caller gets back. Grounded on server.rs's run_firmware_on_device
// / run_with_log_capture / handle_run.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"teleprobe/internal/config"
	"teleprobe/internal/engineerr"
	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
	"teleprobe/internal/runner"
	"teleprobe/internal/targetlock"
	"teleprobe/internal/workerpool"
)

var log = logcapture.New("dispatcher")

// connectRetries/connectRetryDelay mirror run_firmware_on_device's bare
// retry loop around probe::connect: probes can be transiently busy (e.g.
// still settling from a previous run's reset), so a handful of blind
// retries smooths that over before giving up.
const (
	connectRetries   = 10
	connectRetryDelay = 300 * time.Millisecond
)

// Dispatcher ties a config, a probe lister, a target-lock registry, and a
// bounded worker pool together into the one entry point the HTTP server
// and the local CLI both call through.
type Dispatcher struct {
	cfg    *config.Config
	lister probe.Lister
	locks  *targetlock.Registry
	pool   *workerpool.Pool
}

// New builds a Dispatcher bounding concurrent runs to poolSize (<=0 means
// unbounded, matching workerpool.New).
func New(cfg *config.Config, lister probe.Lister, poolSize int) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		lister: lister,
		locks:  targetlock.New(),
		pool:   workerpool.New(poolSize),
	}
}

// Result is what RunOnTarget returns: whether the run passed, and the
// rendered "LEVEL - message" log lines captured during it, the way
// run_with_log_capture's writeln!-based rendering does.
type Result struct {
	OK   bool
	Logs []byte
}

// RunOnTarget resolves name against the dispatcher's config, serializes
// against any other run on the same target, and executes elfBytes with an
// effective timeout of min(requestedTimeout or config default, config max).
func (d *Dispatcher) RunOnTarget(ctx context.Context, name string, elfBytes []byte, requestedTimeout *uint64) (Result, error) {
	target, ok := d.cfg.FindTarget(name)
	if !ok {
		return Result{}, fmt.Errorf("target not found: %s: %w", name, engineerr.ErrTargetUnknown)
	}

	unlock := d.locks.Lock(target.Name)
	defer unlock()

	timeoutSecs := d.cfg.DefaultTimeout
	if requestedTimeout != nil {
		timeoutSecs = *requestedTimeout
	}
	if timeoutSecs > d.cfg.MaxTimeout {
		timeoutSecs = d.cfg.MaxTimeout
	}
	timeout := time.Duration(timeoutSecs) * time.Second

	opts := probe.Opts{
		Chip:                target.Chip,
		Probe:               target.Probe,
		ConnectUnderReset:   target.ConnectUnderReset,
		Speed:               target.Speed,
		PowerReset:          target.PowerReset,
		CycleDelaySeconds:   target.CycleDelaySeconds,
		MaxSettleTimeMillis: target.MaxSettleTimeMillis,
	}

	captureCtx, rec := logcapture.WithCapture(ctx)

	passed := true
	err := d.pool.Run(func() error {
		if runErr := d.runFirmware(captureCtx, opts, elfBytes, timeout); runErr != nil {
			log.Error(captureCtx, "run failed: %v", runErr)
			passed = false
		}
		return nil
	})
	if err != nil {
		// A panic inside runFirmware surfaces here (workerpool.Run recovers
		// it), mirroring catch_unwind in the original run_with_log_capture.
		log.Error(captureCtx, "run failed: %v", err)
		passed = false
	}

	return Result{OK: passed, Logs: renderLogs(rec.Entries())}, nil
}

// runFirmware opens a fresh session (retrying transient connect failures),
// then hands it to runner for the full boot/poll/drain lifecycle.
func (d *Dispatcher) runFirmware(ctx context.Context, opts probe.Opts, elfBytes []byte, timeout time.Duration) error {
	var sess probe.Session
	var err error
	for i := 0; i < connectRetries; i++ {
		sess, err = runner.Connect(ctx, d.lister, opts)
		if err == nil {
			break
		}
		time.Sleep(connectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", engineerr.ErrProbeOpenFailed, err)
	}
	defer sess.Close()

	deadline := time.Now().Add(timeout)
	r, err := runner.New(ctx, sess, elfBytes, runner.Options{DoFlash: true, Deadline: &deadline})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

// renderLogs matches run_with_log_capture's "LEVEL - message" per-line
// rendering.
func renderLogs(entries []logcapture.LogEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s - %s\n", e.Level, e.Message)
	}
	return []byte(b.String())
}
