// Package runner implements the central state machine that boots a
// flashed or RAM-resident target, polls its RTT stream, decodes defmt
// frames into log records, enforces a deadline, detects HardFault via
// XPSR, and invokes the crash dumper. Grounded on run.rs's Runner.
package runner

import (
	"context"
	"fmt"
	"time"

	"teleprobe/internal/crashdump"
	"teleprobe/internal/defmt"
	"teleprobe/internal/elfinfo"
	"teleprobe/internal/engineerr"
	"teleprobe/internal/flashboot"
	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
	"teleprobe/internal/rtt"
)

var log = logcapture.New("runner")

const (
	thumbBit           = 1
	regVTOR            = 0xE000ED08
	bkptInstruction    = 0xbe00 // ARM BKPT #0 encoding, little-endian bytes {0x00, 0xbe}
	rttReinitMagic     = 0xdeadc0de
	coreHaltTimeout    = time.Second
	waitForMainTimeout = 5 * time.Second
	pollBufferSize     = 1024
	pollIdleSleep      = 100 * time.Millisecond
)

// Options mirrors run.rs's Options: whether to flash the image, and an
// optional absolute deadline the poll loop enforces.
type Options struct {
	DoFlash  bool
	Deadline *time.Time
}

// DefaultOptions matches the Rust Default impl: flash by default, no
// deadline.
func DefaultOptions() Options {
	return Options{DoFlash: true}
}

// Runner holds everything needed to boot one ELF image on an attached
// session and poll it to completion. Unlike the self-referential
// defmt table+decoder pairing the original needed unsafe lifetime tricks
// for, Go just holds both as plain pointer fields: table outlives decoder
// for the Runner's whole lifetime, no borrow-checker convincing required.
type Runner struct {
	opts Options

	core  probe.Core
	di    *elfinfo.Info
	mode  flashboot.Mode
	rtt   *rtt.Handle
	table *defmt.Table
	dec   *defmt.StreamDecoder
}

// New performs PREP and BOOTING: analyzes the ELF, resets other cores,
// flashes or skips flashing per opts.DoFlash, primes RTT, and releases
// the core to run, mirroring Runner::new end to end.
func New(ctx context.Context, sess probe.Session, elfBytes []byte, opts Options) (*Runner, error) {
	info, err := elfinfo.Analyze(elfBytes)
	if err != nil {
		return nil, fmt.Errorf("analyze elf: %w: %w", engineerr.ErrElfInvalid, err)
	}
	for _, w := range info.Warnings {
		log.Warn(ctx, "%s", w)
	}
	if info.RTTAddr == 0 {
		return nil, fmt.Errorf("RTT is missing: %w", engineerr.ErrRttNotFound)
	}

	if err := flashboot.ResetOtherCores(sess); err != nil {
		return nil, fmt.Errorf("reset other cores: %w: %w", engineerr.ErrAttachFailed, err)
	}

	mode, err := flashboot.ClassifyRunMode(sess.Target(), info.VectorTable.Location)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "run_from_ram: %v", mode == flashboot.ModeRAM)

	if opts.DoFlash {
		if err := flashboot.Program(ctx, sess, elfBytes, mode); err != nil {
			return nil, fmt.Errorf("%w: %w", engineerr.ErrFlashFailed, err)
		}
	} else {
		log.Info(ctx, "skipped flashing")
	}

	core, err := sess.Core(0)
	if err != nil {
		return nil, fmt.Errorf("core 0: %w", err)
	}

	if mode == flashboot.ModeRAM {
		// STM32H7 RAM ECC workaround: the last written word can be "half
		// written" across a reset; one dummy read-then-rewrite makes it stick.
		data, err := core.ReadWord32(info.VectorTable.Location)
		if err != nil {
			return nil, fmt.Errorf("ram ecc workaround read: %w", err)
		}
		if err := core.WriteWord32(info.VectorTable.Location, data); err != nil {
			return nil, fmt.Errorf("ram ecc workaround write: %w", err)
		}
	}

	if err := core.ResetAndHalt(coreHaltTimeout); err != nil {
		return nil, fmt.Errorf("reset_and_halt core 0: %w", err)
	}

	bpUnits, err := core.AvailableBreakpointUnits()
	if err != nil {
		return nil, fmt.Errorf("available breakpoint units: %w", err)
	}
	if bpUnits == 0 {
		return nil, fmt.Errorf("RTT not supported on device without HW breakpoints: %w", engineerr.ErrBreakpointUnsupported)
	}

	if err := boot(ctx, core, info, mode); err != nil {
		return nil, fmt.Errorf("%w: %w", engineerr.ErrAttachFailed, err)
	}

	if err := rtt.SetBlockIfFull(core, info.RTTAddr); err != nil {
		return nil, fmt.Errorf("set BLOCK_IF_FULL: %w", err)
	}
	if err := core.Run(); err != nil {
		return nil, fmt.Errorf("run core 0: %w", err)
	}

	handle, err := rtt.Attach(ctx, core, info.RTTAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engineerr.ErrRttAttachRetryExhausted, err)
	}

	return &Runner{
		opts:  opts,
		core:  core,
		di:    info,
		mode:  mode,
		rtt:   handle,
		table: info.DefmtTable,
		dec:   defmt.NewStreamDecoder(info.DefmtTable),
	}, nil
}

// boot installs PC/SP/VTOR (RAM mode) or runs to main under a breakpoint
// (flash mode), and in flash mode corrupts the RTT control block so it
// gets freshly re-initialized by the firmware's own startup code.
func boot(ctx context.Context, core probe.Core, info *elfinfo.Info, mode flashboot.Mode) error {
	vt := info.VectorTable

	if mode == flashboot.ModeRAM {
		if err := core.WriteCoreReg(probe.PC, vt.Reset); err != nil {
			return fmt.Errorf("write PC: %w", err)
		}
		if err := core.WriteCoreReg(probe.SP, vt.InitialSP); err != nil {
			return fmt.Errorf("write SP: %w", err)
		}
		if err := core.WriteWord32(regVTOR, vt.Location); err != nil {
			return fmt.Errorf("write VTOR: %w", err)
		}
		got, err := core.ReadWord32(regVTOR)
		if err != nil {
			return fmt.Errorf("read back VTOR: %w", err)
		}
		if got != vt.Location {
			panic(fmt.Sprintf("failed to set VTOR! got %#08x want %#08x", got, vt.Location))
		}

		bkpt := []byte{byte(bkptInstruction), byte(bkptInstruction >> 8)}
		if err := core.Write8(vt.HardFault&^thumbBit, bkpt); err != nil {
			return fmt.Errorf("write software breakpoint: %w", err)
		}
		return nil
	}

	if err := core.WriteWord32(info.RTTAddr, rttReinitMagic); err != nil {
		return fmt.Errorf("corrupt rtt control block: %w", err)
	}

	mainAddr := info.MainAddr &^ thumbBit
	if err := core.SetHWBreakpoint(mainAddr); err != nil {
		return fmt.Errorf("set breakpoint at main: %w", err)
	}
	if err := core.Run(); err != nil {
		return fmt.Errorf("run to main: %w", err)
	}
	if err := core.WaitForCoreHalted(waitForMainTimeout); err != nil {
		return fmt.Errorf("wait for main: %w", err)
	}
	if err := core.ClearHWBreakpoint(mainAddr); err != nil {
		return fmt.Errorf("clear breakpoint at main: %w", err)
	}

	if err := core.SetHWBreakpoint(vt.HardFault &^ thumbBit); err != nil {
		return fmt.Errorf("set hardfault breakpoint: %w", err)
	}
	return nil
}

// Run executes POLLING, DRAINING, and TERMINAL: polls RTT until the
// deadline passes or the core halts twice in a row, then dumps state. It
// returns an error wrapping ErrDeadlineExceeded on timeout and one
// wrapping ErrHardFault for a HardFault.
func (r *Runner) Run(ctx context.Context) error {
	wasHalted := false

	for {
		if r.opts.Deadline != nil && time.Now().After(*r.opts.Deadline) {
			log.Warn(ctx, "Deadline exceeded!")
			if _, err := crashdump.DumpState(ctx, r.core, r.di.DebugInfo, true); err != nil {
				return err
			}
			return fmt.Errorf("deadline exceeded: %w", engineerr.ErrDeadlineExceeded)
		}

		if err := r.poll(ctx); err != nil {
			return err
		}

		isHalted, err := r.core.CoreHalted()
		if err != nil {
			return err
		}
		if isHalted && wasHalted {
			break
		}
		wasHalted = isHalted
	}

	crashed, err := crashdump.DumpState(ctx, r.core, r.di.DebugInfo, false)
	if err != nil {
		return err
	}
	if crashed {
		return fmt.Errorf("firmware crashed: %w", engineerr.ErrHardFault)
	}
	return nil
}

// poll reads one buffer's worth of RTT bytes (sleeping briefly if none
// are available) and drains every complete defmt frame it yields into a
// log record.
func (r *Runner) poll(ctx context.Context) error {
	buf := make([]byte, pollBufferSize)
	n, err := r.rtt.ReadUp0(r.core, buf)
	if err != nil {
		return fmt.Errorf("read rtt up channel 0: %w", err)
	}
	if n == 0 {
		time.Sleep(pollIdleSleep)
		return nil
	}
	r.dec.Feed(buf[:n])

	for {
		frame, err := r.dec.DrainOne()
		if err == defmt.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", engineerr.ErrDefmtDecodeFatal, err)
		}
		logFrame(ctx, frame)
	}
	return nil
}

// deviceLog tags firmware log frames with the "device" module, which the
// default logcapture filters pass at every level.
var deviceLog = logcapture.New("device")

func logFrame(ctx context.Context, f defmt.Frame) {
	msg := f.Message
	if f.Timestamp != nil {
		msg = fmt.Sprintf("%d %s", *f.Timestamp, msg)
	}
	switch f.Level {
	case "trace":
		deviceLog.Trace(ctx, "%s", msg)
	case "debug":
		deviceLog.Debug(ctx, "%s", msg)
	case "warn":
		deviceLog.Warn(ctx, "%s", msg)
	case "error":
		deviceLog.Error(ctx, "%s", msg)
	default:
		deviceLog.Info(ctx, "%s", msg)
	}
}
