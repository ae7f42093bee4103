package crashdump

import (
	"context"
	"debug/dwarf"
	"time"

	"teleprobe/internal/probe"
)

// Exception numbers XPSR's low 8 bits can hold; only these three are
// distinguished, matching dump_state's match arms.
const (
	exceptionNone      = 0
	exceptionHardFault = 3
)

// haltTimeout is DRAINING's 1-second core halt budget.
const haltTimeout = time.Second

// DumpState halts core, reads XPSR to classify the current exception,
// and emits a traceback plus (for HardFault) the CFSR/HFSR/BFAR decode.
// force causes a traceback to be emitted even on clean termination
// (exception 0), used on the timeout path. It returns whether the run
// should be reported as a crash.
func DumpState(ctx context.Context, core probe.Core, di *dwarf.Data, force bool) (crashed bool, err error) {
	if err := core.Halt(haltTimeout); err != nil {
		return false, err
	}

	xpsr, err := core.ReadCoreReg(probe.XPSR)
	if err != nil {
		return false, err
	}
	exceptionNumber := xpsr & 0xff

	switch exceptionNumber {
	case exceptionNone:
		if force {
			if err := Traceback(ctx, core, di); err != nil {
				return false, err
			}
		}
		return false, nil

	case exceptionHardFault:
		if err := Traceback(ctx, core, di); err != nil {
			return false, err
		}
		log.Info(ctx, "Hard Fault!")
		if err := decodeHardFault(ctx, core); err != nil {
			return false, err
		}
		return true, nil

	default:
		if err := Traceback(ctx, core, di); err != nil {
			return false, err
		}
		log.Info(ctx, "Exception %d", exceptionNumber)
		return false, nil
	}
}

func decodeHardFault(ctx context.Context, core probe.Core) error {
	hfsr, err := core.ReadWord32(addrHFSR)
	if err != nil {
		return err
	}
	if hfsr&(1<<30) == 0 {
		return nil
	}
	log.Info(ctx, "-> configurable priority exception has been escalated to hard fault!")

	cfsr, err := core.ReadWord32(addrCFSR)
	if err != nil {
		return err
	}
	ufsr := (cfsr >> 16) & 0xffff
	bfsr := (cfsr >> 8) & 0xff
	mmfsr := cfsr & 0xff

	if ufsr != 0 {
		log.Info(ctx, "\tUsage Fault     - UFSR: %#06x", ufsr)
	}
	if bfsr != 0 {
		log.Info(ctx, "\tBus Fault       - BFSR: %#04x", bfsr)
		if bfsr&(1<<7) != 0 {
			bfar, err := core.ReadWord32(addrBFAR)
			if err != nil {
				return err
			}
			log.Info(ctx, "\t Location       - BFAR: %#010x", bfar)
		}
	}
	if mmfsr != 0 {
		log.Info(ctx, "\tMemManage Fault - MMFSR: %#04x", mmfsr)
	}
	return nil
}
