// Package crashdump reads a halted Cortex-M core's registers and stack,
// classifies the fault via XPSR/HFSR/CFSR/BFAR, and renders a symbolic
// backtrace from DWARF debug info. Grounded on run.rs's dump_state and
// traceback.
package crashdump

import (
	"context"
	"debug/dwarf"
	"fmt"

	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
)

var log = logcapture.New("crashdump")

const thumbBit = 1

// Cortex-M fault status register addresses.
const (
	addrHFSR = 0xE000_ED2C
	addrCFSR = 0xE000_ED28
	addrBFAR = 0xE000_ED38
)

// Registers is R0-R15 plus XPSR, in that order (index 16 is XPSR).
type Registers [17]uint32

// ReadRegisters reads R0..R15 and XPSR off a halted core.
func ReadRegisters(core probe.Core) (Registers, error) {
	var r Registers
	for i := range r {
		v, err := core.ReadCoreReg(probe.RegisterID(i))
		if err != nil {
			return r, fmt.Errorf("read r%d: %w", i, err)
		}
		r[i] = v
	}
	return r, nil
}

// LogRegisters emits the four-rows-of-four register dump plus XPSR, in
// the exact row grouping dump_state/traceback use.
func LogRegisters(ctx context.Context, r Registers) {
	log.Info(ctx, "  R0: %08x   R1: %08x   R2: %08x   R3: %08x", r[0], r[1], r[2], r[3])
	log.Info(ctx, "  R4: %08x   R5: %08x   R6: %08x   R7: %08x", r[4], r[5], r[6], r[7])
	log.Info(ctx, "  R8: %08x   R9: %08x  R10: %08x  R11: %08x", r[8], r[9], r[10], r[11])
	log.Info(ctx, " R12: %08x   SP: %08x   LR: %08x   PC: %08x", r[12], r[13], r[14], r[15])
	log.Info(ctx, "XPSR: %08x", r[16])
}

// LogStack reads 32 words starting at sp and logs them four words per
// line, hex, the way traceback does.
func LogStack(ctx context.Context, core probe.Core, sp uint32) error {
	var stack [32]uint32
	if err := core.Read32(sp, stack[:]); err != nil {
		return fmt.Errorf("read stack: %w", err)
	}
	log.Info(ctx, "")
	log.Info(ctx, "Stack:")
	for i := 0; i < len(stack)/4; i++ {
		log.Info(ctx, "%08x: %08x %08x %08x %08x",
			sp+uint32(i*16), stack[i*4], stack[i*4+1], stack[i*4+2], stack[i*4+3])
	}
	return nil
}

// Frame is one entry of a symbolic backtrace.
type Frame struct {
	Function string
	PC       uint32
	Inline   bool
	File     string
	Line     int
	Column   int
}

// Traceback reads registers, logs them and the stack, then unwinds a
// backtrace from the current PC using di. Unlike probe-rs-debug's full
// CFI-based unwinder, this walks at most two frames (current PC, then
// the return address in LR): enough to name the crash site and its
// caller without parsing .debug_frame/.eh_frame.
func Traceback(ctx context.Context, core probe.Core, di *dwarf.Data) error {
	r, err := ReadRegisters(core)
	if err != nil {
		return err
	}
	LogRegisters(ctx, r)
	if err := LogStack(ctx, core, r[13]); err != nil {
		return err
	}

	log.Info(ctx, "")
	log.Info(ctx, "Backtrace:")
	frames := unwind(di, r)
	for i, f := range frames {
		line := fmt.Sprintf("Frame %d: %s @ %#x", i, f.Function, f.PC)
		if f.Inline {
			line += " inline"
		}
		log.Info(ctx, "%s", line)
		if f.File != "" {
			if f.Line > 0 {
				log.Info(ctx, "       %s:%d:%d", f.File, f.Line, f.Column)
			} else {
				log.Info(ctx, "       %s", f.File)
			}
		}
	}
	return nil
}

func unwind(di *dwarf.Data, r Registers) []Frame {
	var frames []Frame
	pc := r[15]
	frames = append(frames, resolveFrame(di, pc))

	lr := r[14] &^ thumbBit
	if lr != 0 && lr != pc {
		frames = append(frames, resolveFrame(di, lr))
	}
	return frames
}

func resolveFrame(di *dwarf.Data, pc uint32) Frame {
	f := Frame{Function: "??", PC: pc}
	if di == nil {
		return f
	}
	if name, ok := functionNameAt(di, pc); ok {
		f.Function = name
	}
	if file, line, col, ok := sourceLocationAt(di, pc); ok {
		f.File = file
		f.Line = line
		f.Column = col
	}
	return f
}

func functionNameAt(di *dwarf.Data, pc uint32) (string, bool) {
	reader := di.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return "", false
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		low, lowOK := entry.Val(dwarf.AttrLowpc).(uint64)
		if !lowOK {
			continue
		}
		high, hasHigh := highPC(entry, low)
		if !hasHigh {
			continue
		}
		if uint64(pc) >= low && uint64(pc) < high {
			if name, ok := entry.Val(dwarf.AttrName).(string); ok {
				return name, true
			}
		}
	}
}

// highpc's encoding varies: it's either an absolute address or an offset
// from lowpc, distinguished by the attribute's class.
func highPC(entry *dwarf.Entry, low uint64) (uint64, bool) {
	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return 0, false
	}
	switch v := field.Val.(type) {
	case uint64:
		if field.Class == dwarf.ClassAddress {
			return v, true
		}
		return low + v, true
	case int64:
		return low + uint64(v), true
	default:
		return 0, false
	}
}

// sourceLocationAt returns the file, line, and display column for pc. DWARF
// represents "left edge of line, no specific column" as Column 0; that's
// rendered to readers as column 1, so the substitution happens here and
// Frame.Column always holds the value to print.
func sourceLocationAt(di *dwarf.Data, pc uint32) (string, int, int, bool) {
	reader := di.Reader()
	for {
		cu, err := reader.Next()
		if err != nil || cu == nil {
			return "", 0, 0, false
		}
		if cu.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}
		lr, err := di.LineReader(cu)
		if err != nil || lr == nil {
			reader.SkipChildren()
			continue
		}
		var entry dwarf.LineEntry
		best := dwarf.LineEntry{Address: 0}
		found := false
		for {
			if err := lr.Next(&entry); err != nil {
				break
			}
			if entry.Address <= uint64(pc) && entry.Address >= best.Address {
				best = entry
				found = true
			}
		}
		if found {
			col := best.Column
			if col == 0 {
				col = 1
			}
			return best.File.Name, best.Line, col, true
		}
		reader.SkipChildren()
	}
}
