// Package probe abstracts the debug-probe/target session: attaching to a
// Cortex-M core over SWD, halting/resetting it, reading and writing its
// memory and registers, and setting hardware breakpoints. It plays the
// role probe-rs's Session/Core/MemoryInterface traits play in the original
// implementation; internal/probe/probetest provides a software fake of
// this interface for hardware-independent tests, and the real
// gousb-backed transport lives in transport.go.
package probe

import (
	"time"

	"teleprobe/internal/chipdb"
)

// RegisterID names a core register the way probe-rs's RegisterId does.
type RegisterID uint16

const (
	SP   RegisterID = 13
	LR   RegisterID = 14
	PC   RegisterID = 15
	XPSR RegisterID = 16
)

// TargetInfo describes the chip a Session is attached to.
type TargetInfo = chipdb.ChipInfo

// Core is one CPU core of an attached target.
type Core interface {
	Reset() error
	ResetAndHalt(timeout time.Duration) error
	Halt(timeout time.Duration) error
	Run() error
	WaitForCoreHalted(timeout time.Duration) error
	CoreHalted() (bool, error)

	ReadWord32(addr uint32) (uint32, error)
	WriteWord32(addr uint32, val uint32) error
	Read32(addr uint32, out []uint32) error
	Write8(addr uint32, data []byte) error
	ReadBlock(addr uint32, out []byte) (int, error)

	ReadCoreReg(reg RegisterID) (uint32, error)
	WriteCoreReg(reg RegisterID, val uint32) error

	AvailableBreakpointUnits() (int, error)
	SetHWBreakpoint(addr uint32) error
	ClearHWBreakpoint(addr uint32) error
}

// Session is an attached probe/target pair: zero or more cores, and the
// flash loader used to program NVM regions.
type Session interface {
	Target() TargetInfo
	ListCores() []int
	Core(i int) (Core, error)
	FlashLoader() FlashLoader
	Close() error
}

// FlashLoader programs an ELF image's loadable sections into NVM.
type FlashLoader interface {
	LoadAndCommit(elfBytes []byte, verify bool) error
}
