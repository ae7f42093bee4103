// Package probetest provides an in-memory fake of internal/probe's
// Session/Core/FlashLoader interfaces, so the runner and dispatcher can be
// tested without physical debug-probe hardware, the way the teacher
// codebase's fake-server tests stand in for real network peers.
package probetest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/probe"
)

// Memory is a sparse word-addressed memory space backing a fake core's
// view of RAM + peripherals. Words live in a map keyed by the 4-byte
// aligned address, so any 32-bit address (0xE000xxxx debug registers
// included) can be used; unwritten words read as zero.
type Memory struct {
	mu    sync.Mutex
	words map[uint32]uint32
}

func newMemory() *Memory { return &Memory{words: make(map[uint32]uint32)} }

func (m *Memory) Read32(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr&^3]
}

func (m *Memory) Write32(addr, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr&^3] = val
}

// FakeSession is a scriptable stand-in for a real probe.Session.
type FakeSession struct {
	ChipInfo chipdb.ChipInfo
	Mem      *Memory

	mu       sync.Mutex
	cores    []*FakeCore
	flashed  []byte
	flashErr error
	closeErr error
	closed   bool
}

// NewFakeSession builds a fake session for chip, with a fresh core per
// chipdb.ChipInfo.NumCores.
func NewFakeSession(chip chipdb.ChipInfo) *FakeSession {
	mem := newMemory()
	s := &FakeSession{ChipInfo: chip, Mem: mem}
	for i := 0; i < chip.NumCores; i++ {
		s.cores = append(s.cores, &FakeCore{mem: mem, index: i, bpUnits: 4, breakpoints: map[uint32]bool{}})
	}
	return s
}

func (s *FakeSession) Target() probe.TargetInfo { return s.ChipInfo }

func (s *FakeSession) ListCores() []int {
	out := make([]int, len(s.cores))
	for i := range out {
		out[i] = i
	}
	return out
}

func (s *FakeSession) Core(i int) (probe.Core, error) {
	if i < 0 || i >= len(s.cores) {
		return nil, fmt.Errorf("core %d out of range", i)
	}
	return s.cores[i], nil
}

func (s *FakeSession) FlashLoader() probe.FlashLoader { return &fakeFlashLoader{sess: s} }

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

// Flashed returns the bytes passed to the last successful LoadAndCommit.
func (s *FakeSession) Flashed() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flashed
}

// SetFlashErr makes the next LoadAndCommit call fail with err.
func (s *FakeSession) SetFlashErr(err error) { s.flashErr = err }

type fakeFlashLoader struct{ sess *FakeSession }

func (f *fakeFlashLoader) LoadAndCommit(elfBytes []byte, verify bool) error {
	f.sess.mu.Lock()
	defer f.sess.mu.Unlock()
	if f.sess.flashErr != nil {
		return f.sess.flashErr
	}
	f.sess.flashed = append([]byte(nil), elfBytes...)
	return nil
}

// FakeCore is a scriptable probe.Core backed by a shared Memory and a set
// of core registers.
type FakeCore struct {
	mem   *Memory
	index int

	mu          sync.Mutex
	regs        [17]uint32
	halted      bool
	breakpoints map[uint32]bool
	bpUnits     int
	onRun       func(c *FakeCore) // test hook: simulate firmware progress when Run is called
}

// NewFakeCoreStandalone builds a FakeCore not attached to a FakeSession,
// useful for crashdump/rtt unit tests that only need a single core.
func NewFakeCoreStandalone() *FakeCore {
	return &FakeCore{mem: newMemory(), bpUnits: 4, breakpoints: map[uint32]bool{}}
}

func (c *FakeCore) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = [17]uint32{}
	c.halted = false
	return nil
}

func (c *FakeCore) ResetAndHalt(timeout time.Duration) error {
	if err := c.Reset(); err != nil {
		return err
	}
	return c.Halt(timeout)
}

func (c *FakeCore) Halt(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
	return nil
}

func (c *FakeCore) Run() error {
	c.mu.Lock()
	hook := c.onRun
	c.halted = false
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (c *FakeCore) WaitForCoreHalted(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		halted := c.halted
		c.mu.Unlock()
		if halted {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for core halt")
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *FakeCore) CoreHalted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted, nil
}

func (c *FakeCore) ReadWord32(addr uint32) (uint32, error) { return c.mem.Read32(addr), nil }
func (c *FakeCore) WriteWord32(addr uint32, val uint32) error {
	c.mem.Write32(addr, val)
	return nil
}

func (c *FakeCore) Read32(addr uint32, out []uint32) error {
	for i := range out {
		out[i] = c.mem.Read32(addr + uint32(i*4))
	}
	return nil
}

func (c *FakeCore) ReadBlock(addr uint32, out []byte) (int, error) {
	words := make([]uint32, (len(out)+3)/4)
	_ = c.Read32(addr, words)
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return copy(out, buf), nil
}

func (c *FakeCore) Write8(addr uint32, data []byte) error {
	word := make([]byte, 4)
	copy(word, data)
	c.mem.Write32(addr&^3, binary.LittleEndian.Uint32(word))
	return nil
}

func (c *FakeCore) ReadCoreReg(reg probe.RegisterID) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(reg) >= len(c.regs) {
		return 0, fmt.Errorf("register %d out of range", reg)
	}
	return c.regs[reg], nil
}

func (c *FakeCore) WriteCoreReg(reg probe.RegisterID, val uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(reg) >= len(c.regs) {
		return fmt.Errorf("register %d out of range", reg)
	}
	c.regs[reg] = val
	return nil
}

func (c *FakeCore) AvailableBreakpointUnits() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bpUnits, nil
}

func (c *FakeCore) SetHWBreakpoint(addr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breakpoints == nil {
		c.breakpoints = map[uint32]bool{}
	}
	c.breakpoints[addr] = true
	return nil
}

func (c *FakeCore) ClearHWBreakpoint(addr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakpoints, addr)
	return nil
}

// SetRegs lets a test pre-seed register state (e.g. to simulate a hard
// fault's XPSR exception number).
func (c *FakeCore) SetRegs(regs [17]uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = regs
}

// SetOnRun installs a hook invoked synchronously whenever Run is called,
// letting a test simulate the target making progress (e.g. writing to an
// RTT buffer or halting itself on a breakpoint).
func (c *FakeCore) SetOnRun(hook func(c *FakeCore)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRun = hook
}

// SetHalted forces the halted flag, used by tests driving onRun hooks.
func (c *FakeCore) SetHalted(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = v
}

func (c *FakeCore) Mem() *Memory { return c.mem }
