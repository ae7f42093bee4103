package runner

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/elfinfo/elftest"
	"teleprobe/internal/probe/probetest"
)

const testRTTAddr = 0x2000_1000

func writeControlBlock(core *probetest.FakeCore, rttAddr, bufAddr, bufSize uint32) {
	mem := core.Mem()
	id := []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")
	for i := 0; i < 4; i++ {
		mem.Write32(rttAddr+uint32(i*4), binary.LittleEndian.Uint32(id[i*4:i*4+4]))
	}
	mem.Write32(rttAddr+16, 1) // MaxNumUpChannels
	mem.Write32(rttAddr+20, 0)
	desc := rttAddr + 24
	mem.Write32(desc+4, bufAddr)
	mem.Write32(desc+8, bufSize)
	mem.Write32(desc+12, 0) // WrOff
	mem.Write32(desc+16, 0) // RdOff
	mem.Write32(desc+20, 0) // Flags
}

func TestNewErrorsWithoutRTTSymbol(t *testing.T) {
	chip, err := chipdb.Lookup("STM32F407VGTx")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(chip)

	img := elftest.Build(elftest.Options{
		VectorTableAddr: 0x2000_0000,
		InitialSP:       0x2002_0000,
		ResetHandler:    0x2000_0101,
		HardFaultAddr:   0x2000_0201,
		Symbols:         []elftest.Symbol{{Name: "main", Value: 0x2000_0301}},
	})

	_, err = New(context.Background(), sess, img, DefaultOptions())
	assert.ErrorContains(t, err, "RTT is missing")
}

func TestNewAndRunRAMModeCleanTermination(t *testing.T) {
	chip, err := chipdb.Lookup("STM32F407VGTx")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(chip)

	img := elftest.Build(elftest.Options{
		VectorTableAddr: 0x2000_0000, // inside STM32F407's RAM region: RAM mode
		InitialSP:       0x2002_0000,
		ResetHandler:    0x2000_0101,
		HardFaultAddr:   0x2000_0201,
		Symbols: []elftest.Symbol{
			{Name: "main", Value: 0x2000_0301},
			{Name: "_SEGGER_RTT", Value: testRTTAddr},
		},
	})

	core, err := sess.Core(0)
	require.NoError(t, err)
	fakeCore := core.(*probetest.FakeCore)
	fakeCore.SetOnRun(func(c *probetest.FakeCore) {
		writeControlBlock(c, testRTTAddr, 0x2000_3000, 64)
		c.SetHalted(true) // program runs to completion immediately
	})

	r, err := New(context.Background(), sess, img, DefaultOptions())
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.NoError(t, err)
}

func TestNewAndRunFlashModeHardFault(t *testing.T) {
	chip, err := chipdb.Lookup("STM32F407VGTx")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(chip)

	img := elftest.Build(elftest.Options{
		VectorTableAddr: 0x0800_0000, // inside STM32F407's NVM region: flash mode
		InitialSP:       0x2002_0000,
		ResetHandler:    0x0800_0101,
		HardFaultAddr:   0x0800_0201,
		Symbols: []elftest.Symbol{
			{Name: "main", Value: 0x0800_0301},
			{Name: "_SEGGER_RTT", Value: testRTTAddr},
		},
	})

	core, err := sess.Core(0)
	require.NoError(t, err)
	fakeCore := core.(*probetest.FakeCore)

	runCount := 0
	fakeCore.SetOnRun(func(c *probetest.FakeCore) {
		runCount++
		switch runCount {
		case 1: // run-to-main inside boot()
			c.SetHalted(true)
		case 2: // released to run for real
			writeControlBlock(c, testRTTAddr, 0x2000_3000, 64)
			var regs [17]uint32
			regs[16] = 3 // XPSR exception number 3: HardFault
			c.SetRegs(regs)
			c.SetHalted(true)
		}
	})

	r, err := New(context.Background(), sess, img, DefaultOptions())
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorContains(t, err, "crashed")
}
