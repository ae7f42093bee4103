package flashboot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/elfinfo/elftest"
	"teleprobe/internal/probe/probetest"
)

func TestClassifyRunModeFlashOnSTM32(t *testing.T) {
	chip, err := chipdb.Lookup("STM32F407VGTx")
	require.NoError(t, err)

	mode, err := ClassifyRunMode(chip, 0x0800_0000)
	require.NoError(t, err)
	assert.Equal(t, ModeFlash, mode)
}

func TestClassifyRunModeRAM(t *testing.T) {
	chip, err := chipdb.Lookup("STM32F407VGTx")
	require.NoError(t, err)

	mode, err := ClassifyRunMode(chip, 0x2000_0000)
	require.NoError(t, err)
	assert.Equal(t, ModeRAM, mode)
}

func TestClassifyRunModeOutsideMemoryMapErrors(t *testing.T) {
	chip, err := chipdb.Lookup("STM32F407VGTx")
	require.NoError(t, err)

	_, err = ClassifyRunMode(chip, 0x9000_0000)
	assert.Error(t, err)
}

func TestResetOtherCoresSkipsCoreZero(t *testing.T) {
	rp2040, err := chipdb.Lookup("RP2040")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(rp2040)

	core0, err := sess.Core(0)
	require.NoError(t, err)
	require.NoError(t, core0.Halt(0))
	core1, err := sess.Core(1)
	require.NoError(t, err)
	require.NoError(t, core1.Halt(0))

	require.NoError(t, ResetOtherCores(sess))

	halted0, err := core0.CoreHalted()
	require.NoError(t, err)
	assert.True(t, halted0, "core 0 must not be reset")

	halted1, err := core1.CoreHalted()
	require.NoError(t, err)
	assert.False(t, halted1, "core 1 should be reset (and thus running)")
}

func TestProgramWritesImageDirectlyToRAMInRAMMode(t *testing.T) {
	nrf, err := chipdb.Lookup("nRF52840_xxAA")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(nrf)

	const vectorTableAddr = 0x2000_0000
	elf := elftest.Build(elftest.Options{
		VectorTableAddr: vectorTableAddr,
		InitialSP:       0x2002_0000,
		ResetHandler:    0x2000_0101,
		HardFaultAddr:   0x2000_0201,
	})

	require.NoError(t, Program(context.Background(), sess, elf, ModeRAM))

	// ModeRAM never goes through the FlashLoader...
	assert.Nil(t, sess.Flashed())

	// ...but the vector table (initial SP, reset handler, hard fault
	// handler) must have been written straight into target RAM.
	core0, err := sess.Core(0)
	require.NoError(t, err)
	sp, err := core0.ReadWord32(vectorTableAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2002_0000), sp)
	reset, err := core0.ReadWord32(vectorTableAddr + 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000_0101), reset)
	hardFault, err := core0.ReadWord32(vectorTableAddr + 12)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000_0201), hardFault)
}

func TestProgramFlashesInFlashMode(t *testing.T) {
	nrf, err := chipdb.Lookup("nRF52840_xxAA")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(nrf)

	require.NoError(t, Program(context.Background(), sess, []byte{1, 2, 3}, ModeFlash))
	assert.Equal(t, []byte{1, 2, 3}, sess.Flashed())

	core0, err := sess.Core(0)
	require.NoError(t, err)
	halted, err := core0.CoreHalted()
	require.NoError(t, err)
	assert.True(t, halted, "core 0 must stay halted after reset_and_halt")
}
