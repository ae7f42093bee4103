package probetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/probe"
)

func TestFakeSessionCoresMatchChipNumCores(t *testing.T) {
	rp2040, err := chipdb.Lookup("RP2040")
	require.NoError(t, err)
	sess := NewFakeSession(rp2040)
	assert.Len(t, sess.ListCores(), 2)

	core0, err := sess.Core(0)
	require.NoError(t, err)
	require.NoError(t, core0.WriteWord32(0x2000_0000, 0x1234))
	v, err := core0.ReadWord32(0x2000_0000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), v)
}

func TestFakeCoreHaltRunCycle(t *testing.T) {
	c := NewFakeCoreStandalone()
	halted, err := c.CoreHalted()
	require.NoError(t, err)
	assert.False(t, halted)

	require.NoError(t, c.Halt(time.Second))
	halted, err = c.CoreHalted()
	require.NoError(t, err)
	assert.True(t, halted)

	require.NoError(t, c.Run())
	halted, err = c.CoreHalted()
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestFakeCoreRegisters(t *testing.T) {
	c := NewFakeCoreStandalone()
	require.NoError(t, c.WriteCoreReg(probe.PC, 0x0800_0100))
	v, err := c.ReadCoreReg(probe.PC)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0800_0100), v)
}

func TestFakeFlashLoaderRecordsImage(t *testing.T) {
	nrf, err := chipdb.Lookup("nRF52840_xxAA")
	require.NoError(t, err)
	sess := NewFakeSession(nrf)
	require.NoError(t, sess.FlashLoader().LoadAndCommit([]byte{1, 2, 3}, true))
	assert.Equal(t, []byte{1, 2, 3}, sess.Flashed())
}
