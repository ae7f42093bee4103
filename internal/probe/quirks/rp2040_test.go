package quirks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/probe/probetest"
)

func TestIsRP2040(t *testing.T) {
	assert.True(t, IsRP2040("RP2040"))
	assert.True(t, IsRP2040("rp2040"))
	assert.True(t, IsRP2040("RP2040-B2"))
	assert.False(t, IsRP2040("nRF52840_xxAA"))
}

func TestResetBothCoresWritesWatchdogRegisters(t *testing.T) {
	rp2040, err := chipdb.Lookup("RP2040")
	require.NoError(t, err)
	sess := probetest.NewFakeSession(rp2040)

	require.NoError(t, ResetBothCores(context.Background(), sess))

	core, err := sess.Core(0)
	require.NoError(t, err)
	v, err := core.ReadWord32(psmWDSEL)
	require.NoError(t, err)
	assert.Equal(t, uint32(psmSelSIO|psmSelProc0|psmSelProc1), v)

	v, err = core.ReadWord32(watchdogCtl)
	require.NoError(t, err)
	assert.Equal(t, uint32(watchdogCtlEnable|watchdogCtlTrigger), v)
}
