package dispatcher

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/config"
	"teleprobe/internal/elfinfo/elftest"
	"teleprobe/internal/probe"
	"teleprobe/internal/probe/probetest"
)

const testRTTAddr = 0x2000_1000

func writeControlBlock(core *probetest.FakeCore, rttAddr, bufAddr, bufSize uint32) {
	mem := core.Mem()
	id := []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")
	for i := 0; i < 4; i++ {
		mem.Write32(rttAddr+uint32(i*4), binary.LittleEndian.Uint32(id[i*4:i*4+4]))
	}
	mem.Write32(rttAddr+16, 1)
	mem.Write32(rttAddr+20, 0)
	desc := rttAddr + 24
	mem.Write32(desc+4, bufAddr)
	mem.Write32(desc+8, bufSize)
	mem.Write32(desc+12, 0)
	mem.Write32(desc+16, 0)
	mem.Write32(desc+20, 0)
}

func testConfig() *config.Config {
	serial := "serial-1"
	return &config.Config{
		Targets: []config.Target{
			{
				Name:                "my-board",
				Chip:                "STM32F407VGTx",
				Probe:               config.ProbeSelector{Serial: &serial},
				CycleDelaySeconds:   0.5,
				MaxSettleTimeMillis: 20000,
			},
		},
		DefaultTimeout: 10,
		MaxTimeout:     60,
	}
}

func testELF() []byte {
	return elftest.Build(elftest.Options{
		VectorTableAddr: 0x2000_0000, // STM32F407's RAM region: RAM mode, no flashing step
		InitialSP:       0x2002_0000,
		ResetHandler:    0x2000_0101,
		HardFaultAddr:   0x2000_0201,
		Symbols: []elftest.Symbol{
			{Name: "main", Value: 0x2000_0301},
			{Name: "_SEGGER_RTT", Value: testRTTAddr},
		},
	})
}

func TestRunOnTargetUnknownTarget(t *testing.T) {
	lister := probetest.NewFakeLister(probe.ProbeInfo{VID: 1, PID: 2, Serial: "serial-1"})
	d := New(testConfig(), lister, 1)

	_, err := d.RunOnTarget(context.Background(), "nonexistent", testELF(), nil)
	assert.ErrorContains(t, err, "target not found")
}

func TestRunOnTargetSucceeds(t *testing.T) {
	lister := probetest.NewFakeLister(probe.ProbeInfo{VID: 1, PID: 2, Serial: "serial-1"})
	d := New(testConfig(), lister, 1)

	sess, err := lister.Open(probe.ProbeInfo{VID: 1, PID: 2, Serial: "serial-1"}, nil, "STM32F407VGTx", false)
	require.NoError(t, err)
	fakeSess := sess.(*probetest.FakeSession)
	core, err := fakeSess.Core(0)
	require.NoError(t, err)
	fakeCore := core.(*probetest.FakeCore)
	fakeCore.SetOnRun(func(c *probetest.FakeCore) {
		writeControlBlock(c, testRTTAddr, 0x2000_3000, 64)
		c.SetHalted(true)
	})

	result, err := d.RunOnTarget(context.Background(), "my-board", testELF(), nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestRunOnTargetCapsTimeoutAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTimeout = 5
	requested := uint64(9999)

	lister := probetest.NewFakeLister(probe.ProbeInfo{VID: 1, PID: 2, Serial: "serial-1"})
	d := New(cfg, lister, 1)

	_, err := lister.Open(probe.ProbeInfo{VID: 1, PID: 2, Serial: "serial-1"}, nil, "STM32F407VGTx", false)
	require.NoError(t, err)

	// The run itself will fail fast (no onRun hook => RTT never appears),
	// but that's fine: this test only exercises the timeout-capping path,
	// not a successful run.
	result, err := d.RunOnTarget(context.Background(), "my-board", testELF(), &requested)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, strings.Contains(string(result.Logs), "ERROR"))
}
