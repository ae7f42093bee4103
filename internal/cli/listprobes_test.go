package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"teleprobe/internal/probe"
	"teleprobe/internal/probe/probetest"
)

func TestListProbesEmpty(t *testing.T) {
	var buf strings.Builder
	err := ListProbes(&buf, probetest.NewFakeLister())
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "No probe found!")
}

func TestListProbesFormatsVidPidSerial(t *testing.T) {
	var buf strings.Builder
	lister := probetest.NewFakeLister(probe.ProbeInfo{VID: 0x1366, PID: 0x0101, Serial: "ABC123"})
	err := ListProbes(&buf, lister)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "1366:0101:ABC123")
}

func TestListProbesUnspecifiedSerial(t *testing.T) {
	var buf strings.Builder
	lister := probetest.NewFakeLister(probe.ProbeInfo{VID: 0x0483, PID: 0x3748, Serial: ""})
	err := ListProbes(&buf, lister)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "SN unspecified")
}
