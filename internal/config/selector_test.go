package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbeSelectorSerialOnly(t *testing.T) {
	s, err := ParseProbeSelector("0123456789ABCDEF")
	require.NoError(t, err)
	require.NotNil(t, s.Serial)
	assert.Nil(t, s.VIDPID)
	assert.Equal(t, "0123456789ABCDEF", *s.Serial)
	assert.Equal(t, "0123456789ABCDEF", s.String())
}

func TestParseProbeSelectorVidPid(t *testing.T) {
	s, err := ParseProbeSelector("1366:0105")
	require.NoError(t, err)
	require.NotNil(t, s.VIDPID)
	assert.Nil(t, s.Serial)
	assert.Equal(t, uint16(0x1366), s.VIDPID.VID)
	assert.Equal(t, uint16(0x0105), s.VIDPID.PID)
	assert.Equal(t, "1366:105", s.String())
}

func TestParseProbeSelectorVidPidSerial(t *testing.T) {
	s, err := ParseProbeSelector("1366:0105:000683000000")
	require.NoError(t, err)
	require.NotNil(t, s.VIDPID)
	require.NotNil(t, s.Serial)
	assert.Equal(t, "000683000000", *s.Serial)
}

func TestParseProbeSelectorInvalidHex(t *testing.T) {
	_, err := ParseProbeSelector("zzzz:0105")
	assert.Error(t, err)
}

func TestProbeSelectorMatches(t *testing.T) {
	s, err := ParseProbeSelector("1366:0105")
	require.NoError(t, err)
	assert.True(t, s.Matches(0x1366, 0x0105, "anything"))
	assert.False(t, s.Matches(0x1366, 0x0106, "anything"))

	serialOnly, err := ParseProbeSelector("abc123")
	require.NoError(t, err)
	assert.True(t, serialOnly.Matches(0x1366, 0x0105, "abc123"))
	assert.False(t, serialOnly.Matches(0x1366, 0x0105, "other"))
}
