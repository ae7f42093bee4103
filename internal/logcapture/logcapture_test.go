package logcapture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCaptureRecordsAllowedLevels(t *testing.T) {
	ctx, rec := WithCapture(context.Background())
	logger := New("teleprobe")
	logger.Info(ctx, "hello %s", "world")
	logger.Trace(ctx, "too quiet for default capture filter")

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello world", entries[0].Message)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "teleprobe", entries[0].Module)
}

func TestLogfWithoutRecorderDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Logf(context.Background(), LevelWarn, "device", "no recorder attached")
	})
}

func TestFilterAllowsLongestPrefixWins(t *testing.T) {
	f := filter{
		Default: LevelError,
		Modules: map[string]Level{
			"teleprobe":        LevelInfo,
			"teleprobe.runner": LevelTrace,
		},
	}
	assert.True(t, f.allows("teleprobe.runner", LevelTrace))
	assert.False(t, f.allows("teleprobe.server", LevelTrace))
	assert.True(t, f.allows("teleprobe.server", LevelInfo))
	assert.False(t, f.allows("unrelated", LevelInfo))
}
