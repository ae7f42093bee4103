//go:build linux

package powercycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeUSBDevice(t *testing.T, serial string) string {
	t.Helper()
	root := t.TempDir()
	devDir := filepath.Join(root, "1-1")
	portDir := filepath.Join(devDir, "port")
	require.NoError(t, os.MkdirAll(portDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "serial"), []byte(serial+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(portDir, "disable"), []byte("0"), 0o644))
	return root
}

func TestPowerResetTogglesDisableFile(t *testing.T) {
	root := fakeUSBDevice(t, "000683000000")
	old := usbSysfsRoot
	usbSysfsRoot = root
	defer func() { usbSysfsRoot = old }()

	require.NoError(t, PowerReset("000683000000", 5*time.Millisecond))

	data, err := os.ReadFile(filepath.Join(root, "1-1", "port", "disable"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))
}

func TestPowerResetUnknownSerial(t *testing.T) {
	root := fakeUSBDevice(t, "000683000000")
	old := usbSysfsRoot
	usbSysfsRoot = root
	defer func() { usbSysfsRoot = old }()

	err := PowerReset("nonexistent", time.Millisecond)
	assert.Error(t, err)
}

func TestToHexMatchesRawSerialFallback(t *testing.T) {
	assert.Equal(t, "414243", toHex("ABC"))
}
