//go:build linux

// Package powercycle toggles USB port power via Linux sysfs so a wedged
// target (or a probe that needs a cold boot) can be power-cycled without
// physical access. This mirrors the original implementation's power_reset:
// it holds an open directory handle to the port's sysfs node and writes
// `disable` through that handle (via /proc/self/fd), so the write still
// succeeds even though the USB device itself disappears the instant power
// is cut.
package powercycle

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// usbSysfsRoot is overridden in tests.
var usbSysfsRoot = "/sys/bus/usb/devices"

// cycleMu serializes PowerReset across the whole process, so only one hub
// port is power-cycled at a time.
var cycleMu sync.Mutex

// PowerReset finds the USB device with the given serial number (matched
// either literally or as the hex encoding of its raw serial, matching the
// original's to_hex fallback), disables port power for cycleDelay, then
// re-enables it.
func PowerReset(serial string, cycleDelay time.Duration) error {
	cycleMu.Lock()
	defer cycleMu.Unlock()

	portDir, err := findPortDirBySerial(serial)
	if err != nil {
		return err
	}

	dir, err := os.Open(portDir)
	if err != nil {
		return fmt.Errorf("open port dir: %w", err)
	}
	defer dir.Close()
	disablePath := filepath.Join("/proc/self/fd", strconv.Itoa(int(dir.Fd())), "disable")
	if err := os.WriteFile(disablePath, []byte("1"), 0o200); err != nil {
		return fmt.Errorf("disable port power: %w", err)
	}

	time.Sleep(cycleDelay)

	if err := os.WriteFile(disablePath, []byte("0"), 0o200); err != nil {
		return fmt.Errorf("enable port power: %w", err)
	}
	return nil
}

// findPortDirBySerial scans the sysfs USB device tree for a device whose
// `serial` attribute matches serial (directly, or via its hex encoding),
// and returns the sysfs path of the port directory that feeds it power.
func findPortDirBySerial(serial string) (string, error) {
	entries, err := os.ReadDir(usbSysfsRoot)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", usbSysfsRoot, err)
	}
	for _, entry := range entries {
		devSerial, err := os.ReadFile(filepath.Join(usbSysfsRoot, entry.Name(), "serial"))
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(devSerial))
		if s == serial || toHex(s) == serial {
			return filepath.Join(usbSysfsRoot, entry.Name(), "port"), nil
		}
	}
	return "", fmt.Errorf("device with serial %s not found", serial)
}

func toHex(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}

// EnableAll walks every USB hub port under usbSysfsRoot and clears its
// `disable` flag, the Go stand-in for the original's power_enable: a
// startup sweep that undoes any port left disabled by a previous,
// interrupted power cycle.
func EnableAll() error {
	entries, err := os.ReadDir(usbSysfsRoot)
	if err != nil {
		return fmt.Errorf("read %s: %w", usbSysfsRoot, err)
	}
	var firstErr error
	cleared := 0
	for _, entry := range entries {
		portDir := filepath.Join(usbSysfsRoot, entry.Name(), "port")
		disablePath := filepath.Join(portDir, "disable")
		if _, err := os.Stat(disablePath); err != nil {
			continue
		}
		if err := os.WriteFile(disablePath, []byte("0"), 0o200); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cleared++
	}
	return firstErr
}
