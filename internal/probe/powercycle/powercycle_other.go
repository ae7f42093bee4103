//go:build !linux

package powercycle

import (
	"fmt"
	"time"
)

// PowerReset is unsupported outside Linux: there is no portable sysfs-like
// USB port-power interface on other platforms, matching the original
// implementation's behavior on non-Linux hosts.
func PowerReset(serial string, cycleDelay time.Duration) error {
	return fmt.Errorf("USB power reset is only supported on linux")
}

// EnableAll is unsupported outside Linux.
func EnableAll() error {
	return fmt.Errorf("USB power reset is only supported on linux")
}
