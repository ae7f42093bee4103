package cli

import (
	"fmt"
	"io"

	"teleprobe/internal/probe"
)

// ListProbes prints every probe the lister can see, one per line as
// "vid:pid:serial", matching probe/mod.rs's list() (minus the probe-type
// and identifier strings probe-rs's registry supplies and this lister
// doesn't track).
func ListProbes(w io.Writer, lister probe.Lister) error {
	probes, err := lister.ListProbes()
	if err != nil {
		return fmt.Errorf("list probes: %w", err)
	}
	if len(probes) == 0 {
		fmt.Fprintln(w, "No probe found!")
		return nil
	}
	for _, p := range probes {
		serial := p.Serial
		if serial == "" {
			serial = "SN unspecified"
		}
		fmt.Fprintf(w, "%04x:%04x:%s\n", p.VID, p.PID, serial)
	}
	return nil
}
