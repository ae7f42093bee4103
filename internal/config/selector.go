package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ProbeSelector identifies a debug probe by VID:PID, serial number, or both.
// It deserializes from and serializes back to one of three string shapes:
// "<serial>", "<vid>:<pid>" (hex), or "<vid>:<pid>:<serial>".
type ProbeSelector struct {
	VIDPID *VIDPID
	Serial *string
}

// VIDPID is a USB vendor/product id pair.
type VIDPID struct {
	VID uint16
	PID uint16
}

// ParseProbeSelector parses one of the three canonical selector shapes.
func ParseProbeSelector(s string) (ProbeSelector, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		serial := parts[0]
		return ProbeSelector{Serial: &serial}, nil
	case 2:
		vid, _, err := parseHexPair(parts[0], parts[1])
		if err != nil {
			return ProbeSelector{}, err
		}
		return ProbeSelector{VIDPID: &vid}, nil
	case 3:
		vid, pid, err := parseHexPair(parts[0], parts[1])
		if err != nil {
			return ProbeSelector{}, err
		}
		serial := parts[2]
		return ProbeSelector{VIDPID: &vid, Serial: &serial}, nil
	default:
		return ProbeSelector{}, fmt.Errorf("invalid probe selector %q", s)
	}
}

func parseHexPair(vidS, pidS string) (VIDPID, uint16, error) {
	vid, err := strconv.ParseUint(vidS, 16, 16)
	if err != nil {
		return VIDPID{}, 0, fmt.Errorf("invalid vid %q: %w", vidS, err)
	}
	pid, err := strconv.ParseUint(pidS, 16, 16)
	if err != nil {
		return VIDPID{}, 0, fmt.Errorf("invalid pid %q: %w", pidS, err)
	}
	return VIDPID{VID: uint16(vid), PID: uint16(pid)}, uint16(pid), nil
}

// String formats the selector back into its canonical shape; round-trips
// for every input accepted by ParseProbeSelector.
func (p ProbeSelector) String() string {
	switch {
	case p.VIDPID == nil && p.Serial == nil:
		return ""
	case p.VIDPID == nil:
		return *p.Serial
	case p.Serial == nil:
		return fmt.Sprintf("%x:%x", p.VIDPID.VID, p.VIDPID.PID)
	default:
		return fmt.Sprintf("%x:%x:%s", p.VIDPID.VID, p.VIDPID.PID, *p.Serial)
	}
}

// Matches reports whether a candidate probe (as enumerated on the bus)
// satisfies the selector predicate: each present field of the selector must
// match; absent fields impose no constraint.
func (p ProbeSelector) Matches(vid, pid uint16, serial string) bool {
	if p.VIDPID != nil && (p.VIDPID.VID != vid || p.VIDPID.PID != pid) {
		return false
	}
	if p.Serial != nil && *p.Serial != serial {
		return false
	}
	return true
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ProbeSelector) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseProbeSelector(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p ProbeSelector) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// MarshalJSON implements json.Marshaler, used when rendering GET /targets.
func (p ProbeSelector) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}
