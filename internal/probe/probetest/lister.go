package probetest

import (
	"fmt"
	"sync"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/probe"
)

// FakeLister implements probe.Lister over a fixed, in-memory set of
// probes and the chips they can attach to, so internal/probe.Connect can
// be exercised without a USB bus.
type FakeLister struct {
	Sessions map[string]*FakeSession // keyed by "<chip>"; same session returned across Open calls

	OpenErr error
	ListErr error

	mu     sync.Mutex
	probes []probe.ProbeInfo
}

// NewFakeLister builds a lister exposing the given probes.
func NewFakeLister(probes ...probe.ProbeInfo) *FakeLister {
	return &FakeLister{probes: probes, Sessions: map[string]*FakeSession{}}
}

// SetProbes replaces the set of probes visible on the fake bus, safe to
// call concurrently with ListProbes (e.g. from a goroutine simulating a
// probe appearing after a delay).
func (f *FakeLister) SetProbes(probes []probe.ProbeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = probes
}

func (f *FakeLister) ListProbes() ([]probe.ProbeInfo, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, nil
}

func (f *FakeLister) Open(info probe.ProbeInfo, speed *uint32, chip string, underReset bool) (probe.Session, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	if sess, ok := f.Sessions[chip]; ok {
		return sess, nil
	}
	ci, err := chipdb.Lookup(chip)
	if err != nil {
		return nil, fmt.Errorf("fake lister: %w", err)
	}
	sess := NewFakeSession(ci)
	f.Sessions[chip] = sess
	return sess, nil
}
