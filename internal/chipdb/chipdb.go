// Package chipdb is a small, hardcoded replacement for probe-rs's chip
// registry: just enough memory-map and core-count data for the chip
// families teleprobe's test scenarios target (STM32F4, nRF52, RP2040).
// probe-rs ships a much larger YAML-driven database; reproducing it is out
// of scope, so teleprobe only supports chips it has an entry for.
package chipdb

import (
	"fmt"
	"strings"
)

// MemoryRegionKind classifies a memory range the way probe-rs's
// MemoryRegion enum does: Ram/Generic regions are assumed already
// initialized when the vector table lives there (run from RAM); Nvm
// regions must be flashed.
type MemoryRegionKind int

const (
	RegionRAM MemoryRegionKind = iota
	RegionGeneric
	RegionNVM
)

// MemoryRegion is one entry of a chip's memory map.
type MemoryRegion struct {
	Kind  MemoryRegionKind
	Start uint64
	End   uint64 // exclusive
}

func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ChipInfo describes a chip well enough to classify where the vector
// table lives and how many cores to reset.
type ChipInfo struct {
	Name      string
	MemoryMap []MemoryRegion
	NumCores  int
}

// RunFromRAM reports whether addr (typically the `.vector_table` address)
// lives in a RAM/Generic region (program booted by downloading straight to
// RAM) as opposed to an NVM region (program must be flashed and reset into
// it), mirroring run.rs's run_from_ram classification.
func (c ChipInfo) RunFromRAM(addr uint64) (bool, error) {
	for _, r := range c.MemoryMap {
		if !r.Contains(addr) {
			continue
		}
		switch r.Kind {
		case RegionRAM, RegionGeneric:
			return true, nil
		case RegionNVM:
			return false, nil
		}
	}
	return false, fmt.Errorf("address %#x is not covered by any memory region of %s", addr, c.Name)
}

var builtins = map[string]ChipInfo{
	"STM32F407VGTx": {
		Name: "STM32F407VGTx",
		MemoryMap: []MemoryRegion{
			{Kind: RegionNVM, Start: 0x08000000, End: 0x08100000},
			{Kind: RegionRAM, Start: 0x20000000, End: 0x20020000},
		},
		NumCores: 1,
	},
	"NRF52840_XXAA": {
		Name: "nRF52840_xxAA",
		MemoryMap: []MemoryRegion{
			{Kind: RegionNVM, Start: 0x00000000, End: 0x00100000},
			{Kind: RegionRAM, Start: 0x20000000, End: 0x20040000},
		},
		NumCores: 1,
	},
	"RP2040": {
		Name: "RP2040",
		MemoryMap: []MemoryRegion{
			{Kind: RegionNVM, Start: 0x10000000, End: 0x10200000}, // external QSPI flash, XIP-mapped
			{Kind: RegionRAM, Start: 0x20000000, End: 0x20042000},
		},
		NumCores: 2,
	},
}

// Lookup resolves a chip name to its ChipInfo. Matching is
// case-insensitive, matching probe-rs's target registry lookup.
func Lookup(name string) (ChipInfo, error) {
	for key, info := range builtins {
		if strings.EqualFold(key, name) {
			return info, nil
		}
	}
	return ChipInfo{}, fmt.Errorf("unknown chip %q (teleprobe's built-in chip database only covers STM32F4/nRF52/RP2040 parts)", name)
}
