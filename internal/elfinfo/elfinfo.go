// Package elfinfo analyzes a firmware ELF before it's flashed: locates
// the Cortex-M vector table, resolves the `main` and `_SEGGER_RTT`
// symbols the runner needs to set up RTT, reads the `.teleprobe.target`
// section clients use for target auto-detection, and loads the image's
// DWARF debug info for crash backtraces. Grounded on run.rs's Runner::new
// and client.rs's detect_target, reimplemented with Go's debug/elf and
// debug/dwarf (see ZacharyScolaro-Gopher2600's cartridge/elf and
// coprocessor/developer packages for this codebase's other examples of
// driving those packages).
package elfinfo

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"teleprobe/internal/defmt"
)

const thumbBit = 1

// vectorTableSections lists the sections cortex-m-rt-style firmware
// links, in the order run.rs scans them. Only .vector_table is actually
// parsed into a VectorTable; the others are accepted as present-but-
// irrelevant to this analysis.
var vectorTableSections = map[string]bool{
	".vector_table": true,
	".text":         true,
	".rodata":       true,
	".data":         true,
}

// VectorTable is the first four words of a Cortex-M vector table: initial
// stack pointer, reset handler, NMI handler (unused), and hard fault
// handler.
type VectorTable struct {
	Location  uint32
	InitialSP uint32
	Reset     uint32
	HardFault uint32
}

// Info is everything the runner needs out of one ELF image.
type Info struct {
	VectorTable VectorTable
	Target      string // from `.teleprobe.target`; empty if absent or invalid UTF-8
	Timeout     *uint32
	MainAddr    uint32
	RTTAddr     uint32 // 0 if `_SEGGER_RTT` was not found
	DebugInfo   *dwarf.Data
	DefmtTable  *defmt.Table
	Elf         *elf.File
	Warnings    []string
}

// Analyze parses elfBytes and extracts the vector table plus the symbols
// the runner needs. It mirrors Runner::new's section/symbol scan, minus
// the flashing step (that lives in flashboot); the defmt table is built
// here through package defmt.
func Analyze(elfBytes []byte) (*Info, error) {
	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}

	var vt *VectorTable
	for _, sect := range f.Sections {
		if !vectorTableSections[sect.Name] || sect.Size == 0 {
			continue
		}
		if sect.Name != ".vector_table" {
			continue
		}
		if sect.Size%4 != 0 || sect.Addr%4 != 0 {
			return nil, fmt.Errorf("section `%s` is not 4-byte aligned", sect.Name)
		}
		data, err := sect.Data()
		if err != nil {
			return nil, fmt.Errorf("read section `%s`: %w", sect.Name, err)
		}
		if len(data) < 16 {
			return nil, fmt.Errorf("`.vector_table` section is too short")
		}
		vt = &VectorTable{
			Location:  uint32(sect.Addr),
			InitialSP: binary.LittleEndian.Uint32(data[0:4]),
			Reset:     binary.LittleEndian.Uint32(data[4:8]),
			HardFault: binary.LittleEndian.Uint32(data[12:16]),
		}
	}
	if vt == nil {
		return nil, fmt.Errorf("`.vector_table` section is missing")
	}

	mainAddr, rttAddr, err := resolveSymbols(f)
	if err != nil {
		return nil, err
	}

	var di *dwarf.Data
	if d, err := f.DWARF(); err == nil {
		di = d
	}

	table, err := defmt.BuildTable(f)
	if err != nil {
		return nil, fmt.Errorf("build defmt table: %w", err)
	}

	var warnings []string
	target, targetWarn := readTeleprobeTarget(f)
	if targetWarn != "" {
		warnings = append(warnings, targetWarn)
	}
	timeout, timeoutWarn := readTeleprobeTimeout(f)
	if timeoutWarn != "" {
		warnings = append(warnings, timeoutWarn)
	}

	return &Info{
		VectorTable: *vt,
		Target:      target,
		Timeout:     timeout,
		MainAddr:    mainAddr,
		RTTAddr:     rttAddr,
		DebugInfo:   di,
		DefmtTable:  table,
		Elf:         f,
		Warnings:    warnings,
	}, nil
}

// readTeleprobeTarget reads the optional `.teleprobe.target` section: raw
// UTF-8 bytes naming the target the client should run this image on.
// Invalid UTF-8 is a warning, not a fatal error.
func readTeleprobeTarget(f *elf.File) (target string, warning string) {
	sect := f.Section(".teleprobe.target")
	if sect == nil {
		return "", ""
	}
	data, err := sect.Data()
	if err != nil {
		return "", fmt.Sprintf("read `.teleprobe.target`: %v", err)
	}
	if !utf8.Valid(data) {
		return "", "`.teleprobe.target` is not valid UTF-8, ignoring"
	}
	return string(data), ""
}

// readTeleprobeTimeout reads the optional `.teleprobe.timeout` section: a
// 4-byte little-endian u32 of seconds. Any length other than 4 is a
// warning, not a fatal error.
func readTeleprobeTimeout(f *elf.File) (timeout *uint32, warning string) {
	sect := f.Section(".teleprobe.timeout")
	if sect == nil {
		return nil, ""
	}
	data, err := sect.Data()
	if err != nil {
		return nil, fmt.Sprintf("read `.teleprobe.timeout`: %v", err)
	}
	if len(data) != 4 {
		return nil, fmt.Sprintf("`.teleprobe.timeout` is %d bytes, expected 4, ignoring", len(data))
	}
	v := binary.LittleEndian.Uint32(data)
	return &v, ""
}

// resolveSymbols finds `main` (THUMB bit cleared) and `_SEGGER_RTT`,
// mirroring get_rtt_main_from.
func resolveSymbols(f *elf.File) (mainAddr uint32, rttAddr uint32, err error) {
	syms, symErr := f.Symbols()
	if symErr != nil {
		syms = nil
	}
	dynSyms, dynErr := f.DynamicSymbols()
	if dynErr == nil {
		syms = append(syms, dynSyms...)
	}

	var foundMain bool
	for _, sym := range syms {
		switch sym.Name {
		case "main":
			mainAddr = uint32(sym.Value) &^ thumbBit
			foundMain = true
		case "_SEGGER_RTT":
			rttAddr = uint32(sym.Value)
		}
	}
	if !foundMain {
		return 0, 0, fmt.Errorf("`main` symbol not found")
	}
	return mainAddr, rttAddr, nil
}

// DetectTarget reads the `.teleprobe.target` section clients use to
// auto-select a target, mirroring client.rs's detect_target.
func DetectTarget(elfBytes []byte) (string, error) {
	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return "", fmt.Errorf("parse elf: %w", err)
	}
	sect := f.Section(".teleprobe.target")
	if sect == nil {
		return "", fmt.Errorf(".teleprobe.target section not available")
	}
	data, err := sect.Data()
	if err != nil {
		return "", fmt.Errorf("read .teleprobe.target: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf(".teleprobe.target section is empty")
	}
	return string(data), nil
}

// LoadableSections returns the sections run.rs loads into the target
// (".vector_table", ".text", ".rodata", ".data"), each with its load
// address and raw bytes, in file order. Used by internal/flashboot to
// write the RAM image and by internal/probe's USB flash loader to program
// the flash image.
func LoadableSections(elfBytes []byte) ([]LoadableSection, error) {
	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	var out []LoadableSection
	for _, sect := range f.Sections {
		if !vectorTableSections[sect.Name] || sect.Size == 0 {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			return nil, fmt.Errorf("read section `%s`: %w", sect.Name, err)
		}
		out = append(out, LoadableSection{Name: sect.Name, Addr: uint32(sect.Addr), Data: data})
	}
	return out, nil
}

// LoadableSection is one section to be flashed or copied to RAM.
type LoadableSection struct {
	Name string
	Addr uint32
	Data []byte
}
