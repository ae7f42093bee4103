// Package defmt decodes the deferred-formatting log protocol firmware
// emits over RTT: the target writes a small interned index plus packed
// argument bytes, and the host resolves the format string and source
// location from a table built out of the ELF at flash time. Grounded on
// run.rs's use of the defmt-decoder crate, reimplemented here since no Go
// defmt library exists in the example corpus: the table is read back out
// of a `.defmt` linker section the same way elf2table does, one symbol
// per call site, its name holding the call-site metadata as JSON and its
// value holding the interned index.
package defmt

import (
	"debug/elf"
	"encoding/json"
	"fmt"
)

// Location is the (file, line, module) a decoded frame's index resolves
// to, plus its format string and declared level.
type Location struct {
	Format string `json:"format"`
	Level  string `json:"level"`
	Module string `json:"module"`
	File   string `json:"file"`
	Line   uint32 `json:"line"`
}

// Table is the call-site metadata for every interned log statement in one
// firmware image, keyed by interned index. It owns everything a
// StreamDecoder needs to resolve a frame; a decoder is built with
// NewStreamDecoder(table) and borrows the table for its lifetime.
type Table struct {
	locations map[uint64]Location
}

// BuildTable scans an ELF's `.defmt` section symbols. Each symbol's name
// is a JSON-encoded Location, and its value is the interned index the
// target refers to it by. An ELF with no `.defmt` section yields an empty,
// valid table: images built without defmt logging still run, they just
// never produce frames.
func BuildTable(f *elf.File) (*Table, error) {
	t := &Table{locations: map[uint64]Location{}}

	sect := f.Section(".defmt")
	if sect == nil {
		return t, nil
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}
	for _, sym := range syms {
		if int(sym.Section) < 0 || int(sym.Section) >= len(f.Sections) {
			continue
		}
		if f.Sections[sym.Section] != sect {
			continue
		}
		var loc Location
		if err := json.Unmarshal([]byte(sym.Name), &loc); err != nil {
			return nil, fmt.Errorf("malformed .defmt entry %q: %w", sym.Name, err)
		}
		t.locations[sym.Value] = loc
	}
	return t, nil
}

// Lookup resolves an interned index to its call-site Location.
func (t *Table) Lookup(index uint64) (Location, bool) {
	loc, ok := t.locations[index]
	return loc, ok
}

func levelOrDefault(level string) string {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return level
	case "":
		return "info"
	default:
		return "error"
	}
}
