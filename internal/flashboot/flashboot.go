// Package flashboot decides whether a firmware image is flash-resident
// or RAM-resident by consulting the target chip's memory map, and, for
// flash-resident images, programs it. Grounded on run.rs's Runner::new
// (the run_from_ram classification and the flash/commit sequence).
package flashboot

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"teleprobe/internal/chipdb"
	"teleprobe/internal/elfinfo"
	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
)

var log = logcapture.New("flashboot")

const haltTimeout = time.Second

// Mode is where the vector table lives, and therefore how the image gets
// onto the target.
type Mode int

const (
	// ModeFlash means the vector table lives in NVM: the image must be
	// programmed into flash before it can run.
	ModeFlash Mode = iota
	// ModeRAM means the vector table lives in RAM/Generic memory: the
	// runner downloads straight into RAM and sets PC/SP/VTOR directly,
	// no flash programming involved.
	ModeRAM
)

// ClassifyRunMode decides ModeFlash vs ModeRAM for a vector table at
// vectorTableAddr on chip, mirroring run.rs's run_from_ram match over
// MemoryRegion::{Ram,Generic,Nvm}.
func ClassifyRunMode(chip chipdb.ChipInfo, vectorTableAddr uint32) (Mode, error) {
	ram, err := chip.RunFromRAM(uint64(vectorTableAddr))
	if err != nil {
		return 0, err
	}
	if ram {
		return ModeRAM, nil
	}
	return ModeFlash, nil
}

// ResetOtherCores resets every core except core 0, needed so e.g. RP2040
// core 1 stops executing stale code while core 0 is being flashed.
func ResetOtherCores(sess probe.Session) error {
	for _, i := range sess.ListCores() {
		if i == 0 {
			continue
		}
		core, err := sess.Core(i)
		if err != nil {
			return fmt.Errorf("core %d: %w", i, err)
		}
		if err := core.Reset(); err != nil {
			return fmt.Errorf("reset core %d: %w", i, err)
		}
	}
	return nil
}

// Program prepares sess to run elfBytes according to mode: for ModeFlash
// it halts core 0 and streams the image through the session's
// FlashLoader with keep_unwritten_bytes/verify semantics; for ModeRAM it
// halts core 0 and writes the same loadable sections directly into target
// RAM instead, since probe-rs's loader abstraction (which this mirrors)
// treats NVM-programming and plain RAM writes as the same "load the
// image" step regardless of run_from_ram.
func Program(ctx context.Context, sess probe.Session, elfBytes []byte, mode Mode) error {
	core, err := sess.Core(0)
	if err != nil {
		return fmt.Errorf("core 0: %w", err)
	}
	if err := core.ResetAndHalt(haltTimeout); err != nil {
		return fmt.Errorf("reset_and_halt core 0: %w", err)
	}

	if mode == ModeRAM {
		log.Debug(ctx, "run_from_ram: true, writing image directly into RAM")
		if err := writeSectionsToRAM(core, elfBytes); err != nil {
			return fmt.Errorf("ram load: %w", err)
		}
		log.Info(ctx, "ram load done")
		return nil
	}
	log.Debug(ctx, "run_from_ram: false, flashing program")

	if err := sess.FlashLoader().LoadAndCommit(elfBytes, true); err != nil {
		return fmt.Errorf("flash program: %w", err)
	}
	log.Info(ctx, "flashing done")
	return nil
}

// writeSectionsToRAM writes every loadable section's bytes directly to its
// load address, word by word with a trailing partial-word write, the same
// way usbFlashLoader.LoadAndCommit streams a flash image.
func writeSectionsToRAM(core probe.Core, elfBytes []byte) error {
	sections, err := elfinfo.LoadableSections(elfBytes)
	if err != nil {
		return fmt.Errorf("parse loadable sections: %w", err)
	}
	for _, sect := range sections {
		i := 0
		for ; i+4 <= len(sect.Data); i += 4 {
			addr := sect.Addr + uint32(i)
			word := binary.LittleEndian.Uint32(sect.Data[i : i+4])
			if err := core.WriteWord32(addr, word); err != nil {
				return fmt.Errorf("write %s+%#x: %w", sect.Name, i, err)
			}
		}
		if i < len(sect.Data) {
			addr := sect.Addr + uint32(i)
			if err := core.Write8(addr, sect.Data[i:]); err != nil {
				return fmt.Errorf("write %s+%#x: %w", sect.Name, i, err)
			}
		}
	}
	return nil
}
