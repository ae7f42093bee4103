// Package elftest builds minimal, valid ARM ELF32 images for tests across
// the elfinfo/flashboot/runner/crashdump packages, standing in for a real
// cortex-m-rt-linked firmware binary.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Symbol is one entry to place in the image's symbol table.
type Symbol struct {
	Name  string
	Value uint32
}

// DefmtEntry is one call-site entry of a `.defmt` section: Name holds the
// JSON-encoded defmt.Location, Value the interned index.
type DefmtEntry struct {
	Name  string
	Value uint32
}

// Options configures Build.
type Options struct {
	VectorTableAddr  uint32
	InitialSP        uint32
	ResetHandler     uint32
	HardFaultAddr    uint32
	Symbols          []Symbol
	TeleprobeTarget  string       // if non-empty, adds a `.teleprobe.target` section
	TeleprobeTimeout []byte       // if non-nil, adds a `.teleprobe.timeout` section with these raw bytes
	DefmtEntries     []DefmtEntry // if non-empty, adds a `.defmt` section plus matching symbols
}

type sectionDef struct {
	name  string
	typ   elf.SectionType
	addr  uint32
	data  []byte
	flags elf.SectionFlag
	link  uint32
	info  uint32
	ent   uint32
}

// Build assembles a minimal little-endian ARM ELF32 image with a
// `.vector_table` section and a symbol table, sufficient for
// elfinfo.Analyze and elfinfo.DetectTarget to operate on.
func Build(opts Options) []byte {
	vtData := make([]byte, 16)
	binary.LittleEndian.PutUint32(vtData[0:4], opts.InitialSP)
	binary.LittleEndian.PutUint32(vtData[4:8], opts.ResetHandler)
	binary.LittleEndian.PutUint32(vtData[12:16], opts.HardFaultAddr)

	sections := []sectionDef{
		{name: ""},
		{name: ".vector_table", typ: elf.SHT_PROGBITS, addr: opts.VectorTableAddr, data: vtData, flags: elf.SHF_ALLOC},
	}
	if opts.TeleprobeTarget != "" {
		sections = append(sections, sectionDef{name: ".teleprobe.target", typ: elf.SHT_PROGBITS, data: []byte(opts.TeleprobeTarget)})
	}
	if opts.TeleprobeTimeout != nil {
		sections = append(sections, sectionDef{name: ".teleprobe.timeout", typ: elf.SHT_PROGBITS, data: opts.TeleprobeTimeout})
	}
	var defmtIdx uint32
	if len(opts.DefmtEntries) > 0 {
		defmtIdx = uint32(len(sections))
		sections = append(sections, sectionDef{name: ".defmt", typ: elf.SHT_PROGBITS})
	}

	strtab := newStrtab()
	symtab := make([]byte, 16) // null symbol
	writeSym := func(name string, value uint32, shndx uint16) {
		nameOff := strtab.add(name)
		entry := make([]byte, 16)
		binary.LittleEndian.PutUint32(entry[0:4], nameOff)
		binary.LittleEndian.PutUint32(entry[4:8], value)
		entry[12] = byte(elf.STT_FUNC) | byte(elf.STB_GLOBAL)<<4
		binary.LittleEndian.PutUint16(entry[14:16], shndx)
		symtab = append(symtab, entry...)
	}
	for _, s := range opts.Symbols {
		writeSym(s.Name, s.Value, 0xfff1) // SHN_ABS: ordinary code symbols, section irrelevant here
	}
	for _, d := range opts.DefmtEntries {
		writeSym(d.Name, d.Value, uint16(defmtIdx))
	}

	symtabIdx := len(sections)
	sections = append(sections, sectionDef{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, ent: 16, info: 1})
	strtabIdx := len(sections)
	sections = append(sections, sectionDef{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab.bytes()})
	sections[symtabIdx].link = uint32(strtabIdx)

	shstrtabIdx := len(sections)
	sections = append(sections, sectionDef{name: ".shstrtab", typ: elf.SHT_STRTAB})

	shstrtab := newStrtab()
	nameOffs := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffs[i] = shstrtab.add(s.name)
	}
	sections[shstrtabIdx].data = shstrtab.bytes()

	const ehsize = 52
	const shentsize = 40

	dataStart := ehsize
	offsets := make([]uint32, len(sections))
	sizes := make([]uint32, len(sections))
	cur := dataStart
	var body []byte
	for i, s := range sections {
		offsets[i] = uint32(cur)
		sizes[i] = uint32(len(s.data))
		body = append(body, s.data...)
		cur += len(s.data)
	}
	shoff := uint32(dataStart + len(body))

	shdrs := make([]byte, shentsize*len(sections))
	for i, s := range sections {
		o := shdrs[i*shentsize : (i+1)*shentsize]
		binary.LittleEndian.PutUint32(o[0:4], nameOffs[i])
		binary.LittleEndian.PutUint32(o[4:8], uint32(s.typ))
		binary.LittleEndian.PutUint32(o[8:12], uint32(s.flags))
		binary.LittleEndian.PutUint32(o[12:16], s.addr)
		binary.LittleEndian.PutUint32(o[16:20], offsets[i])
		binary.LittleEndian.PutUint32(o[20:24], sizes[i])
		binary.LittleEndian.PutUint32(o[24:28], s.link)
		binary.LittleEndian.PutUint32(o[28:32], s.info)
		binary.LittleEndian.PutUint32(o[36:40], s.ent)
	}

	out := make([]byte, ehsize)
	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 1 // ELFCLASS32
	out[5] = 1 // little endian
	out[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(out[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(out[18:20], uint16(elf.EM_ARM))
	binary.LittleEndian.PutUint32(out[20:24], 1)
	binary.LittleEndian.PutUint32(out[32:36], shoff)
	binary.LittleEndian.PutUint16(out[40:42], uint16(ehsize))
	binary.LittleEndian.PutUint16(out[46:48], uint16(shentsize))
	binary.LittleEndian.PutUint16(out[48:50], uint16(len(sections)))
	binary.LittleEndian.PutUint16(out[50:52], uint16(shstrtabIdx))

	out = append(out, body...)
	out = append(out, shdrs...)
	return out
}

type strtabBuilder struct {
	buf []byte
}

func newStrtab() *strtabBuilder {
	return &strtabBuilder{buf: []byte{0}}
}

func (s *strtabBuilder) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	return off
}

func (s *strtabBuilder) bytes() []byte { return s.buf }
