package elfview

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildELF hand-assembles the smallest ELF64/little-endian/x86-64
// image debug/elf will parse: one PT_LOAD segment carrying code, and
// an optional named section (used to exercise the .init_array/.ctors
// lookup) living inside that same segment's address range.
func buildELF(t *testing.T, entry uint64, segVaddr uint64, code []byte, segFlags elf.ProgFlag, sectionName string, sectionAddr, sectionSize uint64) []byte {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56
	const shdrSize = 64

	phoff := uint64(ehdrSize)
	dataOff := phoff + phdrSize // one program header
	// Section string table content: "\x00" + sectionName + "\x00" + ".shstrtab\x00"
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := 0
	if sectionName != "" {
		nameOff = shstrtab.Len()
		shstrtab.WriteString(sectionName)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := shstrtab.Len()
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	codeOff := dataOff
	shstrOff := codeOff + uint64(len(code))
	shoff := shstrOff + uint64(shstrtab.Len())

	var buf bytes.Buffer

	// e_ident
	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)

	writeU16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	writeU16(2)  // e_type = ET_EXEC
	writeU16(62) // e_machine = EM_X86_64
	writeU32(1)  // e_version
	writeU64(entry)
	writeU64(phoff)
	writeU64(shoff)
	writeU32(0) // e_flags
	writeU16(ehdrSize)
	writeU16(phdrSize)
	writeU16(1) // e_phnum
	writeU16(shdrSize)
	numSections := uint16(2) // null + .shstrtab
	sectionIdx := uint16(0)
	if sectionName != "" {
		numSections = 3
		sectionIdx = 1
	}
	writeU16(numSections)
	writeU16(numSections - 1) // e_shstrndx: last section is .shstrtab

	if buf.Len() != ehdrSize {
		t.Fatalf("internal test bug: ehdr is %d bytes, want %d", buf.Len(), ehdrSize)
	}

	// Program header: one PT_LOAD covering code.
	writeU32(uint32(elf.PT_LOAD))
	writeU32(uint32(segFlags))
	writeU64(codeOff)
	writeU64(segVaddr)
	writeU64(segVaddr)
	writeU64(uint64(len(code)))
	writeU64(uint64(len(code)))
	writeU64(0x1000)

	if buf.Len() != int(dataOff) {
		t.Fatalf("internal test bug: offset after phdr = %d, want %d", buf.Len(), dataOff)
	}

	buf.Write(code)
	buf.Write(shstrtab.Bytes())

	if uint64(buf.Len()) != shoff {
		t.Fatalf("internal test bug: offset before shdrs = %d, want %d", buf.Len(), shoff)
	}

	// Section 0: SHT_NULL.
	writeU32(0)
	writeU32(0)
	writeU64(0)
	writeU64(0)
	writeU64(0)
	writeU64(0)
	writeU32(0)
	writeU32(0)
	writeU64(0)
	writeU64(0)

	if sectionName != "" {
		writeU32(uint32(nameOff))
		writeU32(uint32(elf.SHT_PROGBITS))
		writeU64(0)
		writeU64(sectionAddr)
		writeU64(codeOff) // contents irrelevant; reuse code's offset
		writeU64(sectionSize)
		writeU32(0)
		writeU32(0)
		writeU64(8)
		writeU64(0)
	}

	// .shstrtab section.
	writeU32(uint32(shstrtabNameOff))
	writeU32(uint32(elf.SHT_STRTAB))
	writeU64(0)
	writeU64(0)
	writeU64(shstrOff)
	writeU64(uint64(shstrtab.Len()))
	writeU32(0)
	writeU32(0)
	writeU64(1)
	writeU64(0)

	_ = sectionIdx
	return buf.Bytes()
}

func TestLoadParsesEntryAndSegment(t *testing.T) {
	code := bytes.Repeat([]byte{0x90}, 32) // NOPs
	raw := buildELF(t, 0x401000, 0x401000, code, elf.PF_X|elf.PF_R, "", 0, 0)

	v, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Entry != 0x401000 {
		t.Fatalf("Entry = %#x, want 0x401000", v.Entry)
	}
	if len(v.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(v.Segments))
	}
	seg := v.Segments[0]
	if seg.Vaddr != 0x401000 {
		t.Fatalf("Segments[0].Vaddr = %#x, want 0x401000", seg.Vaddr)
	}
	if !bytes.Equal(seg.Data, code) {
		t.Fatalf("Segments[0].Data mismatch")
	}
	if seg.Flags&elf.PF_X == 0 {
		t.Fatal("Segments[0] should be executable")
	}
}

func TestLoadComputesPageAlignedBrk(t *testing.T) {
	code := bytes.Repeat([]byte{0x90}, 1)
	raw := buildELF(t, 0x1000, 0x1000, code, elf.PF_R|elf.PF_X, "", 0, 0)

	v, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Brk != 0x2000 {
		t.Fatalf("Brk = %#x, want 0x2000 (page-rounded top of the one-byte segment at 0x1000)", v.Brk)
	}
}

func TestCtorsFallsBackToInitArray(t *testing.T) {
	code := bytes.Repeat([]byte{0x90}, 16)
	raw := buildELF(t, 0x2000, 0x2000, code, elf.PF_R|elf.PF_X, ".init_array", 0x3000, 24)

	v, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	addr, count := v.Ctors()
	if addr != 0x3000 {
		t.Fatalf("Ctors() addr = %#x, want 0x3000", addr)
	}
	if count != 3 {
		t.Fatalf("Ctors() count = %d, want 3 (24 bytes / 8-byte pointers)", count)
	}
}

func TestCtorsAbsentWhenNoSection(t *testing.T) {
	code := bytes.Repeat([]byte{0x90}, 4)
	raw := buildELF(t, 0x1000, 0x1000, code, elf.PF_R|elf.PF_X, "", 0, 0)

	v, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	addr, count := v.Ctors()
	if addr != 0 || count != 0 {
		t.Fatalf("Ctors() = (%#x, %d), want (0, 0) when no .ctors/.init_array section exists", addr, count)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	if _, err := Load([]byte("not an elf file")); err == nil {
		t.Fatal("expected an error parsing non-ELF bytes")
	}
}
