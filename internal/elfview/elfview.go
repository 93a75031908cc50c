// Package elfview parses program and section headers of a guest
// kernel or target ELF image, exposing just enough to load it into
// guest memory and resolve the fixed symbols the hypervisor cares
// about (entry point, initial brk, .ctors). It does not perform
// dynamic linking or relocation of the target binary — that remains
// the out-of-scope ELF loader collaborator's job.
package elfview

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// Segment is one loadable program header, already filtered to
// PT_LOAD entries.
type Segment struct {
	Vaddr    uint64
	Filesz   uint64
	Memsz    uint64
	Flags    elf.ProgFlag
	Data     []byte // Filesz bytes read from the file
}

// View is a parsed ELF image: load address, entry, brk, and sections,
// per spec.md §4.2/§4.4.
type View struct {
	Entry    uint64
	Segments []Segment

	// Brk is the first address past every PT_LOAD segment, page
	// aligned up — the initial program break published via the
	// GetInfo hypercall descriptor.
	Brk uint64

	ctorsAddr  uint64
	ctorsCount uint32
	sections   map[string]*elf.Section
}

// Load parses an ELF image from raw bytes.
func Load(raw []byte) (*View, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elfview: parse: %w", err)
	}
	defer f.Close()

	v := &View{
		Entry:    f.Entry,
		sections: make(map[string]*elf.Section),
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			sr := prog.Open()
			if _, err := readFull(sr, data); err != nil {
				return nil, fmt.Errorf("elfview: read PT_LOAD at 0x%x: %w", prog.Vaddr, err)
			}
		}
		v.Segments = append(v.Segments, Segment{
			Vaddr:  prog.Vaddr,
			Filesz: prog.Filesz,
			Memsz:  prog.Memsz,
			Flags:  prog.Flags,
			Data:   data,
		})
		top := prog.Vaddr + prog.Memsz
		if top > v.Brk {
			v.Brk = top
		}
	}
	v.Brk = roundUpPage(v.Brk)

	for _, s := range f.Sections {
		v.sections[s.Name] = s
	}
	if ctors := v.sections[".ctors"]; ctors != nil {
		v.ctorsAddr = ctors.Addr
		v.ctorsCount = uint32(ctors.Size / 8) // array of function pointers
	} else if initArray := v.sections[".init_array"]; initArray != nil {
		v.ctorsAddr = initArray.Addr
		v.ctorsCount = uint32(initArray.Size / 8)
	}

	return v, nil
}

// Ctors returns the vaddr and count of the constructor table
// (.ctors or, on toolchains that emit it instead, .init_array).
// spec.md invariant: "once published to the guest via the info
// hypercall, never relocated" — this view is read once at boot and
// the address handed to the guest is never recomputed afterward.
func (v *View) Ctors() (addr uint64, count uint32) {
	return v.ctorsAddr, v.ctorsCount
}

// Section returns a named section, or nil if absent.
func (v *View) Section(name string) *elf.Section {
	return v.sections[name]
}

func roundUpPage(n uint64) uint64 {
	const page = 4096
	return (n + page - 1) &^ (page - 1)
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}
