// Package hypercall decodes and dispatches the paravirtual boundary by
// which the guest kernel requests memory and host services from the
// hypervisor (spec.md §4.4). The call number arrives in the same
// register used to carry the return value (rax, by convention); the
// standard argument registers (rdi, rsi, rdx, rcx) carry up to four
// arguments. The call set is closed and co-designed with the guest
// kernel — dispatch is a switch over a fixed tagged union, not an open
// registry (spec.md §9 design notes).
package hypercall

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/mmu"
	"github.com/snapfuzz/snapfuzz/internal/regs"
)

// Number identifies a hypercall, per spec.md §4.4's table.
type Number uint64

const (
	Test        Number = 0
	Mmap        Number = 1
	Ready       Number = 2
	Print       Number = 3
	GetInfo     Number = 4
	GetFileLen  Number = 5
	GetFileName Number = 6
	SetFileBuf  Number = 7
	EndRun      Number = 8
)

func (n Number) String() string {
	switch n {
	case Test:
		return "Test"
	case Mmap:
		return "Mmap"
	case Ready:
		return "Ready"
	case Print:
		return "Print"
	case GetInfo:
		return "GetInfo"
	case GetFileLen:
		return "GetFileLen"
	case GetFileName:
		return "GetFileName"
	case SetFileBuf:
		return "SetFileBuf"
	case EndRun:
		return "EndRun"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(n))
	}
}

// Mmap request flag bits (arg3 of the Mmap hypercall). Only
// private+anonymous(+fixed) is accepted; the guest kernel never
// requests file-backed or shared mappings.
const (
	MapPrivate uint64 = 1 << 0
	MapAnon    uint64 = 1 << 1
	MapFixed   uint64 = 1 << 2
)

// ProtocolViolation is a malformed hypercall from the guest kernel
// (unsupported mmap flags, an out-of-range file index, ...). Per
// spec.md §7 this is fatal — the guest kernel is part of the trusted
// base, so a violation indicates a hypervisor/kernel ABI mismatch, not
// fuzz-target data.
type ProtocolViolation struct {
	Call   Number
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("hypercall: protocol violation in %s: %s", e.Call, e.Reason)
}

// Diagnostic is returned for the Test hypercall, which terminates the
// whole fuzzer (not just this iteration) with a message the guest
// supplied for debugging the kernel/hypervisor ABI itself.
type Diagnostic struct {
	Arg uint64
}

func (e *Diagnostic) Error() string {
	return fmt.Sprintf("hypercall: guest Test diagnostic, arg=0x%x", e.Arg)
}

// FileSlot is the hypervisor's view of one guest-visible input file
// (spec.md §3 "File descriptor (guest view)").
type FileSlot struct {
	Name     string
	Data     []byte
	GuestBuf uint64 // 0 until SetFileBuf has been called
}

// Info is the fixed descriptor published once, during boot, via
// GetInfo (spec.md §4.4). Magic and Version are this repo's addition
// to spec.md's enumeration, closing the gap spec.md §6 calls out
// ("compatibility is maintained by versioning the descriptor and
// asserting a magic field") without spec.md ever listing those two
// fields among GetInfo's contents.
type Info struct {
	TargetPath string
	InitialBrk uint64
	NumFiles   uint32
	CtorsVaddr uint64
	NumCtors   uint32
}

const (
	infoMagic   uint32 = 0x534e465a // "SNFZ"
	infoVersion uint32 = 1
	pathMax     int    = 4096
)

// encode lays the descriptor out as fixed-width little-endian fields,
// matching what a guest kernel parses with a plain C struct: magic,
// version, target path (NUL-terminated, padded to pathMax), initial
// brk, file count, .ctors vaddr, constructor count.
func (info Info) encode() []byte {
	buf := make([]byte, 4+4+pathMax+8+4+8+4)
	off := 0
	putU32 := func(v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
		off += 4
	}
	putU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
		off += 8
	}

	putU32(infoMagic)
	putU32(infoVersion)
	copy(buf[off:off+pathMax-1], info.TargetPath)
	off += pathMax
	putU64(info.InitialBrk)
	putU32(info.NumFiles)
	putU64(info.CtorsVaddr)
	putU32(info.NumCtors)
	return buf
}

// Target is everything Dispatch needs from the VM it is running
// against. internal/vm's VmInstance implements it; keeping it as an
// interface here avoids a dependency cycle (vm depends on hypercall,
// not the reverse).
type Target interface {
	Memory() *mmu.MMU
	Regs() *regs.File
	Files() []*FileSlot
	Info() Info
	SetReady()
	RequestExit()
	Print(line string)
}

// argRegs returns the up-to-four argument registers in System V order
// (rdi, rsi, rdx, rcx), the convention spec.md §4.4 assumes.
func argRegs(r *regs.File) (a0, a1, a2, a3 uint64) {
	return r.RDI(), r.RSI(), r.RDX(), r.RCX()
}

// Dispatch decodes the call number from rax and executes it against
// target, writing any return value back to rax. Guest faults and
// timeouts never reach here — those are classified by the VM's exit
// handling before a hypercall would even be decoded.
func Dispatch(t Target) error {
	r := t.Regs()
	call := Number(r.RAX())
	a0, a1, a2, a3 := argRegs(r)

	switch call {
	case Test:
		return &Diagnostic{Arg: a0}

	case Mmap:
		ret, err := doMmap(t, a0, a1, a2, a3)
		if err != nil {
			return err
		}
		r.SetRAX(ret)

	case Ready:
		t.SetReady()

	case Print:
		s, err := t.Memory().ReadString(a0)
		if err != nil {
			return err
		}
		t.Print("[KERNEL] " + string(s))

	case GetInfo:
		info := t.Info()
		if err := t.Memory().Write(a0, info.encode()); err != nil {
			return err
		}

	case GetFileLen:
		files := t.Files()
		if a0 >= uint64(len(files)) {
			return &ProtocolViolation{Call: call, Reason: fmt.Sprintf("file index %d out of range (%d files)", a0, len(files))}
		}
		r.SetRAX(uint64(len(files[a0].Data)) + 1) // +1 for NUL

	case GetFileName:
		files := t.Files()
		if a0 >= uint64(len(files)) {
			return &ProtocolViolation{Call: call, Reason: fmt.Sprintf("file index %d out of range (%d files)", a0, len(files))}
		}
		name := files[a0].Name
		if err := t.Memory().Write(a1, append([]byte(name), 0)); err != nil {
			return err
		}

	case SetFileBuf:
		files := t.Files()
		if a0 >= uint64(len(files)) {
			return &ProtocolViolation{Call: call, Reason: fmt.Sprintf("file index %d out of range (%d files)", a0, len(files))}
		}
		f := files[a0]
		f.GuestBuf = a1
		if err := t.Memory().Write(a1, f.Data); err != nil {
			return err
		}

	case EndRun:
		t.RequestExit()

	default:
		return &ProtocolViolation{Call: call, Reason: "unrecognized call number"}
	}
	return nil
}

func doMmap(t Target, vaddr, size, pageFlagsRaw, mmapFlags uint64) (uint64, error) {
	const supported = MapPrivate | MapAnon | MapFixed
	if mmapFlags&^supported != 0 || mmapFlags&(MapPrivate|MapAnon) != (MapPrivate|MapAnon) {
		return 0, &ProtocolViolation{
			Call:   Mmap,
			Reason: fmt.Sprintf("unsupported mmap flags 0x%x (only private|anonymous(|fixed) accepted)", mmapFlags),
		}
	}
	pageFlags := mmu.Flags(pageFlagsRaw) | mmu.Present

	if mmapFlags&MapFixed != 0 {
		if err := t.Memory().AllocAt(vaddr, size, pageFlags); err != nil {
			return 0, err
		}
		return vaddr, nil
	}
	return t.Memory().Alloc(size, pageFlags)
}
