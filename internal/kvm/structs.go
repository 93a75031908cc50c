package kvm

// Regs mirrors struct kvm_regs (x86-64): general-purpose registers
// plus rip/rflags. Field order and width must match the kernel ABI
// exactly since it is copied via ioctl, not encoded.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8 // padding
}

// Dtable mirrors struct kvm_dtable (GDTR/IDTR).
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Dtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// dirtyLogHeader mirrors struct kvm_dirty_log; the bitmap pointer is
// filled in by GetDirtyLog from a caller-supplied buffer.
type dirtyLogHeader struct {
	Slot    uint32
	_       uint32
	Bitmap  uint64
}

// GuestDebug mirrors struct kvm_guest_debug (the subset this fuzzer
// uses: control flags and up to 4 hardware breakpoint/watchpoint
// address registers, unused by the software-breakpoint path but part
// of the fixed-size kernel struct so the ioctl size matches).
type GuestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64 // dr0-dr3, pad, dr6, dr7, pad
}

// ioExit mirrors the `io` member of the kvm_run exit union.
type ioExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// mmioExit mirrors the `mmio` member of the kvm_run exit union.
type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// debugExit mirrors the `debug.arch` member of the kvm_run exit union.
type debugExit struct {
	Exception uint32
	_         uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

// RunData mirrors the fixed-size prefix of struct kvm_run plus enough
// of the exit-reason union to decode KVM_EXIT_IO, KVM_EXIT_MMIO, and
// KVM_EXIT_DEBUG. The kernel's real kvm_run is larger (it extends past
// the union with the mmap'd register-sync area); only the prefix is
// ever interpreted as typed data here, the rest is reached through the
// mmap'd byte slice directly.
type RunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8

	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8

	CR8      uint64
	ApicBase uint64

	// Union payload for IO/MMIO/Debug exits. Large enough to hold any
	// of ioExit, mmioExit, or debugExit plus the IO data buffer itself
	// for small (<=8 byte) non-string port transfers.
	Union [256]byte
}
