// Package kvm wraps the /dev/kvm ioctl boundary: VM and vCPU creation,
// guest memory registration, register get/set, run/exit, dirty-bitmap
// retrieval, and guest debug (breakpoint) configuration.
package kvm

import "unsafe"

// Linux ioctl request encoding (include/uapi/asm-generic/ioctl.h).
// golang.org/x/sys/unix does not expose these for arbitrary structs, so
// we compute them the same way the kernel headers do.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmioType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmioType << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func io(nr uintptr) uintptr            { return ioc(iocNone, nr, 0) }
func ior(nr uintptr, sz uintptr) uintptr  { return ioc(iocRead, nr, sz) }
func iow(nr uintptr, sz uintptr) uintptr  { return ioc(iocWrite, nr, sz) }
func iowr(nr uintptr, sz uintptr) uintptr { return ioc(iocWrite|iocRead, nr, sz) }

// Request numbers, mirroring linux/kvm.h.
var (
	kvmCreateVM            = io(0x01)
	kvmGetVCPUMmapSize     = io(0x04)
	kvmSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmCreateVCPU          = io(0x41)
	kvmGetDirtyLog         = iow(0x42, unsafe.Sizeof(dirtyLogHeader{}))
	kvmRun                 = io(0x80)
	kvmGetRegs             = ior(0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = iow(0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = ior(0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = iow(0x84, unsafe.Sizeof(Sregs{}))
	kvmSetGuestDebug       = iow(0x9b, unsafe.Sizeof(GuestDebug{}))
)

// Exit reasons, mirroring linux/kvm.h KVM_EXIT_*.
const (
	ExitUnknown   uint32 = 0
	ExitIO        uint32 = 2
	ExitHLT       uint32 = 5
	ExitMMIO      uint32 = 6
	ExitShutdown  uint32 = 8
	ExitFailEntry uint32 = 9
	ExitDebug     uint32 = 4
	ExitIntr      uint32 = 10
)

// IO direction within a kvm_run.io exit.
const (
	IODirOut uint8 = 0
	IODirIn  uint8 = 1
)

// Guest debug control bits (KVM_GUESTDBG_*), used to arm software
// breakpoints and single-step for the two coverage strategies.
const (
	GuestDebugEnable      uint32 = 1 << 0
	GuestDebugSingleStep  uint32 = 1 << 1
	GuestDebugUseSWBreakpoint uint32 = 1 << 16
)
