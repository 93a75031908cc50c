package kvm

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchdogSignal is sent to a vCPU's OS thread to force a blocked
// KVM_RUN to return -EINTR. It must have a registered handler (even a
// no-op one) or the process would die on delivery; init registers one
// that is never meant to be read from, only to exist.
const watchdogSignal = unix.SIGUSR1

func init() {
	signal.Notify(make(chan os.Signal, 1), watchdogSignal)
}

// ErrInterrupted is returned by Exec when it was stopped by Interrupt
// rather than by the guest itself causing a vm-exit.
var ErrInterrupted = errors.New("kvm: KVM_RUN interrupted")

// Device wraps the process-wide handle to /dev/kvm. It is opened once
// and shared across every VM instance (spec: "the only process-wide
// initialization is opening a handle to the virtualization API; that
// handle is cloneable and shared").
type Device struct {
	fd int
}

// OpenDevice opens /dev/kvm for VM and vCPU creation.
func OpenDevice() (*Device, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	return &Device{fd: fd}, nil
}

// Close releases the device handle. Safe to call once all VMs created
// from it have been closed.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// VM is one KVM virtual-machine file descriptor: the container for a
// guest-physical address space and its vCPUs.
type VM struct {
	fd int
}

// CreateVM asks KVM for a new VM file descriptor.
func (d *Device) CreateVM() (*VM, error) {
	fd, err := ioctl(d.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", err)
	}
	return &VM{fd: int(fd)}, nil
}

// Close releases the VM file descriptor.
func (vm *VM) Close() error {
	if vm.fd < 0 {
		return nil
	}
	err := unix.Close(vm.fd)
	vm.fd = -1
	return err
}

// SetUserMemoryRegion registers a host memory region as guest-physical
// memory starting at guestPhysAddr. slot identifies the region for
// later KVM_GET_DIRTY_LOG calls.
func (vm *VM) SetUserMemoryRegion(slot uint32, guestPhysAddr uint64, hostMem []byte) error {
	const memLogDirtyPages = 1 << 0 // KVM_MEM_LOG_DIRTY_PAGES, required by KVM_GET_DIRTY_LOG
	region := UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         memLogDirtyPages,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(hostMem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&hostMem[0]))),
	}
	_, err := ioctl(vm.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION(slot=%d): %w", slot, err)
	}
	return nil
}

// GetDirtyLog returns a bitmap with one bit per 4KiB page in the
// region registered as slot, set for every page KVM observed written
// since the last call (or since registration, for the first call).
// npages is the number of pages the slot covers.
func (vm *VM) GetDirtyLog(slot uint32, npages int) ([]uint64, error) {
	words := (npages + 63) / 64
	if words == 0 {
		words = 1
	}
	bitmap := make([]uint64, words)
	hdr := dirtyLogHeader{
		Slot:   slot,
		Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	if _, err := ioctl(vm.fd, kvmGetDirtyLog, uintptr(unsafe.Pointer(&hdr))); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_DIRTY_LOG(slot=%d): %w", slot, err)
	}
	return bitmap, nil
}

// GetVCPUMmapSize reports the size of the shared kvm_run region that
// must be mmap'd over every vCPU file descriptor.
func (d *Device) GetVCPUMmapSize() (int, error) {
	sz, err := ioctl(d.fd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(sz), nil
}

// VCPU is one KVM virtual-CPU file descriptor plus its mmap'd kvm_run
// page.
type VCPU struct {
	fd      int
	runMmap []byte
	Run     *RunData

	tid         int32 // OS thread id currently (or most recently) blocked in Exec
	interrupted int32 // set by Interrupt, consumed by Exec
}

// CreateVCPU creates vCPU number id within vm and mmaps its kvm_run
// structure, using mmapSize from Device.GetVCPUMmapSize.
func (vm *VM) CreateVCPU(id int, mmapSize int) (*VCPU, error) {
	fd, err := ioctl(vm.fd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU(%d): %w", id, err)
	}
	mmap, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvm: mmap kvm_run for vCPU %d: %w", id, err)
	}
	return &VCPU{
		fd:      int(fd),
		runMmap: mmap,
		Run:     (*RunData)(unsafe.Pointer(&mmap[0])),
	}, nil
}

// Close unmaps kvm_run and closes the vCPU file descriptor.
func (v *VCPU) Close() error {
	if v.runMmap != nil {
		unix.Munmap(v.runMmap)
		v.runMmap = nil
		v.Run = nil
	}
	if v.fd < 0 {
		return nil
	}
	err := unix.Close(v.fd)
	v.fd = -1
	return err
}

// Exec issues KVM_RUN, blocking until the next vm-exit. Returns nil on
// a benign EINTR-free exit; vCPU.Run.ExitReason classifies the exit.
// If another goroutine calls Interrupt while this call is blocked (or
// just about to block) in KVM_RUN, Exec returns ErrInterrupted instead
// of retrying — this is the only way to get a vCPU stuck in a guest
// that never voluntarily exits (an infinite loop) to return at all.
func (v *VCPU) Exec() error {
	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))
	for {
		_, err := ioctl(v.fd, kvmRun, 0)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			if atomic.CompareAndSwapInt32(&v.interrupted, 1, 0) {
				v.Run.ImmediateExit = 0
				return ErrInterrupted
			}
			continue
		}
		return fmt.Errorf("kvm: KVM_RUN: %w", err)
	}
}

// Interrupt forces a concurrent or upcoming Exec call to return
// ErrInterrupted rather than running (or continuing to run) the
// guest. It sets kvm_run.immediate_exit, which makes the next KVM_RUN
// entry return immediately, and sends watchdogSignal to the OS thread
// Exec last recorded, which makes an already-blocked KVM_RUN return
// -EINTR right away instead of waiting for the guest to exit on its
// own. Safe to call even if Exec is not currently running.
func (v *VCPU) Interrupt() {
	atomic.StoreInt32(&v.interrupted, 1)
	if v.Run != nil {
		v.Run.ImmediateExit = 1
	}
	if tid := atomic.LoadInt32(&v.tid); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), watchdogSignal)
	}
}

// GetRegs fetches the vCPU's general-purpose registers.
func (v *VCPU) GetRegs() (Regs, error) {
	var regs Regs
	_, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return Regs{}, fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}
	return regs, nil
}

// SetRegs pushes general-purpose registers to the vCPU.
func (v *VCPU) SetRegs(regs Regs) error {
	_, err := ioctl(v.fd, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", err)
	}
	return nil
}

// GetSregs fetches segment and control registers.
func (v *VCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(v.fd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return Sregs{}, fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}
	return sregs, nil
}

// SetSregs pushes segment and control registers.
func (v *VCPU) SetSregs(sregs Sregs) error {
	_, err := ioctl(v.fd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// SetGuestDebug arms or disarms software breakpoints / single-step,
// used by the two coverage collector strategies.
func (v *VCPU) SetGuestDebug(control uint32) error {
	dbg := GuestDebug{Control: control}
	_, err := ioctl(v.fd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&dbg)))
	if err != nil {
		return fmt.Errorf("kvm: KVM_SET_GUEST_DEBUG: %w", err)
	}
	return nil
}

// IOExit decodes a KVM_EXIT_IO payload: direction, port, per-item
// size, repeat count, and a slice over the transfer's data buffer
// (aliasing the mmap'd kvm_run region — write into it to answer an
// IODirIn read).
func (r *RunData) IOExit() (dir uint8, port uint16, size uint8, count uint32, data []byte) {
	io := (*ioExit)(unsafe.Pointer(&r.Union[0]))
	base := uintptr(unsafe.Pointer(r))
	ptr := unsafe.Pointer(base + uintptr(io.DataOffset))
	n := int(io.Size) * int(io.Count)
	if n <= 0 {
		n = int(io.Size)
	}
	return io.Direction, io.Port, io.Size, io.Count, unsafe.Slice((*byte)(ptr), n)
}

// MMIOExit decodes a KVM_EXIT_MMIO payload.
func (r *RunData) MMIOExit() (physAddr uint64, data []byte, isWrite bool) {
	m := (*mmioExit)(unsafe.Pointer(&r.Union[0]))
	n := int(m.Len)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.PhysAddr, m.Data[:n], m.IsWrite != 0
}

// DebugExit decodes a KVM_EXIT_DEBUG payload.
func (r *RunData) DebugExit() (pc uint64, dr6 uint64) {
	d := (*debugExit)(unsafe.Pointer(&r.Union[0]))
	return d.PC, d.DR6
}
