// Package vm owns the lifecycle of one KVM virtual machine running the
// fuzz harness's guest kernel, from a cold boot through repeated
// snapshot/reset fuzzing iterations (spec.md §4.2, §6).
//
// Boot runs a single "template" machine to its designated fuzz entry
// point and Capture records it as a Snapshot. Each worker then Clones its own
// independent VmInstance from that Snapshot and repeatedly Runs and
// Resets it — Reset uses KVM's dirty log so only pages the previous
// iteration actually touched are copied back, rather than the whole
// address space.
package vm

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapfuzz/snapfuzz/internal/elfview"
	"github.com/snapfuzz/snapfuzz/internal/hypercall"
	"github.com/snapfuzz/snapfuzz/internal/kvm"
	"github.com/snapfuzz/snapfuzz/internal/mmu"
	"github.com/snapfuzz/snapfuzz/internal/regs"
)

// HypercallPort is the I/O port the guest kernel's hypercall stub
// writes to. Every ExitIO on any other port is a protocol violation —
// this design has no legacy device surface (serial, PIC, PIT, ...)
// behind it, only the hypercall boundary.
const HypercallPort uint16 = 0x505

// Outcome classifies how a fuzzing iteration ended.
type Outcome int

const (
	OutcomeExit Outcome = iota
	OutcomeCrash
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExit:
		return "exit"
	case OutcomeCrash:
		return "crash"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// RunResult is what one Run call reports. Fault is non-nil whenever
// Outcome is OutcomeCrash or OutcomeTimeout, and is what the corpus
// deduplicates crashes on (spec.md §3).
type RunResult struct {
	Outcome Outcome
	Detail  string
	Fault   *Fault
}

// Snapshot is the frozen state of the guest immediately after it calls
// the Ready hypercall — the fuzz entry point, per spec.md §4.2. Clone
// stamps out independent VmInstances from it.
type Snapshot struct {
	MemorySize uint64
	Memory     []byte
	FreeFrames []uint32

	GP        kvm.Regs
	Sregs     kvm.Sregs
	MMURoot   uint64
	MMUNextVA uint64

	Info  hypercall.Info
	Files []*hypercall.FileSlot
}

// VmInstance is one runnable clone of a Snapshot: its own KVM VM/vCPU
// and frame pool, independent of every other worker's instance.
type VmInstance struct {
	log *logrus.Entry

	dev   *kvm.Device
	kvmvm *kvm.VM
	vcpu  *kvm.VCPU

	pool *mmu.FramePool
	mmu  *mmu.MMU
	regs *regs.File

	files         []*hypercall.FileSlot
	info          hypercall.Info
	ready         bool
	exitRequested bool
}

// Memory, Regs, Files, Info, SetReady, RequestExit, Print implement
// hypercall.Target.
func (inst *VmInstance) Memory() *mmu.MMU             { return inst.mmu }
func (inst *VmInstance) Regs() *regs.File             { return inst.regs }
func (inst *VmInstance) Files() []*hypercall.FileSlot { return inst.files }
func (inst *VmInstance) Info() hypercall.Info         { return inst.info }
func (inst *VmInstance) SetReady()                    { inst.ready = true }
func (inst *VmInstance) RequestExit()                 { inst.exitRequested = true }
func (inst *VmInstance) Print(line string)            { inst.log.Info(line) }

var _ hypercall.Target = (*VmInstance)(nil)

// Boot constructs a fresh VM from kernelPath's ELF image and runs it
// until the guest issues the Ready hypercall. The returned instance
// sits at the fuzz entry point; the caller gets one chance to install
// coverage instrumentation into it (spec.md §4.5) before calling
// Capture to freeze it into a Snapshot, since only code reachable
// after this point should ever be instrumented — boot and
// initialization code is deliberately left uninstrumented.
func Boot(log *logrus.Entry, kernelPath, targetPath string, memSize uint64, files []*hypercall.FileSlot) (*VmInstance, *elfview.View, error) {
	raw, err := os.ReadFile(kernelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("vm: read kernel image: %w", err)
	}
	view, err := elfview.Load(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("vm: parse kernel image: %w", err)
	}

	inst, err := newInstance(log, memSize, files, targetPath, view)
	if err != nil {
		return nil, nil, err
	}

	for _, seg := range view.Segments {
		if err := loadSegment(inst.mmu, seg); err != nil {
			inst.Close()
			return nil, nil, fmt.Errorf("vm: load segment at 0x%x: %w", seg.Vaddr, err)
		}
	}

	stackTop, err := allocStack(inst.mmu)
	if err != nil {
		inst.Close()
		return nil, nil, fmt.Errorf("vm: allocate guest stack: %w", err)
	}

	if err := setupLongMode(inst.vcpu, inst.mmu.RootFrame(), view.Entry, stackTop); err != nil {
		inst.Close()
		return nil, nil, fmt.Errorf("vm: configure long mode: %w", err)
	}
	inst.regs.Invalidate()

	if err := bootUntilReady(inst); err != nil {
		inst.Close()
		return nil, nil, err
	}
	return inst, view, nil
}

// Capture freezes inst's current state into a Snapshot. Call it after
// Boot, and after any coverage instrumentation has been installed.
func Capture(inst *VmInstance) (*Snapshot, error) {
	return captureSnapshot(inst)
}

func newInstance(log *logrus.Entry, memSize uint64, files []*hypercall.FileSlot, targetPath string, view *elfview.View) (*VmInstance, error) {
	dev, err := kvm.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("vm: open /dev/kvm: %w", err)
	}
	kvmvm, err := dev.CreateVM()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("vm: create VM: %w", err)
	}
	pool, err := mmu.NewFramePool(memSize)
	if err != nil {
		kvmvm.Close()
		dev.Close()
		return nil, err
	}
	if err := kvmvm.SetUserMemoryRegion(0, 0, pool.Mem); err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, fmt.Errorf("vm: register guest memory: %w", err)
	}
	mmuInst, err := mmu.New(pool)
	if err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, err
	}
	mmapSize, err := dev.GetVCPUMmapSize()
	if err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, fmt.Errorf("vm: get vcpu mmap size: %w", err)
	}
	vcpu, err := kvmvm.CreateVCPU(0, mmapSize)
	if err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, fmt.Errorf("vm: create vcpu: %w", err)
	}

	ctorsAddr, ctorsCount := view.Ctors()
	return &VmInstance{
		log:   log,
		dev:   dev,
		kvmvm: kvmvm,
		vcpu:  vcpu,
		pool:  pool,
		mmu:   mmuInst,
		regs:  regs.New(vcpu),
		files: files,
		info: hypercall.Info{
			TargetPath: targetPath,
			InitialBrk: view.Brk,
			NumFiles:   uint32(len(files)),
			CtorsVaddr: ctorsAddr,
			NumCtors:   ctorsCount,
		},
	}, nil
}

func loadSegment(m *mmu.MMU, seg elfview.Segment) error {
	flags := mmu.Present
	if seg.Flags&elf.PF_X != 0 {
		flags &^= mmu.NoExecute
	} else {
		flags |= mmu.NoExecute
	}
	if seg.Flags&elf.PF_W != 0 {
		flags |= mmu.Writable
	}

	vaddr := pageAlign(seg.Vaddr)
	size := roundUpPage(seg.Memsz + (seg.Vaddr - vaddr))
	// Map writable regardless of the segment's final permissions: a
	// read-only or executable-only PT_LOAD segment (the common case
	// for a kernel's .text) still needs its bytes copied in from the
	// file once, and MMU.Write refuses to touch a page that isn't
	// marked writable. Drop back to the segment's real flags once the
	// data is in place.
	if err := m.AllocAt(vaddr, size, flags|mmu.Writable); err != nil {
		return err
	}
	if len(seg.Data) > 0 {
		if err := m.Write(seg.Vaddr, seg.Data); err != nil {
			return err
		}
	}
	if flags&mmu.Writable == 0 {
		if err := m.SetFlags(vaddr, size, flags); err != nil {
			return err
		}
	}
	return nil
}

const stackSize = 1 << 20 // 1MiB guest stack

func allocStack(m *mmu.MMU) (top uint64, err error) {
	base, err := m.Alloc(stackSize, mmu.Present|mmu.Writable|mmu.NoExecute)
	if err != nil {
		return 0, err
	}
	return base + stackSize - 16, nil // keep 16-byte alignment margin
}

func pageAlign(va uint64) uint64  { return va &^ (mmu.FrameSize - 1) }
func roundUpPage(n uint64) uint64 { return (n + mmu.FrameSize - 1) &^ (mmu.FrameSize - 1) }

// flatSegment builds a 64-bit flat code or data segment descriptor —
// base 0, limit ignored in long mode, present, DPL 0.
func flatSegment(selector uint16, code bool) kvm.Segment {
	s := kvm.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: selector,
		Present:  1,
		DPL:      0,
		S:        1, // code/data, not system
		G:        1,
		DB:       0,
	}
	if code {
		s.Type = 0x0b // execute/read, accessed
		s.L = 1       // 64-bit code segment
	} else {
		s.Type = 0x03 // read/write, accessed
	}
	return s
}

// setupLongMode programs the vCPU's control and segment registers for
// 64-bit long mode with paging rooted at pml4Addr, and its initial
// general-purpose registers to begin execution at entry with rsp set
// to stackTop.
func setupLongMode(vcpu *kvm.VCPU, pml4Addr, entry, stackTop uint64) error {
	const (
		cr0PE   = 1 << 0
		cr0PG   = 1 << 31
		cr4PAE  = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	sregs, err := vcpu.GetSregs()
	if err != nil {
		return err
	}
	sregs.CS = flatSegment(1<<3, true)
	sregs.DS = flatSegment(2<<3, false)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.CR0 = cr0PE | cr0PG
	sregs.CR3 = pml4Addr
	sregs.CR4 = cr4PAE
	sregs.EFER = eferLME | eferLMA
	if err := vcpu.SetSregs(sregs); err != nil {
		return err
	}

	gregs, err := vcpu.GetRegs()
	if err != nil {
		return err
	}
	gregs.RIP = entry
	gregs.RSP = stackTop
	gregs.RFLAGS = 0x2 // reserved bit 1 always set
	return vcpu.SetRegs(gregs)
}

// bootUntilReady runs inst until the guest issues the Ready hypercall,
// at which point KVM has already advanced RIP past the triggering
// `out` instruction — that address is the fuzz entry point the
// Snapshot freezes.
func bootUntilReady(inst *VmInstance) error {
	for !inst.ready {
		err := inst.vcpu.Exec()
		inst.regs.Invalidate() // the exit may have changed every register
		if err != nil {
			return fmt.Errorf("vm: boot: vcpu exec: %w", err)
		}
		if err := dispatchExit(inst); err != nil {
			return fmt.Errorf("vm: boot: %w", err)
		}
		if err := inst.regs.Flush(); err != nil {
			return fmt.Errorf("vm: boot: flush registers: %w", err)
		}
	}
	return nil
}

// dispatchExit handles exactly one KVM exit that is expected to be a
// hypercall; any other exit reason during boot is fatal.
func dispatchExit(inst *VmInstance) error {
	if inst.vcpu.Run.ExitReason != kvm.ExitIO {
		return fmt.Errorf("unexpected exit reason %d", inst.vcpu.Run.ExitReason)
	}
	dir, port, _, _, _ := inst.vcpu.Run.IOExit()
	if dir != kvm.IODirOut || port != HypercallPort {
		return fmt.Errorf("unexpected I/O on port 0x%x", port)
	}
	return hypercall.Dispatch(inst)
}

func captureSnapshot(inst *VmInstance) (*Snapshot, error) {
	gp, err := inst.regs.GP()
	if err != nil {
		return nil, err
	}
	sregs, err := inst.regs.Sregs()
	if err != nil {
		return nil, err
	}
	mem := append([]byte(nil), inst.pool.Mem...)
	return &Snapshot{
		MemorySize: uint64(len(inst.pool.Mem)),
		Memory:     mem,
		FreeFrames: inst.pool.FreeList(),
		GP:         gp,
		Sregs:      sregs,
		MMURoot:    inst.mmu.RootFrame(),
		MMUNextVA:  inst.mmu.NextVA(),
		Info:       inst.info,
		Files:      inst.files,
	}, nil
}

// Clone stamps out an independent, runnable VmInstance from snap.
func Clone(log *logrus.Entry, snap *Snapshot) (*VmInstance, error) {
	dev, err := kvm.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("vm: clone: open /dev/kvm: %w", err)
	}
	kvmvm, err := dev.CreateVM()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("vm: clone: create VM: %w", err)
	}
	pool, err := mmu.NewFramePool(snap.MemorySize)
	if err != nil {
		kvmvm.Close()
		dev.Close()
		return nil, err
	}
	copy(pool.Mem, snap.Memory)
	pool.RestoreFreeList(snap.FreeFrames)
	if err := kvmvm.SetUserMemoryRegion(0, 0, pool.Mem); err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, fmt.Errorf("vm: clone: register guest memory: %w", err)
	}
	mmapSize, err := dev.GetVCPUMmapSize()
	if err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, err
	}
	vcpu, err := kvmvm.CreateVCPU(0, mmapSize)
	if err != nil {
		pool.Close()
		kvmvm.Close()
		dev.Close()
		return nil, fmt.Errorf("vm: clone: create vcpu: %w", err)
	}
	if err := vcpu.SetRegs(snap.GP); err != nil {
		return nil, err
	}
	if err := vcpu.SetSregs(snap.Sregs); err != nil {
		return nil, err
	}

	inst := &VmInstance{
		log:   log,
		dev:   dev,
		kvmvm: kvmvm,
		vcpu:  vcpu,
		pool:  pool,
		mmu:   mmu.Adopt(pool, snap.MMURoot, snap.MMUNextVA),
		regs:  regs.New(vcpu),
		files: snap.Files,
		info:  snap.Info,
		ready: true,
	}
	return inst, nil
}

// Reset rewinds inst back to snap's frozen state, copying back only
// the frames KVM's dirty log reports as touched since the last Reset
// (or since Clone, the first time) — spec.md §4.2's "dirty-bitmap
// driven" reset. stats.reset_pages accumulates the number of frames
// actually copied (spec.md §4.2); stats may be nil to disable
// accounting.
func (inst *VmInstance) Reset(snap *Snapshot, stats Counters) error {
	start := time.Now()
	defer func() {
		if stats != nil {
			stats.AddResetNanos(time.Since(start))
		}
	}()

	npages := int(snap.MemorySize / mmu.FrameSize)
	dirty, err := inst.kvmvm.GetDirtyLog(0, npages)
	if err != nil {
		return fmt.Errorf("vm: reset: get dirty log: %w", err)
	}
	var resetPages uint64
	for wordIdx, word := range dirty {
		if word == 0 {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}
			page := wordIdx*64 + bit
			off := page * mmu.FrameSize
			if off+mmu.FrameSize > len(snap.Memory) {
				continue
			}
			copy(inst.pool.Mem[off:off+mmu.FrameSize], snap.Memory[off:off+mmu.FrameSize])
			resetPages++
		}
	}
	if stats != nil {
		stats.AddResetPages(resetPages)
	}
	inst.pool.RestoreFreeList(snap.FreeFrames)
	inst.mmu = mmu.Adopt(inst.pool, snap.MMURoot, snap.MMUNextVA)

	inst.regs.Invalidate()
	inst.regs.SetGP(snap.GP)
	inst.regs.SetSregs(snap.Sregs)
	if err := inst.regs.Flush(); err != nil {
		return fmt.Errorf("vm: reset: flush registers: %w", err)
	}

	inst.files = snap.Files
	inst.ready = true
	inst.exitRequested = false
	return nil
}

// Collector receives control on every debug exit (a software
// breakpoint hit or single-step trap) during a Run. internal/coverage
// implements it; defining it here, rather than there, is what lets
// coverage depend on vm without vm depending on coverage.
type Collector interface {
	OnDebugExit(inst *VmInstance, pc uint64, dr6 uint64) error
}

// Counters receives the per-iteration bookkeeping spec.md §3's Stats
// record names: vm-exit totals by kind, reset-page counts, and
// per-phase wall-clock time. internal/fuzz's Stats implements it;
// defining it here avoids a vm->fuzz import cycle (fuzz already
// imports vm). A nil Counters disables accounting; --single-run and
// the --minimize-* tools pass a *fuzz.Stats that is never written to
// stats.txt.
type Counters interface {
	AddVMExit()
	AddVMExitHypercall()
	AddVMExitCoverage()
	AddVMExitDebug()
	AddResetPages(n uint64)
	AddRunNanos(d time.Duration)
	AddResetNanos(d time.Duration)
}

// Run executes inst from its current register state until the guest
// ends the iteration (EndRun), crashes (an exit reason this design
// never expects in a healthy guest), or ctx is done. cov may be nil, in
// which case a debug exit is itself treated as a crash. stats may be
// nil to disable accounting.
//
// ctx expiring must make KVM_RUN itself return, not merely be noticed
// between exits — a guest stuck in an infinite loop never causes a
// voluntary exit, so a watchdog goroutine calls vcpu.Interrupt() on
// ctx.Done(), forcing the blocked (or next) KVM_RUN to return early.
func (inst *VmInstance) Run(ctx context.Context, cov Collector, stats Counters) (RunResult, error) {
	inst.exitRequested = false
	start := time.Now()
	defer func() {
		if stats != nil {
			stats.AddRunNanos(time.Since(start))
		}
	}()

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			inst.vcpu.Interrupt()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-stopped
	}()

	for {
		err := inst.vcpu.Exec()
		inst.regs.Invalidate() // the exit may have changed every register
		if err != nil {
			if errors.Is(err, kvm.ErrInterrupted) {
				return RunResult{
					Outcome: OutcomeTimeout,
					Detail:  ctx.Err().Error(),
					Fault:   &Fault{Kind: FaultTimeout, IP: inst.regs.RIP()},
				}, nil
			}
			return RunResult{}, fmt.Errorf("vm: run: vcpu exec: %w", err)
		}
		if stats != nil {
			stats.AddVMExit()
		}

		switch inst.vcpu.Run.ExitReason {
		case kvm.ExitIO:
			dir, port, _, _, _ := inst.vcpu.Run.IOExit()
			if dir != kvm.IODirOut || port != HypercallPort {
				return RunResult{
					Outcome: OutcomeCrash,
					Detail:  fmt.Sprintf("unexpected I/O on port 0x%x", port),
					Fault:   &Fault{Kind: FaultGeneralProtection, IP: inst.regs.RIP()},
				}, nil
			}
			if stats != nil {
				stats.AddVMExitHypercall()
			}
			if err := hypercall.Dispatch(inst); err != nil {
				switch e := err.(type) {
				case *hypercall.Diagnostic:
					return RunResult{}, e
				case *hypercall.ProtocolViolation:
					return RunResult{
						Outcome: OutcomeCrash,
						Detail:  e.Error(),
						Fault:   &Fault{Kind: FaultAssertion, IP: inst.regs.RIP()},
					}, nil
				default:
					if f, ok := faultFromAccess(err, inst.regs.RIP()); ok {
						return RunResult{Outcome: OutcomeCrash, Detail: err.Error(), Fault: &f}, nil
					}
					return RunResult{}, err
				}
			}
			if err := inst.regs.Flush(); err != nil {
				return RunResult{}, fmt.Errorf("vm: run: flush registers: %w", err)
			}
			if inst.exitRequested {
				return RunResult{Outcome: OutcomeExit}, nil
			}

		case kvm.ExitShutdown, kvm.ExitFailEntry:
			return RunResult{
				Outcome: OutcomeCrash,
				Detail:  fmt.Sprintf("guest shutdown (exit reason %d)", inst.vcpu.Run.ExitReason),
				Fault:   &Fault{Kind: FaultGeneralProtection, IP: inst.regs.RIP()},
			}, nil

		case kvm.ExitMMIO:
			physAddr, _, isWrite := inst.vcpu.Run.MMIOExit()
			kind := FaultRead
			if isWrite {
				kind = FaultWrite
			}
			return RunResult{
				Outcome: OutcomeCrash,
				Detail:  fmt.Sprintf("unexpected MMIO %s at 0x%x", kind, physAddr),
				Fault:   &Fault{Kind: kind, Vaddr: physAddr, IP: inst.regs.RIP()},
			}, nil

		case kvm.ExitDebug:
			if stats != nil {
				stats.AddVMExitDebug()
				stats.AddVMExitCoverage()
			}
			if cov == nil {
				return RunResult{
					Outcome: OutcomeCrash,
					Detail:  "unexpected debug exit with no coverage collector attached",
					Fault:   &Fault{Kind: FaultAssertion, IP: inst.regs.RIP()},
				}, nil
			}
			pc, dr6 := inst.vcpu.Run.DebugExit()
			if err := cov.OnDebugExit(inst, pc, dr6); err != nil {
				return RunResult{}, fmt.Errorf("vm: run: coverage collector: %w", err)
			}

		default:
			return RunResult{
				Outcome: OutcomeCrash,
				Detail:  fmt.Sprintf("unhandled exit reason %d", inst.vcpu.Run.ExitReason),
				Fault:   &Fault{Kind: FaultGeneralProtection, IP: inst.regs.RIP()},
			}, nil
		}
	}
}

// VCPU exposes the underlying vCPU for collaborators that need lower
// level access (the coverage collector patching breakpoints, for
// instance).
func (inst *VmInstance) VCPU() *kvm.VCPU { return inst.vcpu }

// Close releases every OS resource the instance holds. Idempotent.
func (inst *VmInstance) Close() {
	if inst.vcpu != nil {
		inst.vcpu.Close()
		inst.vcpu = nil
	}
	if inst.kvmvm != nil {
		inst.kvmvm.Close()
		inst.kvmvm = nil
	}
	if inst.pool != nil {
		inst.pool.Close()
		inst.pool = nil
	}
	if inst.dev != nil {
		inst.dev.Close()
		inst.dev = nil
	}
}
