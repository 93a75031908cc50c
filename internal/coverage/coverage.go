// Package coverage implements the two collection strategies spec.md
// §4.5 calls for: breakpoint-mode, which patches basic-block leaders
// with a software 0xCC and leans on KVM_GUESTDBG_USE_SW_BP to turn the
// resulting #BP into a VM exit instead of a guest-visible exception,
// and a processor-trace-mode approximation built from single-step
// debug exits decoded with golang.org/x/arch/x86/x86asm (spec.md §11:
// real Intel PT MSR/perf_event programming is out of scope for this
// repo; the bitmap this produces has the same shape real PT-derived
// coverage would, just gathered at a much higher per-iteration cost).
package coverage

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/snapfuzz/snapfuzz/internal/elfview"
	"github.com/snapfuzz/snapfuzz/internal/kvm"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

// Bitmap is the shared, worker-visible coverage map: one byte of hit
// count per edge/block slot, sized as a power of two so an address
// can be folded into it with a mask (spec.md §4.5 "--basic-blocks").
type Bitmap struct {
	slots []byte
}

// NewBitmap allocates a bitmap with the given number of slots, rounded
// up to the next power of two.
func NewBitmap(slots int) *Bitmap {
	n := 1
	for n < slots {
		n <<= 1
	}
	if n == 0 {
		n = 1
	}
	return &Bitmap{slots: make([]byte, n)}
}

func (b *Bitmap) index(key uint64) int {
	return int(key) & (len(b.slots) - 1)
}

// Hit increments a slot's count (saturating at 255) and reports
// whether this is the slot's first-ever hit.
func (b *Bitmap) Hit(key uint64) (first bool) {
	i := b.index(key)
	if b.slots[i] == 0 {
		b.slots[i] = 1
		return true
	}
	if b.slots[i] < 255 {
		b.slots[i]++
	}
	return false
}

// Snapshot returns a copy of the bitmap contents, for corpus-level
// coverage comparison (spec.md §4.8's ReportCoverage contract).
func (b *Bitmap) Snapshot() []byte {
	return append([]byte(nil), b.slots...)
}

// Len reports the number of slots.
func (b *Bitmap) Len() int { return len(b.slots) }

// discoverBlockLeaders linearly disassembles text (already relocated
// to run at base) and returns the address of every basic-block leader:
// the entry point, and the instruction immediately following any
// branch/call/return, since control either falls through there or
// arrives there from a jump — either way it is a fresh block.
func discoverBlockLeaders(text []byte, base uint64) []uint64 {
	var leaders []uint64
	leaders = append(leaders, base)

	off := 0
	for off < len(text) {
		inst, err := x86asm.Decode(text[off:], 64)
		if err != nil || inst.Len == 0 {
			off++ // resync past data or an undecodable byte
			continue
		}
		switch inst.Op {
		case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JECXZ,
			x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
			x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS, x86asm.JE,
			x86asm.CALL, x86asm.RET:
			next := base + uint64(off+inst.Len)
			if int(next-base) < len(text) {
				leaders = append(leaders, next)
			}
			if rel, ok := branchTarget(inst, base, uint64(off)); ok {
				leaders = append(leaders, rel)
			}
		}
		off += inst.Len
	}
	return leaders
}

func branchTarget(inst x86asm.Inst, base, off uint64) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return base + off + uint64(inst.Len) + uint64(int64(rel)), true
}

// BreakpointCollector instruments a fixed set of basic-block leader
// addresses with a software breakpoint (spec.md §4.5). OnDebugExit
// restores a leader's original byte the first time it fires in an
// instance, and the collector never re-patches it. KVM's dirty log
// only tracks guest-originated writes, not these host-side patch/
// restore writes, so a Reset leaves a restored site restored unless
// the guest itself wrote to that page during the iteration, in which
// case Reset copies the snapshot's page back, 0xCC included. Every
// worker's clone starts from the snapshot's patched bytes, so a leader
// traps once per worker (plus those page-level re-arms); the worker's
// Bitmap already holds the hit, so a restored site loses no coverage.
// Net effect: instrumentation overhead decreases over a campaign as
// more of the target's code becomes known-covered, the same
// amortization real snapshot fuzzers rely on.
type BreakpointCollector struct {
	bitmap  *Bitmap
	leaders []uint64
	orig    map[uint64]byte
}

// NewBreakpointCollector derives leader addresses from view's loaded
// code (any executable PT_LOAD segment) and gives the collector a
// bitmap of bitmapSlots slots.
func NewBreakpointCollector(view *elfview.View, bitmapSlots int) *BreakpointCollector {
	c := &BreakpointCollector{bitmap: NewBitmap(bitmapSlots), orig: make(map[uint64]byte)}
	for _, seg := range view.Segments {
		if seg.Flags&1 == 0 { // PF_X
			continue
		}
		c.leaders = append(c.leaders, discoverBlockLeaders(seg.Data, seg.Vaddr)...)
	}
	return c
}

func (c *BreakpointCollector) Bitmap() *Bitmap { return c.bitmap }

// Clone returns a collector for one worker's private VmInstance,
// sharing this collector's leaders and original-byte map (both
// read-only after construction: every leader was patched once, on the
// boot instance, and never repatched) but owning a fresh Bitmap. Each
// worker must have its own Bitmap because Hit's increment is not
// atomic; sharing one across goroutines would race (spec.md §7).
func (c *BreakpointCollector) Clone() *BreakpointCollector {
	return &BreakpointCollector{
		bitmap:  NewBitmap(c.bitmap.Len()),
		leaders: c.leaders,
		orig:    c.orig,
	}
}

// Install patches 0xCC at every discovered leader into inst's current
// memory, remembering the byte it overwrote, and arms
// software-breakpoint reporting on its vCPU. Call this once, on the
// boot instance, between vm.Boot and vm.Capture.
func (c *BreakpointCollector) Install(inst *vm.VmInstance) error {
	for _, addr := range c.leaders {
		b, err := inst.Memory().Read(addr, 1)
		if err != nil {
			return fmt.Errorf("coverage: read original byte at 0x%x: %w", addr, err)
		}
		c.orig[addr] = b[0]
		if err := inst.Memory().Write(addr, []byte{0xCC}); err != nil {
			return fmt.Errorf("coverage: install breakpoint at 0x%x: %w", addr, err)
		}
	}
	return inst.VCPU().SetGuestDebug(kvm.GuestDebugEnable | kvm.GuestDebugUseSWBreakpoint)
}

// Arm must be called once per freshly Cloned VmInstance, since guest
// debug control is vCPU state that Clone's fresh KVM vCPU does not
// inherit from the snapshot.
func (c *BreakpointCollector) Arm(inst *vm.VmInstance) error {
	return inst.VCPU().SetGuestDebug(kvm.GuestDebugEnable | kvm.GuestDebugUseSWBreakpoint)
}

// OnDebugExit implements vm.Collector. KVM reports the #BP trap
// address as the breakpoint's own address (unlike a CPU-delivered #BP
// left to the guest, which would leave rip one past the int3), so no
// rewind is needed before restoring the byte or resuming.
func (c *BreakpointCollector) OnDebugExit(inst *vm.VmInstance, pc uint64, _ uint64) error {
	c.bitmap.Hit(pc)
	orig, ok := c.orig[pc]
	if !ok {
		return fmt.Errorf("coverage: debug exit at untracked address 0x%x", pc)
	}
	return inst.Memory().Write(pc, []byte{orig})
}

// TraceCollector approximates processor-trace-mode coverage via guest
// single-stepping: every instruction boundary is a debug exit, decoded
// with x86asm purely to recognize control-flow instructions, which are
// what actually define new block/edge boundaries for the bitmap.
type TraceCollector struct {
	bitmap *Bitmap
	memory func(pc uint64) ([]byte, error)
	lastPC uint64
	havePC bool
}

// NewTraceCollector builds a single-step collector with a bitmap of
// bitmapSlots slots. OnDebugExit fetches the bytes it decodes through
// the live instance's inst.Memory().
func NewTraceCollector(bitmapSlots int) *TraceCollector {
	return &TraceCollector{bitmap: NewBitmap(bitmapSlots)}
}

func (c *TraceCollector) Bitmap() *Bitmap { return c.bitmap }

// Clone returns a collector for one worker's private VmInstance, with
// its own Bitmap and its own (lastPC, havePC) single-step state —
// nothing in TraceCollector is safe to share across workers.
func (c *TraceCollector) Clone() *TraceCollector {
	return &TraceCollector{bitmap: NewBitmap(c.bitmap.Len())}
}

// Arm enables single-step reporting on a freshly Cloned instance.
func (c *TraceCollector) Arm(inst *vm.VmInstance) error {
	return inst.VCPU().SetGuestDebug(kvm.GuestDebugEnable | kvm.GuestDebugSingleStep)
}

// OnDebugExit implements vm.Collector. It records an edge keyed by the
// (previous PC, current PC) pair whenever the previous instruction was
// a branch, call, or return — the same transitions a real PT decoder
// would report as taken edges — and otherwise just advances.
func (c *TraceCollector) OnDebugExit(inst *vm.VmInstance, pc uint64, _ uint64) error {
	defer func() { c.lastPC, c.havePC = pc, true }()
	if !c.havePC {
		return nil
	}
	text, err := inst.Memory().Read(c.lastPC, 16)
	if err != nil {
		// Unmapped or guarded page; still record the raw PC so
		// coverage doesn't silently go blind in that region.
		c.bitmap.Hit(pc)
		return nil
	}
	dec, err := x86asm.Decode(text, 64)
	if err != nil {
		return nil
	}
	switch dec.Op {
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS, x86asm.JE,
		x86asm.CALL, x86asm.RET:
		c.bitmap.Hit(c.lastPC ^ (pc << 1))
	}
	return nil
}

var _ vm.Collector = (*BreakpointCollector)(nil)
var _ vm.Collector = (*TraceCollector)(nil)
