// Package regs shadows a vCPU's general-purpose and control register
// state in host memory, lazily fetched from the virtualization API
// before use and pushed back only when something actually changed
// (spec.md §4.3: "avoids one syscall per scalar access").
package regs

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/kvm"
)

// File is the shadow register file for one vCPU.
type File struct {
	vcpu *kvm.VCPU

	gp      kvm.Regs
	sregs   kvm.Sregs
	haveGP  bool
	haveSeg bool
	dirtyGP  bool
	dirtySeg bool
}

// New wraps a vCPU. Registers are not fetched until first accessed.
func New(vcpu *kvm.VCPU) *File {
	return &File{vcpu: vcpu}
}

func (f *File) ensureGP() error {
	if f.haveGP {
		return nil
	}
	r, err := f.vcpu.GetRegs()
	if err != nil {
		return fmt.Errorf("regs: fetch general registers: %w", err)
	}
	f.gp = r
	f.haveGP = true
	return nil
}

func (f *File) ensureSeg() error {
	if f.haveSeg {
		return nil
	}
	s, err := f.vcpu.GetSregs()
	if err != nil {
		return fmt.Errorf("regs: fetch segment registers: %w", err)
	}
	f.sregs = s
	f.haveSeg = true
	return nil
}

// mustGP fetches the general-purpose block, panicking on failure. A
// failed KVM_GET_REGS mid-run means the vCPU fd is no longer valid —
// not a condition any caller can meaningfully recover from, so the
// scalar accessors below don't thread an error return through every
// hypercall argument read.
func (f *File) mustGP() {
	if err := f.ensureGP(); err != nil {
		panic(err)
	}
}

// RAX, RDI, RSI, RDX, RCX, RIP are the registers the hypercall
// convention reads every run (spec.md §4.3).

func (f *File) RAX() uint64 { f.mustGP(); return f.gp.RAX }
func (f *File) RDI() uint64 { f.mustGP(); return f.gp.RDI }
func (f *File) RSI() uint64 { f.mustGP(); return f.gp.RSI }
func (f *File) RDX() uint64 { f.mustGP(); return f.gp.RDX }
func (f *File) RCX() uint64 { f.mustGP(); return f.gp.RCX }
func (f *File) RIP() uint64 { f.mustGP(); return f.gp.RIP }
func (f *File) RSP() uint64 { f.mustGP(); return f.gp.RSP }

func (f *File) SetRAX(v uint64) { f.mustGP(); f.gp.RAX = v; f.dirtyGP = true }
func (f *File) SetRIP(v uint64) { f.mustGP(); f.gp.RIP = v; f.dirtyGP = true }
func (f *File) SetRSP(v uint64) { f.mustGP(); f.gp.RSP = v; f.dirtyGP = true }

// GP returns a copy of the full general-purpose register block,
// fetching it first if necessary.
func (f *File) GP() (kvm.Regs, error) {
	if err := f.ensureGP(); err != nil {
		return kvm.Regs{}, err
	}
	return f.gp, nil
}

// SetGP replaces the full general-purpose register block.
func (f *File) SetGP(r kvm.Regs) {
	f.gp = r
	f.haveGP = true
	f.dirtyGP = true
}

// Sregs returns a copy of the segment/control register block.
func (f *File) Sregs() (kvm.Sregs, error) {
	if err := f.ensureSeg(); err != nil {
		return kvm.Sregs{}, err
	}
	return f.sregs, nil
}

// SetSregs replaces the segment/control register block.
func (f *File) SetSregs(s kvm.Sregs) {
	f.sregs = s
	f.haveSeg = true
	f.dirtySeg = true
}

// CR3 is read frequently enough by the MMU/paging setup to warrant its
// own accessor.
func (f *File) CR3() (uint64, error) {
	if err := f.ensureSeg(); err != nil {
		return 0, err
	}
	return f.sregs.CR3, nil
}

func (f *File) SetCR3(v uint64) {
	f.ensureSeg()
	f.sregs.CR3 = v
	f.dirtySeg = true
}

// Flush pushes any register block that was mutated since the last
// flush back to the vCPU, gated by the dirty flags so an iteration
// that never wrote a register costs zero ioctls.
func (f *File) Flush() error {
	if f.dirtyGP {
		if err := f.vcpu.SetRegs(f.gp); err != nil {
			return err
		}
		f.dirtyGP = false
	}
	if f.dirtySeg {
		if err := f.vcpu.SetSregs(f.sregs); err != nil {
			return err
		}
		f.dirtySeg = false
	}
	return nil
}

// Invalidate drops the cached copies so the next access re-fetches
// from the vCPU. Used after Reset restores a snapshot's register
// state directly via SetRegs/SetSregs outside this File.
func (f *File) Invalidate() {
	f.haveGP = false
	f.haveSeg = false
	f.dirtyGP = false
	f.dirtySeg = false
}
