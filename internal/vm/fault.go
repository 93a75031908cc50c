package vm

import (
	"errors"
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/mmu"
)

// FaultKind classifies why a Run ended in OutcomeCrash or OutcomeTimeout,
// closing the gap between a bare exit reason and what the corpus needs
// to deduplicate crashes (spec.md §3's Fault record).
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
	FaultGeneralProtection
	FaultDivZero
	FaultAssertion
	FaultTimeout
)

func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultExec:
		return "exec"
	case FaultGeneralProtection:
		return "general-protection"
	case FaultDivZero:
		return "div-zero"
	case FaultAssertion:
		return "assertion"
	case FaultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fault is the structured crash record the corpus deduplicates on,
// replacing a free-text message with a (kind, faulting vaddr, IP)
// triple (spec.md §3, §4.6).
type Fault struct {
	Kind  FaultKind
	Vaddr uint64
	IP    uint64
}

func (f Fault) String() string {
	switch f.Kind {
	case FaultRead, FaultWrite, FaultExec:
		return fmt.Sprintf("%s fault at 0x%x (ip=0x%x)", f.Kind, f.Vaddr, f.IP)
	default:
		return fmt.Sprintf("%s (ip=0x%x)", f.Kind, f.IP)
	}
}

// faultFromAccess converts an MMU access fault raised while servicing a
// hypercall (the guest passed a bad vaddr to Print, GetInfo,
// GetFileName, or SetFileBuf) into the host-wide Fault taxonomy. This is
// the one path in this design where a guest memory fault carries full
// kind+vaddr fidelity, since it runs through the host-side MMU rather
// than raw hardware paging.
func faultFromAccess(err error, ip uint64) (Fault, bool) {
	var af *mmu.AccessFault
	if !errors.As(err, &af) {
		return Fault{}, false
	}
	var kind FaultKind
	switch af.Kind {
	case mmu.AccessRead:
		kind = FaultRead
	case mmu.AccessWrite:
		kind = FaultWrite
	case mmu.AccessExec:
		kind = FaultExec
	}
	return Fault{Kind: kind, Vaddr: af.Vaddr, IP: ip}, true
}
