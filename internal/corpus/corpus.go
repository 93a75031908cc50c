// Package corpus defines the contract between the fuzzing worker loop
// and whatever holds the corpus of inputs, new coverage, crashes, and
// timeouts (spec.md §4.8), plus a minimal thread-safe in-memory
// implementation used by tests and --single-run.
package corpus

import (
	"fmt"
	"sync"

	"github.com/snapfuzz/snapfuzz/internal/vm"
)

// Input is one corpus entry: the bytes handed to the guest through the
// file hypercalls, and the bitmap snapshot it was credited for.
type Input struct {
	Data     []byte
	Coverage []byte
}

// Crash records one crashing input, labeled by the structured Fault
// that classified it (nil if the VM could not attribute a kind/vaddr,
// e.g. a guest shutdown with no cooperating fault report) and the
// human-readable detail string for logs.
type Crash struct {
	Data   []byte
	Fault  *vm.Fault
	Detail string
}

// faultKey returns the dedup key for a fault: kind plus either the
// faulting address (for read/write/exec) or the instruction pointer
// (for the address-less kinds). Two crashes sharing a key are treated
// as the same underlying bug.
func faultKey(f *vm.Fault) string {
	if f == nil {
		return ""
	}
	switch f.Kind {
	case vm.FaultRead, vm.FaultWrite, vm.FaultExec:
		return fmt.Sprintf("%s:0x%x", f.Kind, f.Vaddr)
	default:
		return fmt.Sprintf("%s:0x%x", f.Kind, f.IP)
	}
}

// Store is the interface internal/fuzz's worker loop depends on. A
// worker never mutates the corpus directly — every observation is
// reported through one of these methods, and every new input comes
// from GetNewInput, so Store alone decides scheduling, minimization,
// and persistence policy.
type Store interface {
	// GetNewInput returns the next input for a worker to run,
	// mutated by whatever strategy the store uses (splice, havoc,
	// dictionary, ...). ok is false when the store has nothing left
	// to offer (e.g. a --single-run pass already consumed its one
	// input).
	GetNewInput() (data []byte, ok bool)

	// ReportCoverage is called after every run that did not crash or
	// time out, with the bitmap snapshot observed during that run. It
	// returns whether the coverage was novel enough that data should
	// be retained as a new corpus entry.
	ReportCoverage(data []byte, coverage []byte) (accepted bool)

	ReportCrash(data []byte, fault *vm.Fault, detail string)
	ReportTimeout(data []byte)
}

// Memory is a thread-safe, process-local Store. It accepts an input as
// new coverage whenever the coverage snapshot has at least one byte
// nonzero that was zero across every previously accepted entry —
// the same "any new bitmap bit" rule AFL-family fuzzers use.
type Memory struct {
	mu       sync.Mutex
	queue    [][]byte
	pos      int
	inputs   []Input
	crashes  []Crash
	timeouts [][]byte
	known    []byte          // OR of every accepted coverage bitmap seen so far
	seen     map[string]bool // faultKey of every crash reported so far
}

// NewMemory seeds a Memory store with an initial queue of inputs
// (typically read from --input-dir).
func NewMemory(seeds [][]byte) *Memory {
	return &Memory{queue: append([][]byte(nil), seeds...)}
}

func (m *Memory) GetNewInput() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	data := m.queue[m.pos%len(m.queue)]
	m.pos++
	return append([]byte(nil), data...), true
}

func (m *Memory) ReportCoverage(data []byte, coverage []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.known) < len(coverage) {
		grown := make([]byte, len(coverage))
		copy(grown, m.known)
		m.known = grown
	}

	novel := false
	for i, b := range coverage {
		if b != 0 && m.known[i] == 0 {
			novel = true
			m.known[i] = 1
		}
	}
	if novel {
		m.inputs = append(m.inputs, Input{Data: append([]byte(nil), data...), Coverage: append([]byte(nil), coverage...)})
		m.queue = append(m.queue, append([]byte(nil), data...))
	}
	return novel
}

// ReportCrash records every crash, but only counts a crash as unique
// (per UniqueCrashes) the first time its faultKey is seen — the
// dedup scheme spec.md §3 names the Fault record for.
func (m *Memory) ReportCrash(data []byte, fault *vm.Fault, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashes = append(m.crashes, Crash{Data: append([]byte(nil), data...), Fault: fault, Detail: detail})

	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	m.seen[faultKey(fault)] = true
}

// UniqueCrashes reports the number of distinct faultKeys reported so
// far.
func (m *Memory) UniqueCrashes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Memory) ReportTimeout(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(m.timeouts, append([]byte(nil), data...))
}

// Inputs, Crashes, Timeouts return snapshots of what has accumulated,
// for the reporter and --minimize-* entry points.
func (m *Memory) Inputs() []Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Input, len(m.inputs))
	for i, in := range m.inputs {
		out[i] = Input{Data: append([]byte(nil), in.Data...), Coverage: append([]byte(nil), in.Coverage...)}
	}
	return out
}

func (m *Memory) Crashes() []Crash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Crash, len(m.crashes))
	for i, c := range m.crashes {
		c.Data = append([]byte(nil), c.Data...)
		out[i] = c
	}
	return out
}

func (m *Memory) Timeouts() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.timeouts))
	for i, d := range m.timeouts {
		out[i] = append([]byte(nil), d...)
	}
	return out
}

var _ Store = (*Memory)(nil)
