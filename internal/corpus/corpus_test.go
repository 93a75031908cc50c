package corpus

import (
	"sync"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/vm"
)

func TestGetNewInputRoundRobins(t *testing.T) {
	m := NewMemory([][]byte{[]byte("a"), []byte("b")})

	var got []string
	for i := 0; i < 4; i++ {
		data, ok := m.GetNewInput()
		if !ok {
			t.Fatalf("GetNewInput: unexpected ok=false on call %d", i)
		}
		got = append(got, string(data))
	}
	want := []string{"a", "b", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin order = %v, want %v", got, want)
		}
	}
}

func TestGetNewInputEmptySeedsReturnsFalse(t *testing.T) {
	m := NewMemory(nil)
	if _, ok := m.GetNewInput(); ok {
		t.Fatal("GetNewInput on an empty store should return ok=false")
	}
}

func TestReportCoverageNoveltyAndDedup(t *testing.T) {
	m := NewMemory(nil)

	if !m.ReportCoverage([]byte("seed1"), []byte{1, 0, 0}) {
		t.Fatal("first report with any nonzero bit must be novel")
	}
	if m.ReportCoverage([]byte("seed2"), []byte{1, 0, 0}) {
		t.Fatal("identical coverage bits must not be reported as novel again")
	}
	if !m.ReportCoverage([]byte("seed3"), []byte{1, 1, 0}) {
		t.Fatal("a newly set bit must be reported as novel even if other bits repeat")
	}

	inputs := m.Inputs()
	if len(inputs) != 2 {
		t.Fatalf("len(Inputs()) = %d, want 2 (seed1 and seed3)", len(inputs))
	}
}

func TestReportCoverageGrowsKnownBitmap(t *testing.T) {
	m := NewMemory(nil)
	if !m.ReportCoverage([]byte("a"), []byte{1}) {
		t.Fatal("expected novel")
	}
	// A later, wider bitmap must not panic on the shorter known slice.
	if !m.ReportCoverage([]byte("b"), []byte{1, 0, 1}) {
		t.Fatal("expected novel bit at a wider offset")
	}
}

func TestReportCrashAndTimeout(t *testing.T) {
	m := NewMemory(nil)
	fault := &vm.Fault{Kind: vm.FaultGeneralProtection, IP: 0x1000}
	m.ReportCrash([]byte("boom"), fault, "segfault at 0x0")
	m.ReportTimeout([]byte("spin"))

	crashes := m.Crashes()
	if len(crashes) != 1 || crashes[0].Detail != "segfault at 0x0" {
		t.Fatalf("Crashes() = %+v", crashes)
	}
	if crashes[0].Fault != fault {
		t.Fatalf("Crashes()[0].Fault = %v, want %v", crashes[0].Fault, fault)
	}
	timeouts := m.Timeouts()
	if len(timeouts) != 1 || string(timeouts[0]) != "spin" {
		t.Fatalf("Timeouts() = %+v", timeouts)
	}
}

func TestUniqueCrashesDedupsByFaultKey(t *testing.T) {
	m := NewMemory(nil)
	a := &vm.Fault{Kind: vm.FaultWrite, Vaddr: 0x4000}
	b := &vm.Fault{Kind: vm.FaultWrite, Vaddr: 0x4000} // same key, distinct pointer
	c := &vm.Fault{Kind: vm.FaultRead, Vaddr: 0x4000}  // different kind, same vaddr

	m.ReportCrash([]byte("1"), a, "a")
	m.ReportCrash([]byte("2"), b, "b")
	m.ReportCrash([]byte("3"), c, "c")

	if got := len(m.Crashes()); got != 3 {
		t.Fatalf("Crashes() len = %d, want 3 (every crash is recorded)", got)
	}
	if got := m.UniqueCrashes(); got != 2 {
		t.Fatalf("UniqueCrashes() = %d, want 2 (a and b share a faultKey)", got)
	}
}

func TestAccessorsReturnIndependentCopies(t *testing.T) {
	m := NewMemory(nil)
	m.ReportCoverage([]byte("a"), []byte{1})
	inputs := m.Inputs()
	inputs[0].Data[0] = 'X'
	if m.Inputs()[0].Data[0] == 'X' {
		t.Fatal("Inputs() must return a copy, not a view into internal state")
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory([][]byte{[]byte("seed")})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, ok := m.GetNewInput()
			if !ok {
				return
			}
			m.ReportCoverage(data, []byte{byte(i + 1)})
			m.ReportCrash(data, &vm.Fault{Kind: vm.FaultAssertion, IP: uint64(i)}, "concurrent")
			m.ReportTimeout(data)
		}(i)
	}
	wg.Wait()
}

var _ Store = (*Memory)(nil)
