package fuzz

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStatsCounters(t *testing.T) {
	var s Stats
	s.AddExecutions(5)
	s.AddExecutions(3)
	s.AddCrash()
	s.AddTimeout()
	s.AddTimeout()
	s.AddNewCoverage()
	s.SetCorpusSize(42)

	snap := s.Snapshot()
	if snap.Executions != 8 {
		t.Fatalf("Executions = %d, want 8", snap.Executions)
	}
	if snap.Crashes != 1 {
		t.Fatalf("Crashes = %d, want 1", snap.Crashes)
	}
	if snap.Timeouts != 2 {
		t.Fatalf("Timeouts = %d, want 2", snap.Timeouts)
	}
	if snap.NewCoverage != 1 {
		t.Fatalf("NewCoverage = %d, want 1", snap.NewCoverage)
	}
	if snap.CorpusSize != 42 {
		t.Fatalf("CorpusSize = %d, want 42", snap.CorpusSize)
	}
}

func TestStatsVMExitCounters(t *testing.T) {
	var s Stats
	s.AddVMExit()
	s.AddVMExit()
	s.AddVMExitHypercall()
	s.AddVMExitCoverage()
	s.AddVMExitDebug()
	s.AddResetPages(12)
	s.AddRunNanos(5 * time.Millisecond)
	s.AddResetNanos(2 * time.Millisecond)

	snap := s.Snapshot()
	if snap.VMExits != 2 {
		t.Fatalf("VMExits = %d, want 2", snap.VMExits)
	}
	if snap.VMExitsHypercall != 1 || snap.VMExitsCoverage != 1 || snap.VMExitsDebug != 1 {
		t.Fatalf("exit-kind counters = %+v, want 1 each", snap)
	}
	if snap.ResetPages != 12 {
		t.Fatalf("ResetPages = %d, want 12", snap.ResetPages)
	}
	if snap.RunNanos != uint64(5*time.Millisecond) {
		t.Fatalf("RunNanos = %d, want %d", snap.RunNanos, uint64(5*time.Millisecond))
	}
	if snap.ResetNanos != uint64(2*time.Millisecond) {
		t.Fatalf("ResetNanos = %d, want %d", snap.ResetNanos, uint64(2*time.Millisecond))
	}
}

func TestStatsConcurrentIncrements(t *testing.T) {
	var s Stats
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddExecutions(1)
		}()
	}
	wg.Wait()
	if got := s.Snapshot().Executions; got != 100 {
		t.Fatalf("Executions = %d, want 100 after concurrent increments", got)
	}
}

func TestStartReporterWritesStatusLines(t *testing.T) {
	stats := &Stats{}
	stats.AddExecutions(7)

	path := filepath.Join(t.TempDir(), "stats.txt")
	stop, err := StartReporter(stats, path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("StartReporter: %v", err)
	}
	time.Sleep(90 * time.Millisecond)
	stop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "execs=7") {
		t.Fatalf("stats file = %q, want a line containing execs=7", data)
	}
}

func TestStartReporterErrorsOnUnwritablePath(t *testing.T) {
	stats := &Stats{}
	_, err := StartReporter(stats, filepath.Join(t.TempDir(), "missing-dir", "stats.txt"), time.Second)
	if err == nil {
		t.Fatal("expected an error opening a stats file in a nonexistent directory")
	}
}
