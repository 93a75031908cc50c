package fuzz

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Stats holds the fleet-wide counters the reporter samples once a
// second and the corpus-growth/crash/timeout totals it logs to
// stats.txt (spec.md §4.6/§4.7), plus the per-phase vm-exit and cycle
// accounting every worker's VmInstance feeds through Run/Reset. Every
// field is updated with atomics so workers never contend on a lock for
// something this hot.
type Stats struct {
	Executions  uint64
	Crashes     uint64
	Timeouts    uint64
	CorpusSize  uint64
	NewCoverage uint64

	VMExits          uint64
	VMExitsHypercall uint64
	VMExitsCoverage  uint64
	VMExitsDebug     uint64
	ResetPages       uint64
	RunNanos         uint64
	ResetNanos       uint64
}

func (s *Stats) AddExecutions(n uint64) { atomic.AddUint64(&s.Executions, n) }
func (s *Stats) AddCrash()              { atomic.AddUint64(&s.Crashes, 1) }
func (s *Stats) AddTimeout()            { atomic.AddUint64(&s.Timeouts, 1) }
func (s *Stats) AddNewCoverage()        { atomic.AddUint64(&s.NewCoverage, 1) }
func (s *Stats) SetCorpusSize(n uint64) { atomic.StoreUint64(&s.CorpusSize, n) }

// The following satisfy vm.Counters, letting a VmInstance's Run and
// Reset feed per-phase accounting straight into the same Stats a
// worker already updates for executions/crashes/timeouts.
func (s *Stats) AddVMExit()                    { atomic.AddUint64(&s.VMExits, 1) }
func (s *Stats) AddVMExitHypercall()           { atomic.AddUint64(&s.VMExitsHypercall, 1) }
func (s *Stats) AddVMExitCoverage()            { atomic.AddUint64(&s.VMExitsCoverage, 1) }
func (s *Stats) AddVMExitDebug()               { atomic.AddUint64(&s.VMExitsDebug, 1) }
func (s *Stats) AddResetPages(n uint64)        { atomic.AddUint64(&s.ResetPages, n) }
func (s *Stats) AddRunNanos(d time.Duration)   { atomic.AddUint64(&s.RunNanos, uint64(d)) }
func (s *Stats) AddResetNanos(d time.Duration) { atomic.AddUint64(&s.ResetNanos, uint64(d)) }

// Snapshot is an atomically-consistent-enough read of every counter,
// good enough for a once-a-second status line.
type Snapshot struct {
	Executions, Crashes, Timeouts, CorpusSize, NewCoverage uint64

	VMExits, VMExitsHypercall, VMExitsCoverage, VMExitsDebug uint64
	ResetPages                                               uint64
	RunNanos, ResetNanos                                     uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Executions:  atomic.LoadUint64(&s.Executions),
		Crashes:     atomic.LoadUint64(&s.Crashes),
		Timeouts:    atomic.LoadUint64(&s.Timeouts),
		CorpusSize:  atomic.LoadUint64(&s.CorpusSize),
		NewCoverage: atomic.LoadUint64(&s.NewCoverage),

		VMExits:          atomic.LoadUint64(&s.VMExits),
		VMExitsHypercall: atomic.LoadUint64(&s.VMExitsHypercall),
		VMExitsCoverage:  atomic.LoadUint64(&s.VMExitsCoverage),
		VMExitsDebug:     atomic.LoadUint64(&s.VMExitsDebug),
		ResetPages:       atomic.LoadUint64(&s.ResetPages),
		RunNanos:         atomic.LoadUint64(&s.RunNanos),
		ResetNanos:       atomic.LoadUint64(&s.ResetNanos),
	}
}

// StartReporter appends one status line every interval to outputPath, and
// returns a stop function the caller should invoke on shutdown.
func StartReporter(stats *Stats, outputPath string, interval time.Duration) (stop func(), err error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fuzz: open stats file: %w", err)
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	start := time.Now()

	go func() {
		defer f.Close()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				snap := stats.Snapshot()
				fmt.Fprintf(f, "%d\texecs=%d\tcrashes=%d\ttimeouts=%d\tcorpus=%d\tnew_cov=%d\t"+
					"vm_exits=%d\tvm_exits_hc=%d\tvm_exits_cov=%d\tvm_exits_debug=%d\t"+
					"reset_pages=%d\trun_ns=%d\treset_ns=%d\n",
					int(t.Sub(start).Seconds()), snap.Executions, snap.Crashes, snap.Timeouts, snap.CorpusSize, snap.NewCoverage,
					snap.VMExits, snap.VMExitsHypercall, snap.VMExitsCoverage, snap.VMExitsDebug,
					snap.ResetPages, snap.RunNanos, snap.ResetNanos)
			}
		}
	}()

	return func() { close(done) }, nil
}
