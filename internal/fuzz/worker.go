// Package fuzz runs the per-worker snapshot/reset loop: clone a
// VmInstance from the shared Snapshot, repeatedly feed it an input
// from the corpus, run it to completion or timeout, classify the
// result, and Reset before the next iteration (spec.md §4.6).
package fuzz

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/snapfuzz/snapfuzz/internal/corpus"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

// Collector is what a worker needs from a coverage strategy: it must
// behave as a vm.Collector during Run, re-arm its guest-debug control
// on every freshly Cloned instance (Clone's vCPU starts with debugging
// disabled regardless of what the snapshot's vCPU had), and expose its
// accumulated bitmap for corpus comparison.
type Collector interface {
	vm.Collector
	Arm(inst *vm.VmInstance) error
	Bitmap() *coverage.Bitmap
}

// Worker owns one cloned VmInstance and its own Collector (cloned per
// worker so no two goroutines ever increment the same Bitmap) and
// drives both against a shared Store and Stats, which are internally
// synchronized (spec.md §7).
type Worker struct {
	ID        int
	Snapshot  *vm.Snapshot
	Collector Collector
	Store     corpus.Store
	Stats     *Stats
	Timeout   time.Duration
	CPU       int // -1 disables affinity pinning
	Log       *logrus.Entry
}

// Run pins the calling OS thread (via runtime.LockOSThread, done by
// the caller before invoking Run on its own goroutine) to w.CPU,
// clones a fresh VmInstance, and loops until ctx is done, the corpus
// is exhausted, or a fatal error occurs.
func (w *Worker) Run(ctx context.Context) error {
	if w.CPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(w.CPU)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("fuzz: worker %d: set CPU affinity: %w", w.ID, err)
		}
	}

	inst, err := vm.Clone(w.Log, w.Snapshot)
	if err != nil {
		return fmt.Errorf("fuzz: worker %d: clone: %w", w.ID, err)
	}
	defer inst.Close()

	if err := w.Collector.Arm(inst); err != nil {
		return fmt.Errorf("fuzz: worker %d: arm coverage: %w", w.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, ok := w.Store.GetNewInput()
		if !ok {
			return nil
		}
		if err := w.feedInput(inst, data); err != nil {
			return fmt.Errorf("fuzz: worker %d: feed input: %w", w.ID, err)
		}

		runCtx, cancel := context.WithTimeout(ctx, w.Timeout)
		result, err := inst.Run(runCtx, w.Collector, w.Stats)
		cancel()
		if err != nil {
			return fmt.Errorf("fuzz: worker %d: run: %w", w.ID, err)
		}
		w.Stats.AddExecutions(1)

		switch result.Outcome {
		case vm.OutcomeExit:
			if w.Store.ReportCoverage(data, w.Collector.Bitmap().Snapshot()) {
				w.Stats.AddNewCoverage()
			}
		case vm.OutcomeCrash:
			w.Stats.AddCrash()
			w.Store.ReportCrash(data, result.Fault, result.Detail)
		case vm.OutcomeTimeout:
			w.Stats.AddTimeout()
			w.Store.ReportTimeout(data)
		}

		if err := inst.Reset(w.Snapshot, w.Stats); err != nil {
			return fmt.Errorf("fuzz: worker %d: reset: %w", w.ID, err)
		}
	}
}

// FeedAndRunOnce runs a single already-Cloned-and-armed instance
// against data and logs the outcome, for --single-run and the
// --minimize-* entry points, which need the RunResult itself to judge
// whether a candidate still crashes.
func (w *Worker) FeedAndRunOnce(ctx context.Context, inst *vm.VmInstance, data []byte) (vm.RunResult, error) {
	if err := w.feedInput(inst, data); err != nil {
		return vm.RunResult{}, err
	}
	runCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	result, err := inst.Run(runCtx, w.Collector, w.Stats)
	if err != nil {
		return vm.RunResult{}, err
	}
	w.Log.Infof("run outcome=%s detail=%q", result.Outcome, result.Detail)
	return result, nil
}

// feedInput overwrites file slot 0's guest-visible buffer with data.
// The buffer address was fixed once, during boot, by the guest's
// SetFileBuf hypercall — every later iteration is a plain host-side
// memory write, no guest execution or hypercall involved.
func (w *Worker) feedInput(inst *vm.VmInstance, data []byte) error {
	files := inst.Files()
	if len(files) == 0 {
		return fmt.Errorf("no file slots published by guest kernel")
	}
	target := files[0]
	if target.GuestBuf == 0 {
		return fmt.Errorf("guest never registered a buffer for file 0 via SetFileBuf")
	}
	if len(data) > len(target.Data) {
		data = data[:len(target.Data)]
	}
	buf := make([]byte, len(target.Data))
	copy(buf, data)
	return inst.Memory().Write(target.GuestBuf, buf)
}
