package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/fuzz"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

// runMinimizeCorpus replays every input in --input-dir, in the order
// readSeedsNamed returns them, and greedily keeps each one that sets a
// bitmap slot no earlier input set; the kept inputs are written to
// --output-dir (or back to --input-dir when --output-dir is empty).
func runMinimizeCorpus(ctx context.Context, logger *log.Entry, cfg *config.Config, snap *vm.Snapshot, collector *coverage.BreakpointCollector) error {
	seeds, names, err := readSeedsNamed(cfg.InputDir)
	if err != nil {
		return err
	}

	inst, err := vm.Clone(logger, snap)
	if err != nil {
		return err
	}
	defer inst.Close()
	if err := collector.Arm(inst); err != nil {
		return err
	}

	w := &fuzz.Worker{ID: 0, Snapshot: snap, Collector: collector, Stats: &fuzz.Stats{}, Timeout: cfg.Timeout, CPU: -1, Log: logger}

	known := make([]byte, collector.Bitmap().Len())
	var kept [][2]interface{} // [name, data] pairs, kept for output

	for i, data := range seeds {
		before := bytes.Count(known, []byte{0}) // cheap "how much is still unknown" proxy
		if _, err := w.FeedAndRunOnce(ctx, inst, data); err != nil {
			return err
		}
		cov := collector.Bitmap().Snapshot()
		novel := false
		for j, b := range cov {
			if b != 0 && known[j] == 0 {
				known[j] = 1
				novel = true
			}
		}
		if novel {
			kept = append(kept, [2]interface{}{names[i], data})
		}
		_ = before

		if err := inst.Reset(snap, w.Stats); err != nil {
			return err
		}
		if err := collector.Arm(inst); err != nil {
			return err
		}
	}

	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = cfg.InputDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, pair := range kept {
		name := pair[0].(string)
		data := pair[1].([]byte)
		if err := os.WriteFile(filepath.Join(outDir, name), data, 0o644); err != nil {
			return err
		}
	}
	logger.Infof("minimize-corpus: kept %d of %d inputs", len(kept), len(seeds))
	return nil
}

// runMinimizeCrashes reduces each crashing input in --input-dir to a
// smaller input that still produces a crash, by repeatedly trying to
// drop chunks (halving the chunk size each pass once a pass finds
// nothing to drop) — a ddmin-style (Zeller & Hildebrandt) reduction,
// adapted to this guest/hypervisor boundary.
func runMinimizeCrashes(ctx context.Context, logger *log.Entry, cfg *config.Config, snap *vm.Snapshot, collector *coverage.BreakpointCollector) error {
	seeds, names, err := readSeedsNamed(cfg.InputDir)
	if err != nil {
		return err
	}

	inst, err := vm.Clone(logger, snap)
	if err != nil {
		return err
	}
	defer inst.Close()
	if err := collector.Arm(inst); err != nil {
		return err
	}
	w := &fuzz.Worker{ID: 0, Snapshot: snap, Collector: collector, Stats: &fuzz.Stats{}, Timeout: cfg.Timeout, CPU: -1, Log: logger}

	crashes := func(data []byte) (bool, error) {
		result, err := w.FeedAndRunOnce(ctx, inst, data)
		if err != nil {
			return false, err
		}
		if err := inst.Reset(snap, w.Stats); err != nil {
			return false, err
		}
		if err := collector.Arm(inst); err != nil {
			return false, err
		}
		return result.Outcome == vm.OutcomeCrash, nil
	}

	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = cfg.InputDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	for i, data := range seeds {
		ok, err := crashes(data)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warnf("minimize-crashes: %s no longer crashes, skipping", names[i])
			continue
		}
		min := ddmin(data, crashes)
		if err := os.WriteFile(filepath.Join(outDir, names[i]), min, 0o644); err != nil {
			return err
		}
		logger.Infof("minimize-crashes: %s reduced %d -> %d bytes", names[i], len(data), len(min))
	}
	return nil
}

// ddmin implements the classic delta-debugging minimization loop:
// shrink the chunk size being removed only after a full pass removes
// nothing, and stop once the chunk size reaches 1 and still nothing
// can be dropped.
func ddmin(data []byte, stillFails func([]byte) (bool, error)) []byte {
	chunkSize := len(data) / 2
	for chunkSize > 0 {
		removedAny := false
		for start := 0; start < len(data); start += chunkSize {
			end := start + chunkSize
			if end > len(data) {
				end = len(data)
			}
			candidate := make([]byte, 0, len(data)-(end-start))
			candidate = append(candidate, data[:start]...)
			candidate = append(candidate, data[end:]...)
			if ok, err := stillFails(candidate); err == nil && ok {
				data = candidate
				removedAny = true
				break
			}
		}
		if !removedAny {
			chunkSize /= 2
		}
	}
	return data
}

func readSeedsNamed(dir string) (data [][]byte, names []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("snapfuzz: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, err
		}
		data = append(data, b)
		names = append(names, e.Name())
	}
	return data, names, nil
}
