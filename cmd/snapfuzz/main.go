// Command snapfuzz runs a snapshot-based, coverage-guided, parallel
// fuzzer against a target linked into a guest kernel and executed
// under KVM (spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/fuzz"
	"github.com/snapfuzz/snapfuzz/internal/hypercall"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

const maxFileSize = 1 << 16

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}
	var memoryMB, jobs, basicBlocks int
	var timeoutMS int

	root := &cobra.Command{
		Use:   "snapfuzz KERNEL TARGET [-- TARGET-ARGS...]",
		Short: "Snapshot-based, coverage-guided, KVM-backed fuzzer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Kernel = args[0]
			cfg.Target = args[1]
			cfg.TargetArgs = args[2:]
			cfg.MemoryMB = uint64(memoryMB)
			cfg.Jobs = jobs
			cfg.BasicBlocks = basicBlocks
			cfg.Timeout = time.Duration(timeoutMS) * time.Millisecond
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.Flags().IntVar(&jobs, "jobs", runtime.NumCPU(), "number of parallel fuzzing workers")
	root.Flags().IntVar(&memoryMB, "memory", config.DefaultMemoryMB, "guest memory size in MiB")
	root.Flags().StringVar(&cfg.InputDir, "input-dir", "", "seed corpus directory")
	root.Flags().StringVar(&cfg.OutputDir, "output-dir", "", "directory for corpus growth, crashes, and stats.txt")
	root.Flags().IntVar(&timeoutMS, "timeout", int(config.DefaultTimeout/time.Millisecond), "per-iteration timeout in milliseconds")
	root.Flags().BoolVar(&cfg.SingleRun, "single-run", false, "run a single input and report its outcome, no corpus scheduling")
	root.Flags().StringVar(&cfg.SingleRunInput, "input", "", "input file for --single-run")
	root.Flags().BoolVar(&cfg.MinimizeCorpus, "minimize-corpus", false, "reduce --input-dir to the inputs needed to retain full observed coverage")
	root.Flags().BoolVar(&cfg.MinimizeCrashes, "minimize-crashes", false, "reduce a directory of crashing inputs to the smallest reproducer per crash")
	root.Flags().IntVar(&basicBlocks, "basic-blocks", config.DefaultBasicBlocks, "coverage bitmap size, in basic-block slots")

	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	entry := log.NewEntry(logger)

	files := []*hypercall.FileSlot{{
		Name: filepath.Base(cfg.Target),
		Data: make([]byte, maxFileSize),
	}}

	entry.Infof("booting %s (target %s)", cfg.Kernel, cfg.Target)
	bootInst, view, err := vm.Boot(entry, cfg.Kernel, cfg.Target, cfg.MemoryMB<<20, files)
	if err != nil {
		return fmt.Errorf("snapfuzz: boot: %w", err)
	}

	collector := coverage.NewBreakpointCollector(view, cfg.BasicBlocks)
	if err := collector.Install(bootInst); err != nil {
		bootInst.Close()
		return fmt.Errorf("snapfuzz: install coverage: %w", err)
	}

	snap, err := vm.Capture(bootInst)
	bootInst.Close()
	if err != nil {
		return fmt.Errorf("snapfuzz: capture snapshot: %w", err)
	}
	entry.Infof("snapshot captured at fuzz entry, %d bytes of guest memory", len(snap.Memory))

	switch {
	case cfg.SingleRun:
		return runSingle(ctx, entry, cfg, snap, collector)
	case cfg.MinimizeCorpus:
		return runMinimizeCorpus(ctx, entry, cfg, snap, collector)
	case cfg.MinimizeCrashes:
		return runMinimizeCrashes(ctx, entry, cfg, snap, collector)
	default:
		return runCampaign(ctx, entry, cfg, snap, collector)
	}
}

func runSingle(ctx context.Context, log *log.Entry, cfg *config.Config, snap *vm.Snapshot, collector *coverage.BreakpointCollector) error {
	data, err := os.ReadFile(cfg.SingleRunInput)
	if err != nil {
		return err
	}
	inst, err := vm.Clone(log, snap)
	if err != nil {
		return err
	}
	defer inst.Close()
	if err := collector.Arm(inst); err != nil {
		return err
	}

	w := &fuzz.Worker{ID: 0, Snapshot: snap, Collector: collector, Stats: &fuzz.Stats{}, Timeout: cfg.Timeout, CPU: -1, Log: log}
	if _, err := w.FeedAndRunOnce(ctx, inst, data); err != nil {
		return err
	}
	return nil
}

func runCampaign(ctx context.Context, log *log.Entry, cfg *config.Config, snap *vm.Snapshot, collector *coverage.BreakpointCollector) error {
	seeds, err := readSeeds(cfg.InputDir)
	if err != nil {
		return err
	}
	store := newCorpusStore(seeds)

	stats := &fuzz.Stats{}
	stop, err := fuzz.StartReporter(stats, filepath.Join(cfg.OutputDir, "stats.txt"), 1*time.Second)
	if err != nil {
		return err
	}
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, draining workers")
		cancel()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, cfg.Jobs)
	for i := 0; i < cfg.Jobs; i++ {
		wg.Add(1)
		w := &fuzz.Worker{
			ID:        i,
			Snapshot:  snap,
			Collector: collector.Clone(),
			Store:     store,
			Stats:     stats,
			Timeout:   cfg.Timeout,
			CPU:       i % runtime.NumCPU(),
			Log:       log.WithField("worker", i),
		}
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := w.Run(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	if err := persistResults(cfg.OutputDir, store); err != nil {
		log.WithError(err).Warn("failed to persist corpus/crash artifacts")
	}

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
