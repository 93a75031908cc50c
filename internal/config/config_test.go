package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func mkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel")
	target := writeFile(t, dir, "target")
	inputDir := filepath.Join(dir, "inputs")
	mkdir(t, inputDir)

	cfg := &Config{
		Kernel:    kernel,
		Target:    target,
		InputDir:  inputDir,
		OutputDir: filepath.Join(dir, "out"),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Jobs <= 0 {
		t.Fatal("Jobs must be filled with a positive default")
	}
	if cfg.MemoryMB != DefaultMemoryMB {
		t.Fatalf("MemoryMB = %d, want default %d", cfg.MemoryMB, DefaultMemoryMB)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("Timeout = %v, want default %v", cfg.Timeout, DefaultTimeout)
	}
	if cfg.BasicBlocks != DefaultBasicBlocks {
		t.Fatalf("BasicBlocks = %d, want default %d", cfg.BasicBlocks, DefaultBasicBlocks)
	}
}

func TestValidateRejectsMissingKernel(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "target")
	cfg := &Config{Kernel: filepath.Join(dir, "nope"), Target: target, InputDir: dir, OutputDir: filepath.Join(dir, "out")}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a nonexistent kernel path")
	}
}

func TestValidateRejectsMultipleModes(t *testing.T) {
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel")
	target := writeFile(t, dir, "target")
	cfg := &Config{
		Kernel:         kernel,
		Target:         target,
		SingleRun:      true,
		MinimizeCorpus: true,
		SingleRunInput: target,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when --single-run and --minimize-corpus are both set")
	}
}

func TestValidateSingleRunRequiresInput(t *testing.T) {
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel")
	target := writeFile(t, dir, "target")
	cfg := &Config{Kernel: kernel, Target: target, SingleRun: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when --single-run is set without --input")
	}
}

func TestValidateSingleRunSkipsCorpusDirs(t *testing.T) {
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel")
	target := writeFile(t, dir, "target")
	input := writeFile(t, dir, "input")
	cfg := &Config{Kernel: kernel, Target: target, SingleRun: true, SingleRunInput: input}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateCreatesOutputDir(t *testing.T) {
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel")
	target := writeFile(t, dir, "target")
	inputDir := filepath.Join(dir, "inputs")
	mkdir(t, inputDir)
	outDir := filepath.Join(dir, "nested", "out")

	cfg := &Config{Kernel: kernel, Target: target, InputDir: inputDir, OutputDir: outDir}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	info, err := os.Stat(outDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected --output-dir to be created as a directory: %v", err)
	}
}

func TestValidateRejectsMissingInputDir(t *testing.T) {
	dir := t.TempDir()
	kernel := writeFile(t, dir, "kernel")
	target := writeFile(t, dir, "target")
	cfg := &Config{Kernel: kernel, Target: target, OutputDir: filepath.Join(dir, "out")}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when --input-dir is missing for a campaign run")
	}
}
