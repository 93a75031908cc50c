package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/snapfuzz/snapfuzz/internal/corpus"
)

func readSeeds(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapfuzz: read input dir: %w", err)
	}
	var seeds [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("snapfuzz: read seed %s: %w", e.Name(), err)
		}
		seeds = append(seeds, data)
	}
	if len(seeds) == 0 {
		seeds = [][]byte{{}}
	}
	return seeds, nil
}

func newCorpusStore(seeds [][]byte) *corpus.Memory {
	return corpus.NewMemory(seeds)
}

func persistResults(outputDir string, store *corpus.Memory) error {
	corpusDir := filepath.Join(outputDir, "corpus")
	crashDir := filepath.Join(outputDir, "crashes")
	timeoutDir := filepath.Join(outputDir, "timeouts")
	for _, d := range []string{corpusDir, crashDir, timeoutDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	for i, in := range store.Inputs() {
		if err := os.WriteFile(filepath.Join(corpusDir, fmt.Sprintf("%06d", i)), in.Data, 0o644); err != nil {
			return err
		}
	}
	for i, c := range store.Crashes() {
		name := fmt.Sprintf("%06d", i)
		if err := os.WriteFile(filepath.Join(crashDir, name), c.Data, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(crashDir, name+".detail"), []byte(c.Detail), 0o644); err != nil {
			return err
		}
		if c.Fault != nil {
			if err := os.WriteFile(filepath.Join(crashDir, name+".fault"), []byte(c.Fault.String()), 0o644); err != nil {
				return err
			}
		}
	}
	for i, data := range store.Timeouts() {
		if err := os.WriteFile(filepath.Join(timeoutDir, fmt.Sprintf("%06d", i)), data, 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(outputDir, "unique_crashes"),
		[]byte(fmt.Sprintf("%d\n", store.UniqueCrashes())), 0o644)
}
