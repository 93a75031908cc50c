package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestReadSeedsNamedPairsDataWithFileNames(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "crash1"), []byte("AAAA"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "ignored-subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	data, names, err := readSeedsNamed(dir)
	if err != nil {
		t.Fatalf("readSeedsNamed: %v", err)
	}
	if len(data) != 1 || len(names) != 1 {
		t.Fatalf("got %d entries, want 1", len(data))
	}
	if names[0] != "crash1" || string(data[0]) != "AAAA" {
		t.Fatalf("got name=%q data=%q", names[0], data[0])
	}
}

func TestReadSeedsNamedMissingDirErrors(t *testing.T) {
	if _, _, err := readSeedsNamed(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}

// ddmin must converge to the minimal subsequence that still satisfies
// stillFails. Here "fails" means "contains every byte of needle, in
// order" — a classic ddmin textbook predicate.
func containsSubsequence(data, needle []byte) bool {
	i := 0
	for _, b := range data {
		if i < len(needle) && b == needle[i] {
			i++
		}
	}
	return i == len(needle)
}

func TestDdminReducesToMinimalFailingSubsequence(t *testing.T) {
	needle := []byte("BAD")
	data := []byte("xxxxBxxxxAxxxxDxxxx")
	stillFails := func(candidate []byte) (bool, error) {
		return containsSubsequence(candidate, needle), nil
	}

	min := ddmin(data, stillFails)
	if !containsSubsequence(min, needle) {
		t.Fatalf("ddmin result %q no longer contains the subsequence", min)
	}
	if !bytes.Equal(min, needle) {
		t.Fatalf("ddmin result = %q, want %q (every filler byte is removable)", min, needle)
	}
}

func TestDdminLeavesAlreadyMinimalInputUnchanged(t *testing.T) {
	data := []byte("AB")
	stillFails := func(candidate []byte) (bool, error) {
		return bytes.Contains(candidate, []byte("A")) && bytes.Contains(candidate, []byte("B")), nil
	}
	min := ddmin(data, stillFails)
	if !bytes.Equal(min, data) {
		t.Fatalf("ddmin(%q) = %q, want unchanged (already minimal)", data, min)
	}
}

func TestDdminPropagatesStillFailsErrorsByLeavingDataUnreduced(t *testing.T) {
	data := []byte("ABCDEFGH")
	calls := 0
	stillFails := func(candidate []byte) (bool, error) {
		calls++
		return false, fmt.Errorf("boom")
	}
	min := ddmin(data, stillFails)
	if !bytes.Equal(min, data) {
		t.Fatalf("ddmin must leave data untouched when every candidate errors, got %q", min)
	}
	if calls == 0 {
		t.Fatal("stillFails was never called")
	}
}
