package main

import (
	"strconv"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/config"
)

func TestNewRootCmdRejectsFewerThanTwoArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"only-one-arg"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when fewer than 2 positional args are given")
	}
}

func TestNewRootCmdFlagDefaults(t *testing.T) {
	cmd := newRootCmd()
	flag := cmd.Flags().Lookup("memory")
	if flag == nil {
		t.Fatal("expected a --memory flag")
	}
	if flag.DefValue != strconv.Itoa(config.DefaultMemoryMB) {
		t.Fatalf("--memory default = %q, want %q", flag.DefValue, strconv.Itoa(config.DefaultMemoryMB))
	}

	bbFlag := cmd.Flags().Lookup("basic-blocks")
	if bbFlag == nil {
		t.Fatal("expected a --basic-blocks flag")
	}
	if bbFlag.DefValue != strconv.Itoa(config.DefaultBasicBlocks) {
		t.Fatalf("--basic-blocks default = %q, want %q", bbFlag.DefValue, strconv.Itoa(config.DefaultBasicBlocks))
	}
}
