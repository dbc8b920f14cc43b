package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zforge/internal/buildfail"
)

func testRoot(t *testing.T) (*bytes.Buffer, func(args ...string) error) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var out bytes.Buffer
	run := func(args ...string) error {
		root := newRootCommand(logger, nil)
		root.SetOut(&out)
		root.SetErr(io.Discard)
		root.SetArgs(args)
		return root.ExecuteContext(context.Background())
	}
	return &out, run
}

func TestUnknownCommandRejected(t *testing.T) {
	_, run := testRoot(t)

	err := run("frobnicate")
	if err == nil {
		t.Fatal("expected an error for an unknown command")
	}
	var unknown *buildfail.UnknownCommandError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownCommandError, got %v", err)
	}
	if unknown.Name != "frobnicate" {
		t.Errorf("expected offending name in error, got %q", unknown.Name)
	}
	var stage *buildfail.StageError
	if !errors.As(err, &stage) || stage.Stage != buildfail.StageValidate {
		t.Errorf("expected validate stage tag, got %v", err)
	}
}

func TestDumpResolvesTarget(t *testing.T) {
	out, run := testRoot(t)

	if err := run("dump", "--arch", "rv64", "--features", "libc-test"); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "riscv64") {
		t.Errorf("expected normalized architecture in dump output, got:\n%s", text)
	}
	if !strings.Contains(text, "libc-test") {
		t.Errorf("expected requested feature in dump output, got:\n%s", text)
	}
}

func TestInvalidArchitectureFailsBeforeSideEffects(t *testing.T) {
	work := t.TempDir()
	cfgPath := filepath.Join(work, "config.yaml")
	cfgBody := "rootfs_dir: " + filepath.Join(work, "rootfs") + "\n" +
		"image_dir: " + filepath.Join(work, "images") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatal(err)
	}

	_, run := testRoot(t)
	err := run("rootfs", "--config", cfgPath, "--arch", "mips")
	var invalid *buildfail.InvalidArchitectureError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArchitectureError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(work, "rootfs")); !os.IsNotExist(statErr) {
		t.Error("rejected command must not create working directories")
	}
}
