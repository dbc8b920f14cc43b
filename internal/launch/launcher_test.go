package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
	"zforge/internal/config"
)

type stubRunner struct {
	calls [][]string
	err   error
}

func (r *stubRunner) Run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

func (r *stubRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	return nil, r.Run(context.Background(), name, args...)
}

func testLauncher(t *testing.T) (*Launcher, *stubRunner, config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.KernelDir = filepath.Join(root, "target")
	cfg.ImageDir = filepath.Join(root, "images")
	cfg.PrefixDir = filepath.Join(root, "prebuilt")

	runner := &stubRunner{}
	return &Launcher{Config: cfg, Runner: runner}, runner, cfg
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func hasArgPair(call []string, key, value string) bool {
	for i := 0; i+1 < len(call); i++ {
		if call[i] == key && call[i+1] == value {
			return true
		}
	}
	return false
}

func hasArg(call []string, arg string) bool {
	for _, a := range call {
		if a == arg {
			return true
		}
	}
	return false
}

func TestEmulateRiscv64(t *testing.T) {
	l, runner, cfg := testLauncher(t)
	mustWrite(t, cfg.KernelELF(arch.Riscv64)+".bin")
	mustWrite(t, cfg.ImagePath(arch.Riscv64))

	err := l.Emulate(context.Background(), Spec{Arch: arch.Riscv64, SMP: 4})
	if err != nil {
		t.Fatalf("Emulate returned error: %v", err)
	}

	call := runner.calls[0]
	if call[0] != "qemu-system-riscv64" {
		t.Errorf("emulator binary = %q", call[0])
	}
	if !hasArgPair(call, "-smp", "4") {
		t.Errorf("missing -smp 4: %v", call)
	}
	if !hasArgPair(call, "-machine", "virt") {
		t.Errorf("missing machine config: %v", call)
	}
	if !hasArgPair(call, "-bios", cfg.SBIFirmware()) {
		t.Errorf("missing SBI firmware: %v", call)
	}
	if hasArg(call, "-S") {
		t.Errorf("halted start without a debug port: %v", call)
	}
}

func TestEmulateWithDebugPortStartsHalted(t *testing.T) {
	l, runner, cfg := testLauncher(t)
	mustWrite(t, cfg.KernelELF(arch.X86_64))
	mustWrite(t, cfg.ImagePath(arch.X86_64))

	err := l.Emulate(context.Background(), Spec{Arch: arch.X86_64, SMP: 1, GDBPort: 1234})
	if err != nil {
		t.Fatalf("Emulate returned error: %v", err)
	}

	call := runner.calls[0]
	if !hasArg(call, "-S") || !hasArgPair(call, "-gdb", "tcp::1234") {
		t.Errorf("debug stub args missing: %v", call)
	}
}

func TestEmulateMissingKernel(t *testing.T) {
	l, _, cfg := testLauncher(t)
	mustWrite(t, cfg.ImagePath(arch.Riscv64))

	err := l.Emulate(context.Background(), Spec{Arch: arch.Riscv64})
	var notFound *buildfail.ArtifactNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want ArtifactNotFoundError, got %v", err)
	}
}

func TestAttach(t *testing.T) {
	l, runner, _ := testLauncher(t)

	if err := l.Attach(context.Background(), arch.Riscv64, 1234); err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}
	call := runner.calls[0]
	if call[0] != "riscv64-linux-musl-gdb" {
		t.Errorf("debugger binary = %q", call[0])
	}
	if !hasArgPair(call, "-ex", "target remote localhost:1234") {
		t.Errorf("remote target args missing: %v", call)
	}
}

func TestAttachRequiresPort(t *testing.T) {
	l, _, _ := testLauncher(t)
	if err := l.Attach(context.Background(), arch.Riscv64, 0); err == nil {
		t.Error("Attach without port succeeded")
	}
}

func TestLibosRunsSingleBinary(t *testing.T) {
	l, runner, cfg := testLauncher(t)
	mustWrite(t, cfg.KernelELF(arch.X86_64))

	if err := l.Libos(context.Background(), "/bin/busybox"); err != nil {
		t.Fatalf("Libos returned error: %v", err)
	}
	call := runner.calls[0]
	if call[0] != cfg.KernelELF(arch.X86_64) || call[1] != "/bin/busybox" {
		t.Errorf("libos call = %v", call)
	}

	// A second invocation is independent of the first.
	if err := l.Libos(context.Background(), "/bin/busybox"); err != nil {
		t.Fatalf("second Libos returned error: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Errorf("calls = %d", len(runner.calls))
	}
}

func TestLibosRequiresBinary(t *testing.T) {
	l, runner, _ := testLauncher(t)

	if err := l.Libos(context.Background(), ""); err == nil {
		t.Error("Libos without a binary succeeded")
	}
	if len(runner.calls) != 0 {
		t.Error("libos kernel started without a binary")
	}
}
