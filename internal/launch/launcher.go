// Package launch starts built kernel artifacts: under an emulator, under a
// debugger, or as a single host process in libos mode. The emulator and
// debugger are opaque executables; only their arguments and exit status
// matter here.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
	"zforge/internal/config"
	"zforge/internal/executor"
	"zforge/internal/logging"
)

// Spec describes one emulated launch.
type Spec struct {
	// Artifact is the kernel binary handed to the emulator. Empty selects
	// the architecture default.
	Artifact string
	Arch     arch.Architecture
	// SMP is the emulated core count; zero means one.
	SMP int
	// GDBPort, when non-zero, starts the emulator halted and waiting for
	// a debugger on that port.
	GDBPort int
}

// Launcher runs kernel artifacts.
type Launcher struct {
	Config config.Config
	Logger *slog.Logger
	Runner executor.Runner
}

// Emulate boots the kernel under the architecture's system emulator. The
// call blocks until the emulator exits.
func (l *Launcher) Emulate(ctx context.Context, spec Spec) error {
	kernel := spec.Artifact
	if kernel == "" {
		kernel = l.defaultKernel(spec.Arch)
	}
	if _, err := os.Stat(kernel); err != nil {
		return &buildfail.ArtifactNotFoundError{Path: kernel}
	}
	image := l.Config.ImagePath(spec.Arch)
	if _, err := os.Stat(image); err != nil {
		return &buildfail.ArtifactNotFoundError{Path: image}
	}

	smp := spec.SMP
	if smp <= 0 {
		smp = 1
	}

	args := []string{"-smp", strconv.Itoa(smp)}
	switch spec.Arch {
	case arch.Riscv64:
		args = append(args,
			"-machine", "virt",
			"-bios", l.Config.SBIFirmware(),
			"-m", "512M",
		)
	case arch.X86_64:
		args = append(args,
			"-machine", "q35",
			"-m", "1G",
		)
	}
	args = append(args,
		"-kernel", kernel,
		"-initrd", image,
		"-append", "LOG=warn",
		"-serial", "mon:stdio",
		"-display", "none",
		"-no-reboot",
		"-nographic",
	)
	if spec.GDBPort > 0 {
		// Halted start: the emulator waits for a debugger to attach.
		args = append(args, "-S", "-gdb", fmt.Sprintf("tcp::%d", spec.GDBPort))
	}

	logging.Ensure(l.Logger).Info("starting emulator",
		"arch", spec.Arch.String(),
		"smp", smp,
		"gdb_port", spec.GDBPort,
	)
	return l.Runner.Run(ctx, spec.Arch.QemuSystem(), args...)
}

// Attach connects a debugger to an emulator already listening on port.
func (l *Launcher) Attach(ctx context.Context, a arch.Architecture, port int) error {
	if port <= 0 {
		return errors.New("debug port is required")
	}
	kernel := l.Config.KernelELF(a)
	args := []string{}
	if _, err := os.Stat(kernel); err == nil {
		// Symbols are optional; attaching works without them.
		args = append(args, kernel)
	}
	args = append(args, "-ex", fmt.Sprintf("target remote localhost:%d", port))

	logging.Ensure(l.Logger).Info("attaching debugger", "arch", a.String(), "port", port)
	return l.Runner.Run(ctx, a.GDB(), args...)
}

// Libos runs the kernel as a single host process directly executing one user
// binary. The process terminates when that binary finishes; there are no
// service semantics. An empty binary path is a configuration error.
func (l *Launcher) Libos(ctx context.Context, binary string) error {
	if binary == "" {
		return errors.New("libos mode requires a user binary path")
	}
	kernel := l.Config.KernelELF(arch.X86_64)
	if _, err := os.Stat(kernel); err != nil {
		return &buildfail.ArtifactNotFoundError{Path: kernel}
	}

	logging.Ensure(l.Logger).Info("running libos", "binary", binary)
	return l.Runner.Run(ctx, kernel, binary)
}

func (l *Launcher) defaultKernel(a arch.Architecture) string {
	kernel := l.Config.KernelELF(a)
	if a == arch.Riscv64 {
		// riscv64 boots the stripped raw binary, not the ELF.
		kernel += ".bin"
	}
	return kernel
}
