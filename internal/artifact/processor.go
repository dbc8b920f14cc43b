// Package artifact post-processes already-built kernel binaries: a
// disassembly dump and a size-stripped raw binary. Nothing here triggers a
// build; the compiled ELF must exist first.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
	"zforge/internal/config"
	"zforge/internal/executor"
	"zforge/internal/logging"
	"zforge/internal/toolchain"
)

// Processor wraps the binutils invocations over compiled kernel artifacts.
type Processor struct {
	Config    config.Config
	Logger    *slog.Logger
	Runner    executor.Runner
	Toolchain toolchain.Resolver
}

// Disassemble writes a full disassembly of the architecture's kernel ELF and
// returns the output path. An empty output selects <kernel>.asm.
func (p *Processor) Disassemble(ctx context.Context, a arch.Architecture, output string) (string, error) {
	kernel, tc, err := p.locate(a)
	if err != nil {
		return "", err
	}
	if output == "" {
		output = kernel + ".asm"
	}

	logging.Ensure(p.Logger).Info("disassembling kernel", "arch", a.String(), "output", output)
	dump, err := p.Runner.Output(ctx, tc.Objdump(), "-d", kernel)
	if err != nil {
		return "", fmt.Errorf("disassemble %s: %w", kernel, err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(output, dump, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", output, err)
	}
	return output, nil
}

// Strip writes a stripped raw binary of the architecture's kernel ELF and
// returns the output path. An empty output selects <kernel>.bin, distinct
// from the unstripped build artifact.
func (p *Processor) Strip(ctx context.Context, a arch.Architecture, output string) (string, error) {
	kernel, tc, err := p.locate(a)
	if err != nil {
		return "", err
	}
	if output == "" {
		output = kernel + ".bin"
	}

	logging.Ensure(p.Logger).Info("stripping kernel", "arch", a.String(), "output", output)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	err = p.Runner.Run(ctx, tc.Objcopy(),
		"--binary-architecture="+a.String(),
		kernel,
		"--strip-all",
		"-O", "binary",
		output,
	)
	if err != nil {
		return "", fmt.Errorf("strip %s: %w", kernel, err)
	}
	return output, nil
}

func (p *Processor) locate(a arch.Architecture) (string, toolchain.Toolchain, error) {
	kernel := p.Config.KernelELF(a)
	if _, err := os.Stat(kernel); err != nil {
		return "", toolchain.Toolchain{}, &buildfail.ArtifactNotFoundError{Path: kernel}
	}
	tc, err := p.Toolchain.Resolve(a)
	if err != nil {
		return "", toolchain.Toolchain{}, err
	}
	return kernel, tc, nil
}
