// Package toolchain maps an architecture onto its cross-compilation
// toolchain and verifies the compiler is actually installed.
package toolchain

import (
	"os"
	"os/exec"
	"path/filepath"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
	"zforge/internal/config"
)

// Toolchain describes a resolved cross-compilation toolchain.
type Toolchain struct {
	Arch    arch.Architecture
	Prefix  string
	Sysroot string
}

// Compiler returns the C compiler binary name for the toolchain.
func (t Toolchain) Compiler() string { return t.Prefix + "gcc" }

// Objdump returns the disassembler binary name for the toolchain.
func (t Toolchain) Objdump() string { return t.Prefix + "objdump" }

// Objcopy returns the object-copy binary name for the toolchain.
func (t Toolchain) Objcopy() string { return t.Prefix + "objcopy" }

// builtin is the static toolchain table; Config entries override it.
var builtin = map[arch.Architecture]config.ToolchainSpec{
	arch.X86_64:  {Prefix: "x86_64-linux-musl-"},
	arch.Riscv64: {Prefix: "riscv64-linux-musl-"},
}

// Resolver resolves toolchains against a configuration. Resolution is
// deterministic: the same architecture always yields the same Toolchain.
type Resolver struct {
	Config config.Config
}

// Resolve returns the toolchain for an architecture, verifying that its
// compiler is discoverable. Absence is a hard failure, never a fallback.
func (r Resolver) Resolve(a arch.Architecture) (Toolchain, error) {
	spec, ok := r.Config.Toolchains[a.String()]
	if !ok || spec.Prefix == "" {
		spec, ok = builtin[a]
		if !ok {
			return Toolchain{}, &buildfail.InvalidArchitectureError{Value: a.String()}
		}
	}

	tc := Toolchain{Arch: a, Prefix: spec.Prefix, Sysroot: spec.Sysroot}
	if !r.discoverable(tc.Compiler()) {
		return Toolchain{}, &buildfail.ToolchainMissingError{Arch: a.String(), Compiler: tc.Compiler()}
	}
	return tc, nil
}

// discoverable checks the configured search dirs first, then PATH. A file in
// a search dir counts when it is executable.
func (r Resolver) discoverable(binary string) bool {
	for _, dir := range r.Config.SearchDirs {
		info, err := os.Stat(filepath.Join(dir, binary))
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return true
		}
	}
	_, err := exec.LookPath(binary)
	return err == nil
}
