package arch

import (
	"fmt"
	"strings"
)

// Architecture identifies a supported kernel build target.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	Riscv64 Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{X86_64, Riscv64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, Riscv64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an
// error if unsupported.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps common aliases onto the canonical Architecture, returning
// the empty string when the value is not supported.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "amd64", "x64":
		return X86_64
	case "riscv64", "rv64", "riscv64gc":
		return Riscv64
	default:
		return ""
	}
}

// DefaultBoard returns the board variant assumed when none is requested.
func (a Architecture) DefaultBoard() string {
	return "generic"
}

// Boards returns the board variants accepted for the architecture.
func (a Architecture) Boards() []string {
	switch a {
	case Riscv64:
		return []string{"generic", "d1"}
	default:
		return []string{"generic"}
	}
}

// QemuSystem returns the emulator binary name for the architecture.
func (a Architecture) QemuSystem() string {
	return "qemu-system-" + a.String()
}

// GDB returns the debugger binary name preferred for the architecture.
func (a Architecture) GDB() string {
	switch a {
	case Riscv64:
		return "riscv64-linux-musl-gdb"
	default:
		return "gdb"
	}
}

// MuslLoader returns the name of the musl dynamic loader inside a rootfs.
func (a Architecture) MuslLoader() string {
	return fmt.Sprintf("ld-musl-%s.so.1", a)
}

// BaseArchive returns the file name of the prebuilt minimal rootfs archive
// for the architecture. riscv64 uses a prebuilt musl rootfs shipped as
// tar.xz; x86_64 uses an Alpine minirootfs tarball.
func (a Architecture) BaseArchive() string {
	switch a {
	case Riscv64:
		return "minirootfs.tar.xz"
	default:
		return "minirootfs.tar.gz"
	}
}

func supportedStrings() []string {
	supported := Supported()
	values := make([]string, 0, len(supported))
	for _, a := range supported {
		values = append(values, a.String())
	}
	return values
}
