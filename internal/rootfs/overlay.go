package rootfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
	"zforge/internal/target"
)

// Tier orders overlay application: core libraries first, then test suites,
// then optional media/vision libraries. Within a tier order is by name, so
// the sequence is stable regardless of how overlays were requested.
type Tier int

const (
	TierCore Tier = iota
	TierTest
	TierOptional
)

// Overlay is a named, conditionally applicable set of files merged into a
// rootfs tree. Applying an overlay twice must not corrupt or duplicate
// state; every built-in overlay copies payloads to canonical paths and
// overwrites on reapplication.
type Overlay struct {
	Name string
	Tier Tier
	// Dest is the destination subpath the overlay claims within the tree.
	// Two overlays of the same tier claiming the same Dest are a
	// configuration conflict and abort assembly.
	Dest string
	// Provides is the capability recorded on the tree after the overlay
	// completes.
	Provides string
	// WantCaps are soft dependencies: capabilities the overlay uses when
	// present but does not require.
	WantCaps []string

	Applies func(t target.Target) bool
	Run     func(ctx context.Context, a *Assembler, tree *Tree, tgt target.Target) error
}

// Catalog returns the built-in overlay set.
func Catalog() []Overlay {
	return []Overlay{
		{
			Name:     "musl-libs",
			Tier:     TierCore,
			Dest:     "lib",
			Provides: "musl-libs",
			Applies:  func(target.Target) bool { return true },
			Run:      applyMuslLibs,
		},
		{
			Name:    "libc-test",
			Tier:    TierTest,
			Dest:    "libc-test",
			Applies: func(t target.Target) bool { return t.HasFeature(target.FeatureLibcTest) },
			Run:     applyLibcTest,
		},
		{
			Name:    "other-test",
			Tier:    TierTest,
			Dest:    "oscomp",
			Applies: func(t target.Target) bool { return t.HasFeature(target.FeatureOtherTest) },
			Run:     applyOtherTest,
		},
		{
			Name:     "ffmpeg",
			Tier:     TierOptional,
			Dest:     "lib/ffmpeg",
			Provides: "ffmpeg",
			Applies:  func(t target.Target) bool { return t.HasFeature(target.FeatureFFmpeg) },
			Run:      applyPayloadArchive("ffmpeg"),
		},
		{
			Name:     "opencv",
			Tier:     TierOptional,
			Dest:     "lib/opencv",
			Provides: "opencv",
			WantCaps: []string{"ffmpeg"},
			Applies:  func(t target.Target) bool { return t.HasFeature(target.FeatureOpenCV) },
			Run:      applyPayloadArchive("opencv"),
		},
	}
}

// sortOverlays orders overlays by tier, then name.
func sortOverlays(overlays []Overlay) {
	sort.SliceStable(overlays, func(i, j int) bool {
		if overlays[i].Tier != overlays[j].Tier {
			return overlays[i].Tier < overlays[j].Tier
		}
		return overlays[i].Name < overlays[j].Name
	})
}

// checkConflicts rejects overlay sets where two overlays of the same tier
// claim the same destination. Cross-tier claims are allowed: the later tier
// shadows the earlier one.
func checkConflicts(overlays []Overlay) error {
	type claim struct {
		name string
		tier Tier
	}
	claims := make(map[string]claim, len(overlays))
	for _, o := range overlays {
		if o.Dest == "" {
			continue
		}
		if prev, ok := claims[o.Dest]; ok && prev.tier == o.Tier {
			return &buildfail.OverlayFailedError{
				Name:  o.Name,
				Cause: fmt.Errorf("destination %q already claimed by overlay %s of the same tier", o.Dest, prev.name),
			}
		}
		claims[o.Dest] = claim{name: o.Name, tier: o.Tier}
	}
	return nil
}

// applyMuslLibs copies the cross toolchain's shared libraries into lib/.
func applyMuslLibs(ctx context.Context, a *Assembler, tree *Tree, tgt target.Target) error {
	src := filepath.Join(a.Config.PrefixDir, tgt.Arch.String(), "musl-libs")
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("musl library payload %s: %w", src, err)
	}
	return copyDir(src, filepath.Join(tree.Root, "lib"))
}

// applyLibcTest copies the libc test suite into the tree and stamps the
// per-architecture build configuration.
func applyLibcTest(ctx context.Context, a *Assembler, tree *Tree, tgt target.Target) error {
	src := filepath.Join(a.Config.PrefixDir, tgt.Arch.String(), "libc-test")
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("libc-test payload %s: %w", src, err)
	}
	dest := filepath.Join(tree.Root, "libc-test")
	if err := copyDir(src, dest); err != nil {
		return err
	}

	// config.mak selects the compiler; cross targets get the toolchain
	// prefix, x86_64 builds with musl-gcc on the host.
	defCfg := filepath.Join(dest, "config.mak.def")
	cfgPath := filepath.Join(dest, "config.mak")
	if _, err := os.Stat(defCfg); err == nil {
		if err := copyFile(defCfg, cfgPath); err != nil {
			return err
		}
	}
	var stamp string
	switch tgt.Arch {
	case arch.Riscv64:
		stamp = "CROSS_COMPILE := riscv64-linux-musl-\nARCH := riscv64\n"
	default:
		stamp = "CC := musl-gcc\nAR := ar\nRANLIB := ranlib\n"
	}
	f, err := os.OpenFile(cfgPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(stamp); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// applyOtherTest installs the remaining per-architecture test payloads:
// the oscomp tree on riscv64, prebuilt syscall test binaries on x86_64.
func applyOtherTest(ctx context.Context, a *Assembler, tree *Tree, tgt target.Target) error {
	switch tgt.Arch {
	case arch.Riscv64:
		src := filepath.Join(a.Config.PrefixDir, tgt.Arch.String(), "oscomp")
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("oscomp payload %s: %w", src, err)
		}
		return copyDir(src, filepath.Join(tree.Root, "oscomp"))
	default:
		src := filepath.Join(a.Config.PrefixDir, tgt.Arch.String(), "syscall-test")
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("syscall-test payload %s: %w", src, err)
		}
		return copyDir(src, filepath.Join(tree.Root, "bin"))
	}
}

// applyPayloadArchive extracts <prefix>/<arch>/<name>.tar.zst into the tree
// root. The archive carries its own canonical subpaths (lib/...), so
// reapplication overwrites in place.
func applyPayloadArchive(name string) func(context.Context, *Assembler, *Tree, target.Target) error {
	return func(ctx context.Context, a *Assembler, tree *Tree, tgt target.Target) error {
		archive := filepath.Join(a.Config.PrefixDir, tgt.Arch.String(), name+".tar.zst")
		if _, err := os.Stat(archive); err != nil {
			return fmt.Errorf("%s payload %s: %w", name, archive, err)
		}
		return extractArchive(archive, tree.Root, false)
	}
}
