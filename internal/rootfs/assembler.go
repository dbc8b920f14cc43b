// Package rootfs assembles per-architecture root filesystem trees: a base
// minimal filesystem extracted from a prebuilt archive, plus a stable-ordered
// sequence of overlays selected by the target.
package rootfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"zforge/internal/arch"
	"zforge/internal/buildfail"
	"zforge/internal/config"
	"zforge/internal/fetch"
	"zforge/internal/logging"
	"zforge/internal/target"
)

// busyboxLinks are the applets linked to busybox in every assembled tree.
var busyboxLinks = []string{
	"cat", "cp", "echo", "false", "grep", "gzip", "kill", "ln", "ls",
	"mkdir", "mv", "pidof", "ping", "ping6", "printenv", "ps", "pwd",
	"rm", "rmdir", "sh", "sleep", "stat", "tar", "touch", "true",
	"uname", "usleep", "watch",
}

// Assembler owns the rootfs working trees. Assemblies for the same
// architecture are serialized; different architectures are independent.
type Assembler struct {
	Config config.Config
	Logger *slog.Logger
	Fetch  *fetch.Client
	// Overlays defaults to the built-in catalog when nil.
	Overlays []Overlay

	mu    sync.Mutex
	locks map[arch.Architecture]*sync.Mutex
}

// New returns an assembler over the provided configuration.
func New(cfg config.Config, logger *slog.Logger, client *fetch.Client) *Assembler {
	return &Assembler{Config: cfg, Logger: logger, Fetch: client}
}

func (a *Assembler) logger() *slog.Logger { return logging.Ensure(a.Logger) }

func (a *Assembler) overlays() []Overlay {
	if a.Overlays != nil {
		return a.Overlays
	}
	return Catalog()
}

// archLock returns the mutex serializing assemblies for one architecture.
func (a *Assembler) archLock(ar arch.Architecture) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locks == nil {
		a.locks = make(map[arch.Architecture]*sync.Mutex)
	}
	lock, ok := a.locks[ar]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[ar] = lock
	}
	return lock
}

// Assemble rebuilds the target's rootfs tree from a clean slate: any prior
// tree is removed entirely before the base filesystem is extracted and the
// applicable overlays applied in tier order. On failure the tree is left
// marked incomplete and must not be packaged.
func (a *Assembler) Assemble(ctx context.Context, tgt target.Target) (*Tree, error) {
	lock := a.archLock(tgt.Arch)
	lock.Lock()
	defer lock.Unlock()

	logger := a.logger().With("arch", tgt.Arch.String(), "board", tgt.Board)
	logger.Info("assembling rootfs", "features", tgt.Features())

	tree, err := Load(a.Config, tgt.Arch)
	if err != nil {
		return nil, err
	}

	// Clean slate: stale files from a previous feature set must never
	// leak into this build.
	if err := os.RemoveAll(tree.Root); err != nil {
		return nil, fmt.Errorf("remove previous tree %s: %w", tree.Root, err)
	}
	if err := os.MkdirAll(filepath.Dir(tree.statePath), 0o755); err != nil {
		return nil, err
	}
	if err := tree.reset(); err != nil {
		return nil, err
	}

	if err := a.populateBase(ctx, tree, tgt); err != nil {
		return tree, err
	}

	selected := make([]Overlay, 0, len(a.overlays()))
	for _, o := range a.overlays() {
		if o.Applies(tgt) {
			selected = append(selected, o)
		}
	}
	sortOverlays(selected)
	if err := checkConflicts(selected); err != nil {
		return tree, err
	}

	for _, o := range selected {
		// Cancellation is honored between overlays only.
		if err := ctx.Err(); err != nil {
			return tree, err
		}
		if err := a.applyOne(ctx, tree, tgt, o); err != nil {
			return tree, err
		}
	}

	if err := tree.markComplete(); err != nil {
		return tree, err
	}
	logger.Info("rootfs assembly complete", "capabilities", tree.Capabilities())
	return tree, nil
}

// EnsureBase returns the existing tree for the target, building the base
// filesystem first if no tree is present. Unlike Assemble it never removes
// an existing tree.
func (a *Assembler) EnsureBase(ctx context.Context, tgt target.Target) (*Tree, error) {
	lock := a.archLock(tgt.Arch)
	lock.Lock()
	defer lock.Unlock()

	tree, _, err := a.ensureBase(ctx, tgt)
	return tree, err
}

// ensureBase loads the tree, building the base filesystem when no tree is
// on disk yet. existed reports whether a tree was already present. The
// caller must hold the architecture's lock.
func (a *Assembler) ensureBase(ctx context.Context, tgt target.Target) (tree *Tree, existed bool, err error) {
	tree, err = Load(a.Config, tgt.Arch)
	if err != nil {
		return nil, false, err
	}
	if tree.Exists() {
		return tree, true, nil
	}

	if err := os.MkdirAll(filepath.Dir(tree.statePath), 0o755); err != nil {
		return nil, false, err
	}
	if err := tree.reset(); err != nil {
		return nil, false, err
	}
	if err := a.populateBase(ctx, tree, tgt); err != nil {
		return tree, false, err
	}
	if err := tree.markComplete(); err != nil {
		return tree, false, err
	}
	return tree, false, nil
}

// ApplyOverlay applies one named overlay onto the target's tree, building
// the base first when the tree does not exist yet. Soft dependencies that
// are absent produce a warning, not an error. A tree left incomplete by a
// failed assembly is refused: one overlay cannot restore the overlays the
// failed run never applied, so only a full rebuild makes it valid again.
func (a *Assembler) ApplyOverlay(ctx context.Context, tgt target.Target, name string) (*Tree, error) {
	var selected *Overlay
	for _, o := range a.overlays() {
		if o.Name == name {
			o := o
			selected = &o
			break
		}
	}
	if selected == nil {
		return nil, &buildfail.OverlayFailedError{
			Name:  name,
			Cause: fmt.Errorf("no such overlay in the catalog"),
		}
	}
	if selected.Dest != "" {
		for _, o := range a.overlays() {
			if o.Name != selected.Name && o.Tier == selected.Tier && o.Dest == selected.Dest {
				return nil, &buildfail.OverlayFailedError{
					Name:  selected.Name,
					Cause: fmt.Errorf("destination %q also claimed by overlay %s of the same tier", selected.Dest, o.Name),
				}
			}
		}
	}

	lock := a.archLock(tgt.Arch)
	lock.Lock()
	defer lock.Unlock()

	tree, existed, err := a.ensureBase(ctx, tgt)
	if err != nil {
		return tree, err
	}
	if existed && !tree.Complete() {
		return tree, &buildfail.OverlayFailedError{
			Name:  selected.Name,
			Cause: fmt.Errorf("tree %s is left over from a failed assembly; rebuild it with a full rootfs run", tree.Root),
		}
	}

	if err := a.applyOne(ctx, tree, tgt, *selected); err != nil {
		return tree, err
	}
	if err := tree.markComplete(); err != nil {
		return tree, err
	}
	return tree, nil
}

// applyOne runs a single overlay, logging soft-dependency gaps and recording
// the overlay's capability on success. Failures mark the tree incomplete.
func (a *Assembler) applyOne(ctx context.Context, tree *Tree, tgt target.Target, o Overlay) error {
	logger := a.logger().With("overlay", o.Name, "arch", tgt.Arch.String())

	for _, want := range o.WantCaps {
		if !tree.Has(want) {
			logger.Warn("optional dependency overlay absent, building without it", "wanted", want)
		}
	}

	if err := tree.markIncomplete(); err != nil {
		return err
	}
	logger.Info("applying overlay")
	if err := o.Run(ctx, a, tree, tgt); err != nil {
		logger.Error("overlay failed", "error", err)
		return &buildfail.OverlayFailedError{Name: o.Name, Cause: err}
	}
	if err := tree.grant(o.Provides); err != nil {
		return err
	}
	return nil
}

// populateBase extracts the base minimal filesystem and installs the pieces
// every tree needs: bin/, lib/, busybox, the musl loader and the busybox
// applet links.
func (a *Assembler) populateBase(ctx context.Context, tree *Tree, tgt target.Target) error {
	archive, err := a.ensureBaseArchive(ctx, tgt.Arch)
	if err != nil {
		return err
	}

	// The riscv64 prebuilt is wrapped in a single top-level directory;
	// the Alpine minirootfs is not.
	stripTop := tgt.Arch == arch.Riscv64
	if err := extractArchive(archive, tree.Root, stripTop); err != nil {
		return fmt.Errorf("extract base rootfs: %w", err)
	}

	for _, dir := range []string{"bin", "lib"} {
		if err := os.MkdirAll(filepath.Join(tree.Root, dir), 0o755); err != nil {
			return err
		}
	}

	busybox := filepath.Join(tree.Root, "bin", "busybox")
	if _, err := os.Stat(busybox); err != nil {
		return fmt.Errorf("base filesystem has no busybox: %w", err)
	}

	if err := a.installLoader(tree, tgt.Arch); err != nil {
		return err
	}

	bin := filepath.Join(tree.Root, "bin")
	for _, applet := range busyboxLinks {
		link := filepath.Join(bin, applet)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink("busybox", link); err != nil {
			return fmt.Errorf("link applet %s: %w", applet, err)
		}
	}
	return nil
}

// installLoader places the musl dynamic loader at its canonical path.
// x86_64 trees carry the libos loader so the tree is directly runnable as a
// single host process; it is swapped for the real loader at packaging time.
func (a *Assembler) installLoader(tree *Tree, ar arch.Architecture) error {
	loader := filepath.Join(tree.Root, "lib", ar.MuslLoader())
	switch ar {
	case arch.X86_64:
		return copyFile(a.Config.LibosLoader(), loader)
	default:
		if _, err := os.Stat(loader); err == nil {
			return nil
		}
		src := filepath.Join(a.Config.PrefixDir, ar.String(), ar.MuslLoader())
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("musl loader for %s not in base archive or prefix: %w", ar, err)
		}
		return copyFile(src, loader)
	}
}

// SwapLoader switches an x86_64 tree between the libos loader and the real
// musl loader. Packaging needs the real loader inside the image; libos runs
// need the host-runnable one. Other architectures are a no-op.
func (a *Assembler) SwapLoader(tree *Tree, real bool) error {
	if tree.Arch != arch.X86_64 {
		return nil
	}
	loader := filepath.Join(tree.Root, "lib", tree.Arch.MuslLoader())
	src := a.Config.LibosLoader()
	if real {
		src = filepath.Join(a.Config.PrefixDir, tree.Arch.String(), tree.Arch.MuslLoader())
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("loader %s: %w", src, err)
	}
	return copyFile(src, loader)
}

// ensureBaseArchive returns the base archive path, downloading it from the
// configured mirror when absent and verifying it against a recorded
// checksum when one exists.
func (a *Assembler) ensureBaseArchive(ctx context.Context, ar arch.Architecture) (string, error) {
	archive := a.Config.BaseArchivePath(ar)
	if _, err := os.Stat(archive); err != nil {
		url, ok := a.Config.Mirrors[ar.String()]
		if !ok || url == "" {
			return "", fmt.Errorf("base archive %s missing and no mirror configured", archive)
		}
		if a.Fetch == nil {
			return "", fmt.Errorf("base archive %s missing and no fetch client configured", archive)
		}
		if err := a.Fetch.Download(ctx, url, archive); err != nil {
			return "", err
		}
	}

	verified, err := fetch.Verify(archive, fetch.SumFile(archive))
	if err != nil {
		return "", err
	}
	if !verified {
		a.logger().Debug("no checksum record for base archive", "archive", archive)
	}
	return archive, nil
}
