// Package image serializes an assembled rootfs tree into a single disk image
// artifact. The image file is the only externally durable artifact of a
// build: a failed packaging run never disturbs a previously valid image.
package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
	"golang.org/x/sys/unix"

	"zforge/internal/buildfail"
	"zforge/internal/config"
	"zforge/internal/executor"
	"zforge/internal/logging"
)

// Kind selects the on-disk filesystem format of the packed image.
type Kind string

const (
	// KindSFS packs via the external simple-filesystem fuse utility.
	KindSFS Kind = "sfs"
	// KindISO9660 packs natively as an ISO image.
	KindISO9660 Kind = "iso9660"
)

// DefaultGrowBytes is the pad appended to a packed image so the booted
// kernel has writable headroom.
const DefaultGrowBytes = 5 << 20

// Spec describes one packaging request. It is consumed once.
type Spec struct {
	OutputPath string
	Kind       Kind
	GrowBytes  int64
}

// Source is the assembled tree a packaging run consumes.
type Source interface {
	TreeRoot() string
	Complete() bool
}

// Packager turns completed rootfs trees into image files.
type Packager struct {
	Config config.Config
	Logger *slog.Logger
	Runner executor.Runner
}

// Package packs the source tree into spec.OutputPath and returns that path.
// The image is written to a temporary file and renamed into place only after
// the pack and grow steps both succeed.
func (p *Packager) Package(ctx context.Context, src Source, spec Spec) (string, error) {
	logger := logging.Ensure(p.Logger).With("tree", src.TreeRoot(), "output", spec.OutputPath)

	if !src.Complete() {
		return "", &buildfail.PackagingFailedError{
			Cause: fmt.Errorf("tree %s did not complete assembly", src.TreeRoot()),
		}
	}
	if spec.OutputPath == "" {
		return "", &buildfail.PackagingFailedError{Cause: errors.New("no output path")}
	}
	kind := spec.Kind
	if kind == "" {
		kind = KindSFS
	}
	grow := spec.GrowBytes
	if grow == 0 {
		grow = DefaultGrowBytes
	}

	outDir := filepath.Dir(spec.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", &buildfail.PackagingFailedError{Cause: err}
	}
	if err := p.checkFreeSpace(outDir, src.TreeRoot(), grow); err != nil {
		return "", err
	}

	tmp := fmt.Sprintf("%s.%s.tmp", spec.OutputPath, uuid.NewString())
	defer os.Remove(tmp)

	logger.Info("packing filesystem image", "kind", string(kind))
	switch kind {
	case KindSFS:
		if err := p.Runner.Run(ctx, p.Config.FuseTool, src.TreeRoot(), tmp, "zip"); err != nil {
			return "", &buildfail.PackagingFailedError{Cause: err}
		}
	case KindISO9660:
		if err := packISO(src.TreeRoot(), tmp); err != nil {
			return "", &buildfail.PackagingFailedError{Cause: err}
		}
	default:
		return "", &buildfail.PackagingFailedError{Cause: fmt.Errorf("unsupported image kind %q", kind)}
	}

	if err := p.Runner.Run(ctx, p.Config.QemuImg, "resize", "-f", "raw", tmp, fmt.Sprintf("+%d", grow)); err != nil {
		return "", &buildfail.ResizeFailedError{Cause: err}
	}

	if err := os.Rename(tmp, spec.OutputPath); err != nil {
		return "", &buildfail.PackagingFailedError{Cause: fmt.Errorf("move image into place: %w", err)}
	}
	logger.Info("image packaged")
	return spec.OutputPath, nil
}

// checkFreeSpace refuses to start packing when the output filesystem cannot
// hold the tree plus the grow pad.
func (p *Packager) checkFreeSpace(outDir, treeRoot string, grow int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(outDir, &st); err != nil {
		return &buildfail.PackagingFailedError{Cause: fmt.Errorf("statfs %s: %w", outDir, err)}
	}
	free := int64(st.Bavail) * st.Bsize

	need, err := treeSize(treeRoot)
	if err != nil {
		return &buildfail.PackagingFailedError{Cause: err}
	}
	need += grow

	if free < need {
		return &buildfail.PackagingFailedError{
			Cause: fmt.Errorf("insufficient space in %s: need %d bytes, have %d", outDir, need, free),
		}
	}
	return nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure tree %s: %w", root, err)
	}
	return total, nil
}

func packISO(treeRoot, out string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(treeRoot, "/"); err != nil {
		return fmt.Errorf("stage tree: %w", err)
	}

	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(f, "ROOTFS"); err != nil {
		f.Close()
		return fmt.Errorf("write iso: %w", err)
	}
	return f.Close()
}
