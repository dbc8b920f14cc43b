package rootfs

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// extractArchive unpacks a tar archive (optionally compressed) into dest.
// When stripTop is set the single top-level directory the archive is wrapped
// in is removed from every entry path. Special files (devices, fifos) are
// skipped: the packed image does not carry them and creating them requires
// privileges the pipeline does not ask for.
func extractArchive(src, dest string, stripTop bool) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", src, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(src, ".tar.gz"), strings.HasSuffix(src, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip reader for %s: %w", src, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(src, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("xz reader for %s: %w", src, err)
		}
		r = xzr
	case strings.HasSuffix(src, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("zstd reader for %s: %w", src, err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(src, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(src, ".tar"):
	default:
		return fmt.Errorf("unsupported archive format: %s", src)
	}

	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destAbs, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header in %s: %w", src, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := filepath.Clean(hdr.Name)
		if stripTop {
			if i := strings.IndexByte(name, filepath.Separator); i >= 0 {
				name = name[i+1:]
			} else {
				// The top-level entry itself.
				continue
			}
		}
		if name == "" || name == "." {
			continue
		}

		path := filepath.Join(destAbs, name)
		// Guard against path traversal from hostile archive entries.
		if !strings.HasPrefix(path, destAbs+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive %s: %s", src, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("create dir %s: %w", path, err)
			}
		case tar.TypeReg:
			if err := writeFileFrom(tr, path, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(destAbs, path, hdr.Linkname); err != nil {
				return fmt.Errorf("illegal link in archive %s: %w", src, err)
			}
			if err := replaceSymlink(hdr.Linkname, path); err != nil {
				return err
			}
		case tar.TypeLink:
			targetName := filepath.Clean(hdr.Linkname)
			if stripTop {
				if i := strings.IndexByte(targetName, filepath.Separator); i >= 0 {
					targetName = targetName[i+1:]
				}
			}
			linkTarget := filepath.Join(destAbs, targetName)
			if !strings.HasPrefix(linkTarget, destAbs+string(os.PathSeparator)) {
				return fmt.Errorf("illegal link in archive %s: %s", src, hdr.Linkname)
			}
			if err := replaceHardlink(linkTarget, path); err != nil {
				return err
			}
		default:
			// Character/block devices and fifos are skipped.
		}
	}
	return nil
}

func writeFileFrom(r io.Reader, path string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

// checkLinkTarget rejects symlink targets that point outside the extraction
// root, either absolutely or by climbing above it with "..". A later entry
// extracted through such a link would land outside the tree.
func checkLinkTarget(destAbs, path, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("absolute link target %q", linkname)
	}
	resolved := filepath.Join(filepath.Dir(path), linkname)
	if resolved != destAbs && !strings.HasPrefix(resolved, destAbs+string(os.PathSeparator)) {
		return fmt.Errorf("link target %q escapes the extraction root", linkname)
	}
	return nil
}

func replaceSymlink(linkname, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(linkname, path); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", path, linkname, err)
	}
	return nil
}

func replaceHardlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(target, path); err != nil {
		return fmt.Errorf("hardlink %s -> %s: %w", path, target, err)
	}
	return nil
}
