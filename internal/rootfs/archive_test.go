package rootfs

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

type tarEntry struct {
	name     string
	typeflag byte
	content  string
	linkname string
	mode     int64
}

func file(name, content string) tarEntry {
	return tarEntry{name: name, typeflag: tar.TypeReg, content: content, mode: 0o755}
}

func dir(name string) tarEntry {
	return tarEntry{name: name, typeflag: tar.TypeDir, mode: 0o755}
}

func symlink(name, linkname string) tarEntry {
	return tarEntry{name: name, typeflag: tar.TypeSymlink, linkname: linkname, mode: 0o777}
}

func writeTar(t *testing.T, w io.Writer, entries []tarEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Linkname: e.linkname,
			Size:     int64(len(e.content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeTarGz(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := pgzip.NewWriter(f)
	writeTar(t, gz, entries)
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeTarXz(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	xw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	writeTar(t, xw, entries)
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractArchiveTarGz(t *testing.T) {
	dirPath := t.TempDir()
	archive := filepath.Join(dirPath, "base.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		dir("bin/"),
		file("bin/busybox", "BB"),
		symlink("bin/sh", "busybox"),
		file("etc/hostname", "zforge"),
	})

	dest := filepath.Join(dirPath, "tree")
	if err := extractArchive(archive, dest, false); err != nil {
		t.Fatalf("extractArchive returned error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "bin", "busybox"))
	if err != nil || string(got) != "BB" {
		t.Errorf("busybox = %q, err %v", got, err)
	}
	link, err := os.Readlink(filepath.Join(dest, "bin", "sh"))
	if err != nil || link != "busybox" {
		t.Errorf("sh link = %q, err %v", link, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "etc", "hostname")); err != nil {
		t.Errorf("etc/hostname missing: %v", err)
	}
}

func TestExtractArchiveStripsTopDirectory(t *testing.T) {
	dirPath := t.TempDir()
	archive := filepath.Join(dirPath, "base.tar.xz")
	writeTarXz(t, archive, []tarEntry{
		dir("prebuild/"),
		dir("prebuild/bin/"),
		file("prebuild/bin/busybox", "BB"),
		file("prebuild/lib/ld-musl-riscv64.so.1", "LD"),
	})

	dest := filepath.Join(dirPath, "tree")
	if err := extractArchive(archive, dest, true); err != nil {
		t.Fatalf("extractArchive returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "bin", "busybox")); err != nil {
		t.Errorf("top directory not stripped: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "prebuild")); !os.IsNotExist(err) {
		t.Error("top directory leaked into tree")
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	dirPath := t.TempDir()
	archive := filepath.Join(dirPath, "evil.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		file("../escape", "nope"),
	})

	if err := extractArchive(archive, filepath.Join(dirPath, "tree"), false); err == nil {
		t.Fatal("traversal entry extracted without error")
	}
	if _, err := os.Stat(filepath.Join(dirPath, "escape")); !os.IsNotExist(err) {
		t.Error("traversal entry escaped the destination")
	}
}

func TestExtractArchiveRejectsEscapingLinks(t *testing.T) {
	cases := []struct {
		name    string
		entries []tarEntry
	}{
		{"relative symlink escape", []tarEntry{
			symlink("x", "../outside"),
			file("x/file", "nope"),
		}},
		{"absolute symlink target", []tarEntry{
			symlink("x", "/etc"),
		}},
		{"hardlink escape", []tarEntry{
			{name: "x", typeflag: tar.TypeLink, linkname: "../victim", mode: 0o644},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dirPath := t.TempDir()
			archive := filepath.Join(dirPath, "evil.tar.gz")
			writeTarGz(t, archive, tc.entries)

			if err := extractArchive(archive, filepath.Join(dirPath, "tree"), false); err == nil {
				t.Fatal("escaping link extracted without error")
			}
			if _, err := os.Stat(filepath.Join(dirPath, "outside")); !os.IsNotExist(err) {
				t.Error("link target escaped the destination")
			}
		})
	}
}

func TestExtractArchiveUnsupportedFormat(t *testing.T) {
	dirPath := t.TempDir()
	archive := filepath.Join(dirPath, "base.rar")
	if err := os.WriteFile(archive, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := extractArchive(archive, filepath.Join(dirPath, "tree"), false); err == nil {
		t.Fatal("unsupported format accepted")
	}
}
