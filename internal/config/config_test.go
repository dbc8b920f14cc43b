package config

import (
	"os"
	"path/filepath"
	"testing"

	"zforge/internal/arch"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if cfg.PrefixDir != "prebuilt" || cfg.FuseTool != "rcore-fs-fuse" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zforge.yaml")
	content := []byte("prefix_dir: /opt/prebuilt\nrootfs_dir: /var/zforge/rootfs\ntoolchains:\n  riscv64:\n    prefix: riscv64-unknown-elf-\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PrefixDir != "/opt/prebuilt" {
		t.Errorf("PrefixDir = %q", cfg.PrefixDir)
	}
	if cfg.ImageDir != "images" {
		t.Errorf("ImageDir lost its default: %q", cfg.ImageDir)
	}
	if cfg.Toolchains["riscv64"].Prefix != "riscv64-unknown-elf-" {
		t.Errorf("toolchain override not applied: %+v", cfg.Toolchains)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.RootfsDir = "/work/rootfs"
	cfg.ImageDir = "/work/images"

	if got := cfg.TreeDir(arch.Riscv64); got != "/work/rootfs/riscv64" {
		t.Errorf("TreeDir = %q", got)
	}
	if got := cfg.ImagePath(arch.X86_64); got != "/work/images/x86_64.img" {
		t.Errorf("ImagePath = %q", got)
	}
	if got := cfg.TreeStatePath(arch.X86_64); got != "/work/rootfs/x86_64.state.json" {
		t.Errorf("TreeStatePath = %q", got)
	}
}
