// Package config holds the explicitly constructed configuration object passed
// to every pipeline component. Nothing in this repository reads ambient
// process-wide path tables; tests substitute fake locations by building their
// own Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"zforge/internal/arch"
)

// ToolchainSpec describes one cross-compilation toolchain entry.
type ToolchainSpec struct {
	Prefix  string `yaml:"prefix"`
	Sysroot string `yaml:"sysroot"`
}

// Config carries every filesystem location and external-tool name the
// pipeline needs. The prefix directory is read-only from the pipeline's
// perspective; everything under RootfsDir and ImageDir is owned by it.
type Config struct {
	// PrefixDir holds prebuilt archives, loaders and firmware, laid out
	// per architecture. Never written by this system.
	PrefixDir string `yaml:"prefix_dir"`
	// RootfsDir holds one working tree per architecture.
	RootfsDir string `yaml:"rootfs_dir"`
	// ImageDir holds one packaged image per architecture.
	ImageDir string `yaml:"image_dir"`
	// KernelDir holds compiled kernel binaries, laid out per architecture.
	KernelDir string `yaml:"kernel_dir"`

	// Toolchains overrides the built-in toolchain table per architecture.
	Toolchains map[string]ToolchainSpec `yaml:"toolchains"`
	// Mirrors maps an architecture to the download URL of its base
	// minirootfs archive, used when the archive is absent from PrefixDir.
	Mirrors map[string]string `yaml:"mirrors"`
	// SearchDirs are extra directories consulted before PATH when probing
	// for toolchain binaries.
	SearchDirs []string `yaml:"search_dirs"`

	// FuseTool is the external utility that packs a directory tree into a
	// simple-filesystem image.
	FuseTool string `yaml:"fuse_tool"`
	// QemuImg is the image manipulation utility used for the grow step.
	QemuImg string `yaml:"qemu_img"`
}

// Default returns the compiled-in configuration rooted at the current
// working directory.
func Default() Config {
	return Config{
		PrefixDir: "prebuilt",
		RootfsDir: "rootfs",
		ImageDir:  "images",
		KernelDir: "target",
		FuseTool:  "rcore-fs-fuse",
		QemuImg:   "qemu-img",
		Mirrors: map[string]string{
			arch.Riscv64.String(): "https://github.com/rcore-os/libc-test-prebuilt/releases/download/0.1/prebuild.tar.xz",
			arch.X86_64.String():  "https://dl-cdn.alpinelinux.org/alpine/v3.12/releases/x86_64/alpine-minirootfs-3.12.0-x86_64.tar.gz",
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TreeDir returns the rootfs working tree directory for an architecture.
func (c Config) TreeDir(a arch.Architecture) string {
	return filepath.Join(c.RootfsDir, a.String())
}

// TreeStatePath returns the assembly-state record kept beside a working
// tree. It lives outside the tree so it never ends up inside an image.
func (c Config) TreeStatePath(a arch.Architecture) string {
	return filepath.Join(c.RootfsDir, a.String()+".state.json")
}

// ImagePath returns the canonical packaged image path for an architecture.
func (c Config) ImagePath(a arch.Architecture) string {
	return filepath.Join(c.ImageDir, a.String()+".img")
}

// KernelELF returns the expected compiled kernel binary for an architecture.
func (c Config) KernelELF(a arch.Architecture) string {
	return filepath.Join(c.KernelDir, a.String(), "release", "zcore")
}

// BaseArchivePath returns where the base minirootfs archive for an
// architecture is expected inside the prefix directory.
func (c Config) BaseArchivePath(a arch.Architecture) string {
	return filepath.Join(c.PrefixDir, a.String(), a.BaseArchive())
}

// LibosLoader returns the host-runnable musl loader used by x86_64 rootfs
// trees in libos mode.
func (c Config) LibosLoader() string {
	return filepath.Join(c.PrefixDir, "linux", "libc-libos.so")
}

// SBIFirmware returns the supervisor firmware image booted before the kernel
// on riscv64.
func (c Config) SBIFirmware() string {
	return filepath.Join(c.PrefixDir, arch.Riscv64.String(), "rustsbi-qemu.bin")
}

// EnsureWorkDirs creates the directories the pipeline writes into. It is
// idempotent and never touches PrefixDir.
func (c Config) EnsureWorkDirs() error {
	for _, dir := range []string{c.RootfsDir, c.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
