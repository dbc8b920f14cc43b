package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"zforge/internal/arch"
	"zforge/internal/artifact"
	"zforge/internal/buildfail"
	"zforge/internal/config"
	"zforge/internal/executor"
	"zforge/internal/fetch"
	"zforge/internal/image"
	"zforge/internal/launch"
	"zforge/internal/logging"
	"zforge/internal/rootfs"
	"zforge/internal/target"
	"zforge/internal/toolchain"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand: the resolved
// configuration and the logger. The configuration is loaded once, before
// any side-effecting stage runs.
type app struct {
	logger *slog.Logger
	cfg    config.Config
}

func (a *app) runner() executor.Runner {
	return &executor.Executor{Logger: a.logger.With("component", "executor")}
}

func (a *app) assembler() *rootfs.Assembler {
	return rootfs.New(a.cfg, a.logger.With("component", "rootfs"), &fetch.Client{
		Logger:   a.logger.With("component", "fetch"),
		Progress: true,
	})
}

func (a *app) packager() *image.Packager {
	return &image.Packager{Config: a.cfg, Logger: a.logger.With("component", "image"), Runner: a.runner()}
}

func (a *app) processor() *artifact.Processor {
	return &artifact.Processor{
		Config:    a.cfg,
		Logger:    a.logger.With("component", "artifact"),
		Runner:    a.runner(),
		Toolchain: toolchain.Resolver{Config: a.cfg},
	}
}

func (a *app) launcher() *launch.Launcher {
	return &launch.Launcher{Config: a.cfg, Logger: a.logger.With("component", "launch"), Runner: a.runner()}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	application := &app{logger: logger}

	logLevel := defaultLogLevel
	configPath := ""

	root := &cobra.Command{
		Use:           "zforge",
		Short:         "Build, package and launch multi-architecture kernel artifacts",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return buildfail.AtStage(buildfail.StageValidate, &buildfail.UnknownCommandError{Name: args[0]})
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		application.cfg = cfg
		return nil
	}

	root.AddCommand(
		newSetupCommand(application),
		newUpdateCommand(application),
		newDumpCommand(application),
		newAsmCommand(application),
		newBinCommand(application),
		newQemuCommand(application),
		newGDBCommand(application),
		newRootfsCommand(application),
		newImageCommand(application),
		newLibosCommand(application),
	)
	for _, name := range []string{"musl-libs", "libc-test", "other-test", "ffmpeg", "opencv"} {
		root.AddCommand(newOverlayCommand(application, name))
	}
	return root
}

// parseArch is the shared --arch validation every architecture-bound
// command runs before touching the filesystem.
func parseArch(value string) (arch.Architecture, error) {
	a := arch.Normalize(value)
	if a == "" {
		return "", buildfail.AtStage(buildfail.StageValidate, &buildfail.InvalidArchitectureError{Value: value})
	}
	return a, nil
}

func newSetupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the working directories (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.EnsureWorkDirs(); err != nil {
				return err
			}
			a.logger.Info("workspace ready",
				"rootfs_dir", a.cfg.RootfsDir,
				"image_dir", a.cfg.ImageDir,
			)
			return nil
		},
	}
}

func newUpdateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Fetch missing prebuilt base archives for all architectures (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &fetch.Client{Logger: a.logger.With("component", "fetch"), Progress: true}
			for _, ar := range arch.Supported() {
				archive := a.cfg.BaseArchivePath(ar)
				if _, err := os.Stat(archive); err == nil {
					continue
				}
				url := a.cfg.Mirrors[ar.String()]
				if url == "" {
					a.logger.Warn("no mirror configured", "arch", ar.String())
					continue
				}
				if err := client.Download(cmd.Context(), url, archive); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newDumpCommand(a *app) *cobra.Command {
	var (
		archFlag string
		board    string
		features []string
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the resolved build configuration (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := map[string]any{"config": a.cfg}
			if archFlag != "" {
				tgt, err := target.New(archFlag, board, features, a.cfg.ImageDir)
				if err != nil {
					return buildfail.AtStage(buildfail.StageValidate, err)
				}
				out["target"] = map[string]any{
					"arch":     tgt.Arch.String(),
					"board":    tgt.Board,
					"features": tgt.Features(),
					"output":   tgt.OutputDir,
				}
			}
			raw, err := yaml.Marshal(out)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture to resolve")
	cmd.Flags().StringVar(&board, "board", "", "Board variant")
	cmd.Flags().StringSliceVar(&features, "features", nil, "Feature flags")
	return cmd
}

func newAsmCommand(a *app) *cobra.Command {
	var (
		archFlag string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "asm --arch <A> [--output <path>]",
		Short: "Disassemble the built kernel binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := parseArch(archFlag)
			if err != nil {
				return err
			}
			path, err := a.processor().Disassemble(cmd.Context(), ar, output)
			if err != nil {
				return buildfail.AtStage(buildfail.StageArtifact, err)
			}
			a.logger.Info("disassembly written", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.Flags().StringVar(&output, "output", "", "Output path (defaults per architecture)")
	cmd.MarkFlagRequired("arch")
	return cmd
}

func newBinCommand(a *app) *cobra.Command {
	var (
		archFlag string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "bin --arch <A> [--output <path>]",
		Short: "Strip the built kernel binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := parseArch(archFlag)
			if err != nil {
				return err
			}
			path, err := a.processor().Strip(cmd.Context(), ar, output)
			if err != nil {
				return buildfail.AtStage(buildfail.StageArtifact, err)
			}
			a.logger.Info("stripped binary written", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.Flags().StringVar(&output, "output", "", "Output path (defaults per architecture)")
	cmd.MarkFlagRequired("arch")
	return cmd
}

func newQemuCommand(a *app) *cobra.Command {
	var (
		archFlag string
		smp      int
		gdbPort  int
	)
	cmd := &cobra.Command{
		Use:   "qemu --arch <A> --smp <N> [--gdb <port>]",
		Short: "Boot the packaged kernel under the system emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := parseArch(archFlag)
			if err != nil {
				return err
			}
			err = a.launcher().Emulate(cmd.Context(), launch.Spec{
				Arch:    ar,
				SMP:     smp,
				GDBPort: gdbPort,
			})
			return buildfail.AtStage(buildfail.StageLaunch, err)
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.Flags().IntVar(&smp, "smp", 1, "Emulated core count")
	cmd.Flags().IntVar(&gdbPort, "gdb", 0, "Start halted, waiting for a debugger on this port")
	cmd.MarkFlagRequired("arch")
	return cmd
}

func newGDBCommand(a *app) *cobra.Command {
	var (
		archFlag string
		port     int
	)
	cmd := &cobra.Command{
		Use:   "gdb --arch <A> --port <port>",
		Short: "Attach a debugger to a running emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ar, err := parseArch(archFlag)
			if err != nil {
				return err
			}
			return buildfail.AtStage(buildfail.StageLaunch, a.launcher().Attach(cmd.Context(), ar, port))
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.Flags().IntVar(&port, "port", 0, "Debug port of the running emulator (required)")
	cmd.MarkFlagRequired("arch")
	cmd.MarkFlagRequired("port")
	return cmd
}

func newRootfsCommand(a *app) *cobra.Command {
	var (
		archFlag string
		board    string
		features []string
	)
	cmd := &cobra.Command{
		Use:   "rootfs --arch <A>",
		Short: "Rebuild the architecture's root filesystem from a clean slate",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := target.New(archFlag, board, features, a.cfg.ImageDir)
			if err != nil {
				return buildfail.AtStage(buildfail.StageValidate, err)
			}
			_, err = a.assembler().Assemble(cmd.Context(), tgt)
			return buildfail.AtStage(buildfail.StageRootfs, err)
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.Flags().StringVar(&board, "board", "", "Board variant")
	cmd.Flags().StringSliceVar(&features, "features", nil, "Feature flags selecting overlays")
	cmd.MarkFlagRequired("arch")
	return cmd
}

func newOverlayCommand(a *app, name string) *cobra.Command {
	var archFlag string
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s --arch <A>", name),
		Short: fmt.Sprintf("Apply the %s overlay onto the architecture's rootfs", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := target.New(archFlag, "", nil, a.cfg.ImageDir)
			if err != nil {
				return buildfail.AtStage(buildfail.StageValidate, err)
			}
			_, err = a.assembler().ApplyOverlay(cmd.Context(), tgt, name)
			return buildfail.AtStage(buildfail.StageRootfs, err)
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.MarkFlagRequired("arch")
	return cmd
}

func newImageCommand(a *app) *cobra.Command {
	var (
		archFlag string
		board    string
		features []string
		kind     string
	)
	cmd := &cobra.Command{
		Use:   "image --arch <A>",
		Short: "Assemble the rootfs and package it into the architecture's image",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := target.New(archFlag, board, features, a.cfg.ImageDir)
			if err != nil {
				return buildfail.AtStage(buildfail.StageValidate, err)
			}

			assembler := a.assembler()
			tree, err := assembler.Assemble(cmd.Context(), tgt)
			if err != nil {
				return buildfail.AtStage(buildfail.StageRootfs, err)
			}

			// The packed image carries the real loader; the working
			// tree keeps the host-runnable one.
			if err := assembler.SwapLoader(tree, true); err != nil {
				return buildfail.AtStage(buildfail.StageImage, err)
			}
			path, err := a.packager().Package(cmd.Context(), tree, image.Spec{
				OutputPath: a.cfg.ImagePath(tgt.Arch),
				Kind:       image.Kind(kind),
			})
			if restoreErr := assembler.SwapLoader(tree, false); restoreErr != nil && err == nil {
				err = restoreErr
			}
			if err != nil {
				return buildfail.AtStage(buildfail.StageImage, err)
			}
			a.logger.Info("image ready", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&archFlag, "arch", "", "Target architecture (required)")
	cmd.Flags().StringVar(&board, "board", "", "Board variant")
	cmd.Flags().StringSliceVar(&features, "features", nil, "Feature flags selecting overlays")
	cmd.Flags().StringVar(&kind, "kind", string(image.KindSFS), "Image filesystem kind (sfs or iso9660)")
	cmd.MarkFlagRequired("arch")
	return cmd
}

func newLibosCommand(a *app) *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "linux-libos --args <path>",
		Short: "Run the kernel as a single host process executing one user binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return buildfail.AtStage(buildfail.StageLaunch, a.launcher().Libos(cmd.Context(), binary))
		},
	}
	cmd.Flags().StringVar(&binary, "args", "", "Path of the user binary to execute (required)")
	cmd.MarkFlagRequired("args")
	return cmd
}
