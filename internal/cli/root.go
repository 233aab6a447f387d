// Package cli provides the segforge command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"segforge/internal/config"
)

// Version information (set at build time).
var Version = "0.1.0"

type configKey struct{}

type loggerKey struct{}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "segforge",
		Short: "Deterministic U-Net segmentation training",
		Long: `segforge trains a U-Net segmentation model on image/mask datasets.

With a fixed seed and determinism enabled (the default), two runs on the same
data and hardware finish with bit-identical weights. Every run is recorded in a
local SQLite registry so runs can be listed and compared.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)
			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			ctx = context.WithValue(ctx, loggerKey{}, logger)
			cmd.SetContext(ctx)
			logger.Debug("config loaded",
				slog.String("data_root", cfg.DataRoot),
				slog.Int64("seed", cfg.Seed),
				slog.Bool("deterministic", cfg.Deterministic))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./"+config.DefaultConfigFile+" when present)")
	pf.String("data", "", "dataset root (shard-*.tar files or images/ + masks/)")
	pf.Int("epochs", 15, "number of epochs")
	pf.Int("batch-size", 32, "batch size")
	pf.Int("buffer-size", 500, "shuffle buffer size")
	pf.Int64("seed", 1, "global random seed")
	pf.Bool("deterministic", true, "enable op determinism")
	pf.Int("image-height", 96, "input height")
	pf.Int("image-width", 128, "input width")
	pf.Int("num-channels", 3, "input channels (1 or 3)")
	pf.Int("num-classes", 23, "number of mask classes")
	pf.Int("filters", 32, "base filter count of the U-Net")
	pf.Int("depth", 4, "number of down-sampling blocks")
	pf.Float64("dropout", 0.3, "dropout rate of the deepest blocks")
	pf.String("optimizer", "adam", "optimizer (adam|sgd)")
	pf.Float64("learning-rate", 0.001, "learning rate")
	pf.Int("num-workers", 0, "decode and gradient workers (default: number of CPUs)")
	pf.Int("log-every", 10, "log every N steps")
	pf.String("state", "", "path to the run registry (default: .segforge/state.db)")
	pf.String("checkpoint", "", "directory to write the final checkpoint to")
	pf.String("log-format", "text", "log format (text|json)")
	pf.BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newTrainCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newSynthCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// GetConfig retrieves the config from the command context.
func GetConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return nil
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
