package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds the fully-assembled root command. Called once from main.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "driveput",
		Short:   "Chunked, resumable file uploads to OneDrive, WebDAV, or a local directory",
		Version: version,
		// Silence cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newPutCmd())

	return cmd
}

// defaultConfigPath is ~/.config/driveput/config.toml, falling back to a
// relative path when the home directory is unknown.
func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "driveput.toml"
	}

	return base + "/driveput/config.toml"
}

// setupLogger builds the CLI logger: human-readable text on a terminal,
// JSON when output is redirected.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
