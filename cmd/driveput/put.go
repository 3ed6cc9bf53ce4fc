package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/driveput/driveput"
	"github.com/driveput/driveput/internal/config"
)

// Per-command flags for put.
var (
	flagTo       string
	flagParallel int
)

const defaultParallelUploads = 4

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file> [file...]",
		Short: "Upload one or more files to the configured backend",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPut,
	}

	cmd.Flags().StringVar(&flagTo, "to", "", "remote directory to upload into")
	cmd.Flags().IntVar(&flagParallel, "parallel", defaultParallelUploads, "maximum concurrent uploads")

	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.LoadOrDefault(flagConfigPath)
	if err != nil {
		return err
	}

	backend, creds, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}

	policy := driveput.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff.Duration,
		MaxBackoff:  cfg.Retry.MaxBackoff.Duration,
	}

	// Ctrl-C cancels the context; running sessions observe it at their next
	// suspension point and abort their remote state before exiting.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Plain errgroup, not WithContext: one failed file must not cancel its
	// siblings, only Ctrl-C does.
	var g errgroup.Group
	g.SetLimit(flagParallel)

	for _, file := range args {
		file := file
		g.Go(func() error {
			return uploadOne(ctx, file, backend, creds, policy, logger)
		})
	}

	return g.Wait()
}

// uploadOne runs a full upload session for one file and reports its outcome.
func uploadOne(
	ctx context.Context,
	file string,
	backend driveput.Backend,
	creds driveput.CredentialSource,
	policy driveput.Policy,
	logger *slog.Logger,
) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	target := driveput.UploadTarget{
		Path:        path.Join(flagTo, filepath.Base(file)),
		TotalLength: info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(file)),
	}

	session, err := driveput.StartUpload(
		ctx, target, driveput.NewReaderAtSource(f), backend, creds,
		driveput.WithLogger(logger), driveput.WithPolicy(policy),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}

	// Wait on the background context: after Ctrl-C the session still needs
	// to reach its terminal state (including the backend abort).
	outcome, err := session.Wait(context.Background())
	if err != nil {
		return err
	}

	switch outcome.State {
	case driveput.StateCompleted:
		resourceID := ""
		if outcome.Resource != nil {
			resourceID = outcome.Resource.ID
		}

		fmt.Fprintf(os.Stdout, "uploaded %s -> %s (%s)\n", file, target.Path, resourceID)

		return nil
	case driveput.StateCancelled:
		fmt.Fprintf(os.Stdout, "cancelled %s\n", file)

		return nil
	default:
		return fmt.Errorf("%s: %w", file, outcome.Err)
	}
}
