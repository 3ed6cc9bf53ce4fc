// Package local implements the driveput backend for a local directory.
// Chunks are written at their offsets into a .partial file; finalize renames
// it into place atomically, so an interrupted upload never leaves a
// half-written file under the final name.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/driveput/driveput"
)

// defaultChunkSize bounds in-memory copies per backend call (8 MiB).
const defaultChunkSize = 8 * 1024 * 1024

// Backend stores uploads under a root directory.
type Backend struct {
	root      string
	chunkSize int64
	logger    *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithChunkSize overrides the declared chunk size.
func WithChunkSize(size int64) Option {
	return func(b *Backend) {
		if size > 0 {
			b.chunkSize = size
		}
	}
}

// New creates a local backend rooted at dir.
func New(dir string, opts ...Option) *Backend {
	b := &Backend{
		root:      dir,
		chunkSize: defaultChunkSize,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name implements driveput.Backend.
func (b *Backend) Name() string { return "local" }

// ChunkConstraints declares free-form chunking with no alignment: any
// offset is writable.
func (b *Backend) ChunkConstraints(_ int64) driveput.Constraints {
	return driveput.Constraints{MaxChunk: b.chunkSize}
}

// upload is the per-upload handle: the open .partial file and its paths.
type upload struct {
	partialPath string
	finalPath   string
	relPath     string
	f           *os.File
}

// Initiate resolves the target under the root, creates parent directories,
// and opens the .partial file. Paths escaping the root are rejected.
func (b *Backend) Initiate(
	ctx context.Context, target driveput.UploadTarget, _ driveput.Credential,
) (driveput.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, driveput.WrapErr(driveput.KindCancelled, err, "local: initiate")
	}

	rel := filepath.FromSlash(target.Path)
	if !filepath.IsLocal(rel) {
		return nil, driveput.Errf(driveput.KindValidation, "local: path %q escapes the backend root", target.Path)
	}

	finalPath := filepath.Join(b.root, rel)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil { //nolint:mnd // standard dir perms
		return nil, driveput.WrapErr(driveput.KindBackendProtocol, err, fmt.Sprintf("local: creating parent dir for %s", rel))
	}

	partialPath := finalPath + ".partial"

	f, err := os.OpenFile(partialPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:mnd // standard file perms
	if err != nil {
		return nil, driveput.WrapErr(driveput.KindBackendProtocol, err, fmt.Sprintf("local: creating %s", partialPath))
	}

	b.logger.Debug("local upload started", slog.String("path", rel))

	return &upload{partialPath: partialPath, finalPath: finalPath, relPath: rel, f: f}, nil
}

// UploadChunk writes the chunk bytes at the descriptor's offset.
func (b *Backend) UploadChunk(
	ctx context.Context, h driveput.Handle, desc driveput.ChunkDescriptor, body io.Reader, _ driveput.Credential,
) (driveput.ChunkResult, error) {
	u, err := handleOf(h)
	if err != nil {
		return driveput.ChunkResult{}, err
	}

	if err := ctx.Err(); err != nil {
		return driveput.ChunkResult{}, driveput.WrapErr(driveput.KindCancelled, err, "local: upload chunk")
	}

	n, err := io.Copy(io.NewOffsetWriter(u.f, desc.Offset), body)
	if err != nil {
		return driveput.ChunkResult{}, &driveput.Error{
			Kind:    driveput.KindBackendProtocol,
			Chunk:   desc.Index,
			Message: fmt.Sprintf("local: writing chunk at offset %d", desc.Offset),
			Err:     err,
		}
	}

	if n != desc.Length {
		return driveput.ChunkResult{}, &driveput.Error{
			Kind:    driveput.KindBackendProtocol,
			Chunk:   desc.Index,
			Message: fmt.Sprintf("local: chunk %d wrote %d of %d bytes", desc.Index, n, desc.Length),
		}
	}

	return driveput.ChunkResult{NextOffset: desc.End()}, nil
}

// Finalize syncs and closes the .partial file, then renames it into place.
func (b *Backend) Finalize(_ context.Context, h driveput.Handle, _ driveput.Credential) (*driveput.Resource, error) {
	u, err := handleOf(h)
	if err != nil {
		return nil, err
	}

	if err := u.f.Sync(); err != nil {
		u.f.Close()

		return nil, driveput.WrapErr(driveput.KindBackendProtocol, err, fmt.Sprintf("local: syncing %s", u.partialPath))
	}

	if err := u.f.Close(); err != nil {
		return nil, driveput.WrapErr(driveput.KindBackendProtocol, err, fmt.Sprintf("local: closing %s", u.partialPath))
	}

	if err := os.Rename(u.partialPath, u.finalPath); err != nil {
		return nil, driveput.WrapErr(driveput.KindBackendProtocol, err, fmt.Sprintf("local: renaming partial to %s", u.relPath))
	}

	b.logger.Debug("local upload finalized", slog.String("path", u.relPath))

	return &driveput.Resource{ID: filepath.ToSlash(u.relPath), URL: u.finalPath}, nil
}

// Abort closes and removes the .partial file.
func (b *Backend) Abort(_ context.Context, h driveput.Handle, _ driveput.Credential) error {
	u, err := handleOf(h)
	if err != nil {
		return err
	}

	closeErr := u.f.Close()

	if err := os.Remove(u.partialPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return driveput.WrapErr(driveput.KindBackendProtocol, err, fmt.Sprintf("local: removing %s", u.partialPath))
	}

	// A double-close after Finalize already ran is not a cleanup failure.
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		b.logger.Debug("local abort close", slog.String("error", closeErr.Error()))
	}

	return nil
}

func handleOf(h driveput.Handle) (*upload, error) {
	u, ok := h.(*upload)
	if !ok {
		return nil, driveput.Errf(driveput.KindValidation, "local: handle is %T, not a local upload", h)
	}

	return u, nil
}
