package driveput

import (
	"context"
	"fmt"
	"io"
	"time"
)

// UploadTarget identifies the destination of one upload: the remote path,
// the total byte length, and a content-type hint. Immutable for the life of
// a session.
type UploadTarget struct {
	// Path is the destination path on the remote service, slash-separated,
	// relative to the backend's root.
	Path string
	// TotalLength is the exact size of the file in bytes. Must be positive.
	TotalLength int64
	// ContentType is an optional MIME hint. Backends fall back to
	// application/octet-stream when empty.
	ContentType string
}

func (t UploadTarget) validate() error {
	if t.Path == "" {
		return Errf(KindValidation, "upload target has no path")
	}

	if t.TotalLength <= 0 {
		return Errf(KindValidation, "upload target %s has length %d, must be positive", t.Path, t.TotalLength)
	}

	return nil
}

// Credential is one backend login's access token snapshot. A zero ExpiresAt
// means the credential never expires (static credentials such as basic auth).
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// FreshFor reports whether the credential is still valid margin from now.
func (c Credential) FreshFor(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}

	return time.Until(c.ExpiresAt) > margin
}

// CredentialSource provides valid credentials for backend calls. Implemented
// by token.Manager; defined here per "accept interfaces, return structs" so
// the session depends only on the capability it needs.
type CredentialSource interface {
	// Current returns the latest known credential, performing the initial
	// exchange if none has ever been obtained. Stale credentials are served
	// as-is.
	Current(ctx context.Context) (Credential, error)
	// EnsureFresh returns a credential valid for at least margin from now,
	// refreshing if necessary.
	EnsureFresh(ctx context.Context, margin time.Duration) (Credential, error)
	// Refresh forces a refresh regardless of the current expiry.
	Refresh(ctx context.Context) (Credential, error)
}

// Source yields byte ranges of the file being uploaded, on demand. Ranges
// may be re-read when a chunk is retried.
type Source interface {
	ReadRange(offset, length int64) (io.Reader, error)
}

// readerAtSource adapts an io.ReaderAt (os.File, bytes.Reader) to Source.
type readerAtSource struct {
	r io.ReaderAt
}

func (s readerAtSource) ReadRange(offset, length int64) (io.Reader, error) {
	if offset < 0 || length <= 0 {
		return nil, Errf(KindValidation, "invalid byte range %d+%d", offset, length)
	}

	return io.NewSectionReader(s.r, offset, length), nil
}

// NewReaderAtSource wraps any io.ReaderAt as a Source.
func NewReaderAtSource(r io.ReaderAt) Source {
	return readerAtSource{r: r}
}

// sourceReadError wraps a Source failure. The source is caller-supplied, so
// its failures are validation-tier: never retried.
func sourceReadError(err error, desc ChunkDescriptor) error {
	return &Error{
		Kind:    KindValidation,
		Chunk:   desc.Index,
		Message: fmt.Sprintf("reading source range %d+%d", desc.Offset, desc.Length),
		Err:     err,
	}
}
