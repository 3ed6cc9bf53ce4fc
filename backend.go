package driveput

import (
	"context"
	"io"
)

// Constraints describe one backend's chunking rules for a given upload.
// A backend that only supports whole-file transfer declares MaxChunk equal
// to the total length with zero alignment.
type Constraints struct {
	// MinChunk is the smallest permitted chunk length. Zero means no minimum.
	MinChunk int64
	// MaxChunk is the largest permitted chunk length. Must be positive and,
	// when Alignment is nonzero, a multiple of it.
	MaxChunk int64
	// Alignment is the required multiple for every non-final chunk length.
	// Zero means no alignment requirement.
	Alignment int64
}

// ChunkDescriptor is one contiguous byte range of the source file,
// transferred as a single backend call. Descriptors are produced once by the
// planner, ordered by ascending offset, contiguous and non-overlapping.
type ChunkDescriptor struct {
	Index  int
	Offset int64
	Length int64
	Final  bool
}

// End returns the exclusive end offset of the descriptor.
func (d ChunkDescriptor) End() int64 {
	return d.Offset + d.Length
}

// Resource identifies the finalized remote object after a completed upload.
type Resource struct {
	// ID is the backend's identifier for the object (item id, path).
	ID string
	// URL locates the object where the backend exposes one.
	URL string
}

// Handle is the opaque per-upload state a backend returns from Initiate and
// receives back on every subsequent call. Each backend defines its own
// concrete type; the session never inspects it.
type Handle any

// ChunkResult acknowledges one chunk transfer.
type ChunkResult struct {
	// NextOffset is the first byte the backend has not yet accepted. Less
	// than the sent range's end on partial acceptance, in which case the
	// session resends the remainder.
	NextOffset int64
	// Complete is true once the backend considers the whole upload
	// committed, which some protocols signal on the final chunk.
	Complete bool
	// Resource is the finalized object identity, set when Complete.
	Resource *Resource
}

// Backend is the wire-level contract a storage provider implements. The
// session orchestrator is written once against this interface; OneDrive,
// WebDAV, and local-directory variants implement it independently.
//
// Implementations report failures using the shared taxonomy and never decide
// retry versus abort themselves.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// ChunkConstraints declares the chunking rules for a file of the given
	// total length. Queried once per session, before planning.
	ChunkConstraints(totalLength int64) Constraints

	// Initiate opens a remote upload session or resource lock and returns
	// the handle used by all subsequent calls. Backends without a distinct
	// initiation step return a handle derived from the target.
	Initiate(ctx context.Context, target UploadTarget, cred Credential) (Handle, error)

	// UploadChunk sends one chunk. body yields exactly desc.Length bytes.
	UploadChunk(ctx context.Context, h Handle, desc ChunkDescriptor, body io.Reader, cred Credential) (ChunkResult, error)

	// Finalize commits the upload where the protocol requires an explicit
	// step. Backends finalized by chunk acknowledgment return (nil, nil).
	Finalize(ctx context.Context, h Handle, cred Credential) (*Resource, error)

	// Abort is best-effort cleanup of a partially-uploaded remote resource.
	// The session logs but never propagates its failures.
	Abort(ctx context.Context, h Handle, cred Credential) error
}
