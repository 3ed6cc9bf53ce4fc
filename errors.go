// Package driveput is a backend-agnostic file upload client. It manages
// chunked and resumable transfers into remote storage services (OneDrive-style
// Graph endpoints, WebDAV servers, local directories) with automatic retry,
// credential refresh, and cooperative cancellation.
package driveput

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an upload failure. The retry policy bases its retry/abort
// decision solely on the kind; everything else on Error is diagnostic context.
type Kind string

// Failure kinds shared by every component.
const (
	// KindAuth means the credential was rejected or could not be refreshed.
	KindAuth Kind = "auth"
	// KindNetwork is a transport-level failure: timeout, reset, DNS.
	KindNetwork Kind = "network"
	// KindRateLimited means the backend asked us to slow down (HTTP 429).
	KindRateLimited Kind = "rate_limited"
	// KindBackendProtocol is a malformed or unexpected backend response.
	KindBackendProtocol Kind = "backend_protocol"
	// KindValidation means caller-supplied input was invalid.
	KindValidation Kind = "validation"
	// KindCancelled means the caller cancelled the operation.
	KindCancelled Kind = "cancelled"
)

// NoChunk is the chunk index on errors that are not tied to a data chunk
// (initiate, finalize, planning).
const NoChunk = -1

// Error is the structured error returned by every component. It carries the
// failure kind plus enough context (chunk index, HTTP status, backend wait
// hint) for logging and for retry classification.
type Error struct {
	Kind       Kind
	Chunk      int           // chunk index, NoChunk when not chunk-scoped
	Status     int           // HTTP status code, 0 when not applicable
	RetryAfter time.Duration // backend-supplied wait, KindRateLimited only
	Message    string
	Err        error // underlying cause, for errors.Is/As
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if e.Status != 0 {
		return fmt.Sprintf("driveput: %s (HTTP %d): %s", e.Kind, e.Status, msg)
	}

	return fmt.Sprintf("driveput: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errf builds an Error of the given kind with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Chunk: NoChunk, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds an Error of the given kind around an underlying cause.
func WrapErr(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Chunk: NoChunk, Message: message, Err: err}
}

// IsKind reports whether err or any error in its chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}

	return false
}

// KindOf returns the kind of the first *Error in the chain.
// The second return is false for errors outside the taxonomy.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return "", false
}

// ChunkOf returns the chunk index recorded on the first *Error in the chain,
// or NoChunk when none is recorded.
func ChunkOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Chunk
	}

	return NoChunk
}

// RetryAfterOf returns the backend-supplied wait hint from the first *Error
// in the chain, or zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}

	return 0
}

// withChunk annotates err with a chunk index. Errors already carrying an
// index keep it; errors outside the taxonomy are wrapped as backend protocol
// failures so the index is never lost. The annotation goes onto a copy, so a
// provider reusing a sentinel *Error never sees a stale index.
func withChunk(err error, chunk int) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Chunk != NoChunk {
			return err
		}

		annotated := *e
		annotated.Chunk = chunk

		return &annotated
	}

	return &Error{Kind: KindBackendProtocol, Chunk: chunk, Err: err}
}

// StatusKind maps an HTTP status code to a failure kind.
// 2xx codes are not errors and map to the zero Kind.
func StatusKind(status int) Kind {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return ""
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindBackendProtocol
	}
}
