package driveput

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is an upload session's lifecycle phase.
type State string

// Session states. Completed, Failed, and Cancelled are terminal.
const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateTransferring State = "transferring"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transitions leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session defaults.
const (
	// DefaultFreshnessMargin is how far from expiry a credential must be
	// before a chunk call will use it without refreshing.
	DefaultFreshnessMargin = 2 * time.Minute
	// DefaultAbortTimeout bounds the best-effort backend abort after a
	// failed or cancelled session.
	DefaultAbortTimeout = 10 * time.Second
)

// Outcome is a session's terminal result. Err is set only for StateFailed
// and always preserves the last concrete error, including the chunk index
// at which it occurred.
type Outcome struct {
	State    State
	Resource *Resource
	Err      error
}

// Session drives one upload end to end: it plans chunks, invokes the backend
// per chunk in ascending offset order, consults the retry policy on failure,
// and fetches fresh credentials before every backend call. Chunk transfers
// within a session are strictly sequential; run multiple sessions for
// concurrent uploads.
type Session struct {
	id      string
	target  UploadTarget
	source  Source
	backend Backend
	creds   CredentialSource
	policy  Policy
	logger  *slog.Logger

	freshMargin  time.Duration
	abortTimeout time.Duration

	// sleepFunc waits between retry attempts. Tests override it to avoid
	// real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	outcome Outcome
}

// Option configures a Session at start.
type Option func(*Session)

// WithLogger sets the session's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithFreshnessMargin overrides the credential freshness margin.
func WithFreshnessMargin(margin time.Duration) Option {
	return func(s *Session) {
		if margin > 0 {
			s.freshMargin = margin
		}
	}
}

// WithAbortTimeout overrides the best-effort abort bound.
func WithAbortTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.abortTimeout = timeout
		}
	}
}

// withSleepFunc replaces the retry wait. Test hook.
func withSleepFunc(f func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) { s.sleepFunc = f }
}

// StartUpload validates the target, constructs a session, and starts the
// transfer in a background goroutine. It fails fast with a validation error
// for zero-length targets; every later failure is reported through Wait.
func StartUpload(
	ctx context.Context,
	target UploadTarget, source Source, backend Backend, creds CredentialSource,
	opts ...Option,
) (*Session, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	if source == nil {
		return nil, Errf(KindValidation, "upload source is nil")
	}

	runCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:           uuid.NewString(),
		target:       target,
		source:       source,
		backend:      backend,
		creds:        creds,
		logger:       slog.Default(),
		freshMargin:  DefaultFreshnessMargin,
		abortTimeout: DefaultAbortTimeout,
		sleepFunc:    timeSleep,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateIdle,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(
		slog.String("session_id", s.id),
		slog.String("backend", backend.Name()),
		slog.String("path", target.Path),
	)

	go s.run(runCtx)

	return s, nil
}

// ID returns the session's correlation id, as used in its log records.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Cancel requests cooperative cancellation. It returns immediately; the
// session observes the request at its next suspension point and transitions
// to Cancelled after a best-effort backend abort.
func (s *Session) Cancel() {
	s.cancel()
}

// Wait blocks until the session reaches a terminal state and returns its
// outcome. The error return is non-nil only when ctx expires first; the
// session itself keeps running.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()

		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// run is the session state machine. It owns all state transitions.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	s.setState(StatePlanning)

	plan, err := PlanChunks(s.target.TotalLength, s.backend.ChunkConstraints(s.target.TotalLength))
	if err != nil {
		s.terminate(nil, err)

		return
	}

	s.logger.Info("upload planned",
		slog.Int64("total_bytes", s.target.TotalLength),
		slog.Int("chunks", len(plan)),
	)

	s.setState(StateTransferring)

	handle, err := s.initiate(ctx)
	if err != nil {
		s.terminate(nil, err)

		return
	}

	var res *Resource

	for i := range plan {
		r, err := s.transferChunk(ctx, handle, plan[i])
		if err != nil {
			s.terminate(handle, err)

			return
		}

		if r != nil {
			res = r
		}
	}

	s.setState(StateFinalizing)

	fres, err := s.finalize(ctx, handle)
	if err != nil {
		s.terminate(handle, err)

		return
	}

	if fres != nil {
		res = fres
	}

	s.finish(Outcome{State: StateCompleted, Resource: res})

	resourceID := ""
	if res != nil {
		resourceID = res.ID
	}

	s.logger.Info("upload complete", slog.String("resource_id", resourceID))
}

// initiate opens the backend upload session, retrying per policy.
func (s *Session) initiate(ctx context.Context) (Handle, error) {
	var attempts, authAttempts int

	for {
		if err := ctx.Err(); err != nil {
			return nil, s.cancelledError(NoChunk, err)
		}

		cred, err := s.creds.EnsureFresh(ctx, s.freshMargin)
		if err == nil {
			var handle Handle

			handle, err = s.backend.Initiate(ctx, s.target, cred)
			if err == nil {
				return handle, nil
			}
		}

		if retryErr := s.nextAttempt(ctx, withChunk(err, NoChunk), &attempts, &authAttempts); retryErr != nil {
			return nil, retryErr
		}
	}
}

// transferChunk uploads one descriptor, retrying per policy. When the
// backend acknowledges fewer bytes than sent, the unaccepted remainder is
// resent as a fresh descriptor without consuming a retry attempt.
func (s *Session) transferChunk(ctx context.Context, handle Handle, chunk ChunkDescriptor) (*Resource, error) {
	desc := chunk

	var attempts, authAttempts int

	for {
		if err := ctx.Err(); err != nil {
			return nil, s.cancelledError(desc.Index, err)
		}

		cred, err := s.creds.EnsureFresh(ctx, s.freshMargin)
		if err == nil {
			var res *Resource
			var retry bool

			res, retry, err = s.sendChunk(ctx, handle, &desc, cred)
			if err == nil && !retry {
				return res, nil
			}

			if retry {
				continue
			}
		}

		if retryErr := s.nextAttempt(ctx, withChunk(err, desc.Index), &attempts, &authAttempts); retryErr != nil {
			return nil, retryErr
		}
	}
}

// sendChunk performs a single chunk attempt. The resend return is true when
// the backend partially accepted the range and desc has been narrowed to the
// remainder.
func (s *Session) sendChunk(
	ctx context.Context, handle Handle, desc *ChunkDescriptor, cred Credential,
) (*Resource, bool, error) {
	body, err := s.source.ReadRange(desc.Offset, desc.Length)
	if err != nil {
		return nil, false, sourceReadError(err, *desc)
	}

	result, err := s.backend.UploadChunk(ctx, handle, *desc, body, cred)
	if err != nil {
		return nil, false, err
	}

	// An acknowledgment that advances nothing means the backend stored none
	// of the chunk. Completing anyway would silently drop data, so it fails
	// the attempt and routes through the retry policy.
	if !result.Complete && result.NextOffset <= desc.Offset {
		return nil, false, Errf(KindBackendProtocol,
			"backend acknowledged no bytes of the %d+%d range", desc.Offset, desc.Length)
	}

	if result.NextOffset > desc.Offset && result.NextOffset < desc.End() {
		s.logger.Warn("partial chunk acceptance, resending remainder",
			slog.Int("chunk", desc.Index),
			slog.Int64("sent_to", desc.End()),
			slog.Int64("accepted_to", result.NextOffset),
		)

		*desc = ChunkDescriptor{
			Index:  desc.Index,
			Offset: result.NextOffset,
			Length: desc.End() - result.NextOffset,
			Final:  desc.Final,
		}

		return nil, true, nil
	}

	s.logger.Debug("chunk uploaded",
		slog.Int("chunk", desc.Index),
		slog.Int64("offset", desc.Offset),
		slog.Int64("length", desc.Length),
		slog.Bool("final", desc.Final),
	)

	return result.Resource, false, nil
}

// finalize commits the upload, retrying per policy.
func (s *Session) finalize(ctx context.Context, handle Handle) (*Resource, error) {
	var attempts, authAttempts int

	for {
		if err := ctx.Err(); err != nil {
			return nil, s.cancelledError(NoChunk, err)
		}

		cred, err := s.creds.EnsureFresh(ctx, s.freshMargin)
		if err == nil {
			var res *Resource

			res, err = s.backend.Finalize(ctx, handle, cred)
			if err == nil {
				return res, nil
			}
		}

		if retryErr := s.nextAttempt(ctx, withChunk(err, NoChunk), &attempts, &authAttempts); retryErr != nil {
			return nil, retryErr
		}
	}
}

// nextAttempt consults the policy on cause and performs the pre-retry work:
// forced credential refresh, backoff wait. Returns nil when the caller
// should retry, or the terminal error. Auth failures count against their own
// single-retry budget so a transient network error earlier in the chunk does
// not forfeit the refresh attempt.
func (s *Session) nextAttempt(ctx context.Context, cause error, attempts, authAttempts *int) error {
	var n int
	if IsKind(cause, KindAuth) {
		*authAttempts++
		n = *authAttempts
	} else {
		*attempts++
		n = *attempts
	}

	decision := s.policy.Classify(cause, n)
	if !decision.Retry {
		s.logger.Error("upload attempt aborted",
			slog.Int("chunk", ChunkOf(cause)),
			slog.Int("attempt", n),
			slog.String("error", cause.Error()),
		)

		if decision.Reason != nil {
			return decision.Reason
		}

		return cause
	}

	s.logger.Warn("retrying after failure",
		slog.Int("chunk", ChunkOf(cause)),
		slog.Int("attempt", n),
		slog.Duration("backoff", decision.After),
		slog.Bool("refresh_first", decision.RefreshFirst),
		slog.String("error", cause.Error()),
	)

	if decision.RefreshFirst {
		if _, err := s.creds.Refresh(ctx); err != nil {
			return withChunk(err, ChunkOf(cause))
		}
	}

	if decision.After > 0 {
		if err := s.sleepFunc(ctx, decision.After); err != nil {
			return s.cancelledError(ChunkOf(cause), err)
		}
	}

	// Cancellation is re-checked after resuming from backoff.
	if err := ctx.Err(); err != nil {
		return s.cancelledError(ChunkOf(cause), err)
	}

	return nil
}

// terminate records the terminal state for err and performs the best-effort
// backend abort. handle is nil when nothing remote was allocated.
func (s *Session) terminate(handle Handle, err error) {
	if IsKind(err, KindCancelled) {
		s.logger.Info("upload cancelled", slog.Int("chunk", ChunkOf(err)))
		s.finish(Outcome{State: StateCancelled})
	} else {
		s.logger.Error("upload failed",
			slog.Int("chunk", ChunkOf(err)),
			slog.String("error", err.Error()),
		)
		s.finish(Outcome{State: StateFailed, Err: err})
	}

	s.abortRemote(handle)
}

// abortRemote is the best-effort cleanup of a partially-uploaded remote
// resource, bounded by the abort timeout. Failures are logged, never
// propagated, and never retried.
func (s *Session) abortRemote(handle Handle) {
	if handle == nil {
		return
	}

	// The session context is already cancelled or poisoned here; abort gets
	// its own bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), s.abortTimeout)
	defer cancel()

	cred, err := s.creds.Current(ctx)
	if err != nil {
		s.logger.Warn("abort skipped, no credential available",
			slog.String("error", err.Error()),
		)

		return
	}

	if err := s.backend.Abort(ctx, handle, cred); err != nil {
		s.logger.Warn("backend abort failed, partial remote artifact may remain",
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("backend abort complete")
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("session state", slog.String("state", string(next)))
}

func (s *Session) finish(o Outcome) {
	s.mu.Lock()
	s.state = o.State
	s.outcome = o
	s.mu.Unlock()
}

func (s *Session) cancelledError(chunk int, cause error) error {
	return &Error{Kind: KindCancelled, Chunk: chunk, Message: "upload cancelled", Err: cause}
}

// timeSleep waits for d or until ctx is cancelled. Default sleepFunc.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
