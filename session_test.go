package driveput

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scripted in-memory Backend. Failures are queued per chunk
// index and consumed one per attempt; accepted bytes accumulate in content.
type fakeBackend struct {
	mu sync.Mutex

	constraints Constraints

	initiateErrs []error
	chunkErrs    map[int][]error
	partialAt    map[int]int64 // index -> NextOffset returned on its next attempt
	finalizeErrs []error

	resource *Resource

	chunks  []ChunkDescriptor // every UploadChunk call, in order
	content []byte
	aborts  int

	onChunk func(desc ChunkDescriptor)
}

func newFakeBackend(c Constraints) *fakeBackend {
	return &fakeBackend{
		constraints: c,
		chunkErrs:   map[int][]error{},
		partialAt:   map[int]int64{},
		resource:    &Resource{ID: "item-1", URL: "https://fake.example/item-1"},
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) ChunkConstraints(int64) Constraints { return b.constraints }

func (b *fakeBackend) Initiate(_ context.Context, _ UploadTarget, _ Credential) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.initiateErrs) > 0 {
		err := b.initiateErrs[0]
		b.initiateErrs = b.initiateErrs[1:]

		return nil, err
	}

	return "fake-handle", nil
}

func (b *fakeBackend) UploadChunk(
	_ context.Context, _ Handle, desc ChunkDescriptor, body io.Reader, _ Credential,
) (ChunkResult, error) {
	b.mu.Lock()
	b.chunks = append(b.chunks, desc)

	var scripted error
	if errs := b.chunkErrs[desc.Index]; len(errs) > 0 {
		scripted, b.chunkErrs[desc.Index] = errs[0], errs[1:]
	}

	hook := b.onChunk
	b.mu.Unlock()

	if hook != nil {
		hook(desc)
	}

	if scripted != nil {
		return ChunkResult{}, scripted
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return ChunkResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if next, ok := b.partialAt[desc.Index]; ok {
		delete(b.partialAt, desc.Index)
		b.content = append(b.content, data[:next-desc.Offset]...)

		return ChunkResult{NextOffset: next}, nil
	}

	b.content = append(b.content, data...)

	if desc.Final {
		return ChunkResult{NextOffset: desc.End(), Complete: true, Resource: b.resource}, nil
	}

	return ChunkResult{NextOffset: desc.End()}, nil
}

func (b *fakeBackend) Finalize(_ context.Context, _ Handle, _ Credential) (*Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.finalizeErrs) > 0 {
		err := b.finalizeErrs[0]
		b.finalizeErrs = b.finalizeErrs[1:]

		return nil, err
	}

	return nil, nil
}

func (b *fakeBackend) Abort(_ context.Context, _ Handle, _ Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.aborts++

	return nil
}

func (b *fakeBackend) chunkIndexes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, len(b.chunks))
	for i, d := range b.chunks {
		out[i] = d.Index
	}

	return out
}

func (b *fakeBackend) abortCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.aborts
}

// fakeCreds is an in-memory CredentialSource counting its calls.
type fakeCreds struct {
	mu        sync.Mutex
	token     string
	refreshes int
}

func newFakeCreds() *fakeCreds { return &fakeCreds{token: "token-1"} }

func (c *fakeCreds) Current(context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Credential{AccessToken: c.token}, nil
}

func (c *fakeCreds) EnsureFresh(ctx context.Context, _ time.Duration) (Credential, error) {
	return c.Current(ctx)
}

func (c *fakeCreds) Refresh(context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshes++
	c.token = "token-refreshed"

	return Credential{AccessToken: c.token}, nil
}

func (c *fakeCreds) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.refreshes
}

// sleepRecorder is a sleepFunc that returns immediately and records waits.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waits = append(r.waits, d)

	return nil
}

func (r *sleepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.waits)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

func startTestUpload(
	t *testing.T, data []byte, backend *fakeBackend, creds *fakeCreds, opts ...Option,
) *Session {
	t.Helper()

	target := UploadTarget{Path: "docs/report.bin", TotalLength: int64(len(data))}
	sleeper := &sleepRecorder{}
	opts = append([]Option{WithLogger(testLogger()), withSleepFunc(sleeper.sleep)}, opts...)

	s, err := StartUpload(context.Background(), target, NewReaderAtSource(bytes.NewReader(data)), backend, creds, opts...)
	require.NoError(t, err)

	return s
}

func TestSession_EndToEnd(t *testing.T) {
	data := randomBytes(1_000_000)
	backend := newFakeBackend(Constraints{MaxChunk: 327_680, Alignment: 327_680})

	s := startTestUpload(t, data, backend, newFakeCreds())

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, StateCompleted, s.State())
	require.NotNil(t, outcome.Resource)
	assert.Equal(t, "item-1", outcome.Resource.ID)
	assert.NoError(t, outcome.Err)

	assert.Equal(t, []int{0, 1, 2, 3}, backend.chunkIndexes())
	assert.Equal(t, data, backend.content, "reassembled bytes must match the source")
	assert.Zero(t, backend.abortCount())
}

func TestSession_RetriesFailedChunkInPlace(t *testing.T) {
	data := randomBytes(500)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.chunkErrs[1] = []error{Errf(KindNetwork, "connection reset")}

	sleeper := &sleepRecorder{}
	s := startTestUpload(t, data, backend, newFakeCreds(), withSleepFunc(sleeper.sleep))

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, []int{0, 1, 1, 2, 3, 4}, backend.chunkIndexes(),
		"the failed chunk is retried before any later chunk")
	assert.Equal(t, data, backend.content)
	assert.Equal(t, 1, sleeper.count())
}

func TestSession_ExhaustedRetriesFail(t *testing.T) {
	data := randomBytes(500)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.chunkErrs[2] = []error{
		Errf(KindNetwork, "timeout"),
		Errf(KindNetwork, "timeout"),
		Errf(KindNetwork, "timeout"),
	}

	s := startTestUpload(t, data, backend, newFakeCreds(),
		WithPolicy(Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}))

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, outcome.State)
	require.Error(t, outcome.Err)
	assert.True(t, IsKind(outcome.Err, KindNetwork))
	assert.Equal(t, 2, ChunkOf(outcome.Err), "the terminal error records the failing chunk")

	assert.Equal(t, []int{0, 1, 2, 2, 2}, backend.chunkIndexes(), "no chunk beyond the failed one")
	assert.Equal(t, 1, backend.abortCount())
}

func TestSession_CancelDuringTransfer(t *testing.T) {
	data := randomBytes(500)
	backend := newFakeBackend(Constraints{MaxChunk: 100})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend.onChunk = func(desc ChunkDescriptor) {
		if desc.Index == 2 {
			cancel()
		}
	}

	target := UploadTarget{Path: "docs/report.bin", TotalLength: int64(len(data))}
	sleeper := &sleepRecorder{}

	s, err := StartUpload(ctx, target, NewReaderAtSource(bytes.NewReader(data)), backend, newFakeCreds(),
		WithLogger(testLogger()), withSleepFunc(sleeper.sleep))
	require.NoError(t, err)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, outcome.State)
	assert.NoError(t, outcome.Err, "cancellation is not an error outcome")
	assert.Nil(t, outcome.Resource)

	for _, idx := range backend.chunkIndexes() {
		assert.LessOrEqual(t, idx, 2, "no chunk is sent after cancellation is observed")
	}

	assert.Equal(t, 1, backend.abortCount(), "exactly one best-effort abort")
}

func TestSession_CancelMethod(t *testing.T) {
	data := randomBytes(500)
	backend := newFakeBackend(Constraints{MaxChunk: 100})

	release := make(chan struct{})
	var s *Session

	var once sync.Once
	backend.onChunk = func(desc ChunkDescriptor) {
		if desc.Index == 1 {
			once.Do(func() {
				<-release
			})
		}
	}

	s = startTestUpload(t, data, backend, newFakeCreds())

	// The session is blocked inside chunk 1; a bounded Wait must time out
	// without disturbing it.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()

	_, err := s.Wait(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.State().Terminal())

	s.Cancel()
	close(release)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.State)
}

func TestSession_PartialAcceptanceResendsRemainder(t *testing.T) {
	data := randomBytes(500)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.partialAt[1] = 150 // chunk 1 covers 100..200; only half is accepted

	sleeper := &sleepRecorder{}
	s := startTestUpload(t, data, backend, newFakeCreds(), withSleepFunc(sleeper.sleep))

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, data, backend.content)

	require.Len(t, backend.chunks, 6)
	resend := backend.chunks[2]
	assert.Equal(t, 1, resend.Index)
	assert.Equal(t, int64(150), resend.Offset)
	assert.Equal(t, int64(50), resend.Length)

	assert.Zero(t, sleeper.count(), "a resend is not a retry and takes no backoff")
}

func TestSession_ZeroByteAcknowledgmentIsRetried(t *testing.T) {
	data := randomBytes(500)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.partialAt[1] = 100 // chunk 1 covers 100..200; nothing is accepted

	sleeper := &sleepRecorder{}
	s := startTestUpload(t, data, backend, newFakeCreds(), withSleepFunc(sleeper.sleep))

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, []int{0, 1, 1, 2, 3, 4}, backend.chunkIndexes(),
		"an acknowledgment that stored nothing fails the attempt, it is not a success")
	assert.Equal(t, data, backend.content, "every byte must reach the backend")
	assert.Equal(t, 1, sleeper.count(), "the re-attempt goes through the retry policy")
}

func TestSession_PersistentZeroByteAcknowledgmentFails(t *testing.T) {
	data := randomBytes(300)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.partialAt[1] = 100

	// The fake clears partialAt after one use; re-arm it on every attempt so
	// the backend never makes progress on chunk 1.
	backend.onChunk = func(desc ChunkDescriptor) {
		if desc.Index == 1 {
			backend.mu.Lock()
			backend.partialAt[1] = 100
			backend.mu.Unlock()
		}
	}

	s := startTestUpload(t, data, backend, newFakeCreds(),
		WithPolicy(Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}))

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, outcome.State)
	assert.True(t, IsKind(outcome.Err, KindBackendProtocol))
	assert.Equal(t, 1, ChunkOf(outcome.Err))
	assert.Equal(t, 1, backend.abortCount())
}

func TestSession_AuthFailureRefreshesOnce(t *testing.T) {
	data := randomBytes(200)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.chunkErrs[0] = []error{&Error{Kind: KindAuth, Chunk: NoChunk, Status: 401, Message: "token expired"}}

	creds := newFakeCreds()
	s := startTestUpload(t, data, backend, creds)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 1, creds.refreshCount(), "an auth failure forces a single refresh")
	assert.Equal(t, []int{0, 0, 1}, backend.chunkIndexes())
}

func TestSession_SecondAuthFailureAborts(t *testing.T) {
	data := randomBytes(200)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.chunkErrs[0] = []error{
		&Error{Kind: KindAuth, Chunk: NoChunk, Status: 401, Message: "token expired"},
		&Error{Kind: KindAuth, Chunk: NoChunk, Status: 401, Message: "still rejected"},
	}

	creds := newFakeCreds()
	s := startTestUpload(t, data, backend, creds)

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, outcome.State)
	assert.True(t, IsKind(outcome.Err, KindAuth))
	assert.Equal(t, 1, creds.refreshCount())
	assert.Equal(t, 1, backend.abortCount())
}

func TestSession_AuthBudgetSeparateFromNetworkBudget(t *testing.T) {
	data := randomBytes(200)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	// Two network failures plus one auth failure on the same chunk. With a
	// three-attempt ceiling this only completes if the auth retry is counted
	// on its own budget.
	backend.chunkErrs[0] = []error{
		Errf(KindNetwork, "timeout"),
		&Error{Kind: KindAuth, Chunk: NoChunk, Status: 401, Message: "token expired"},
		Errf(KindNetwork, "timeout"),
	}

	s := startTestUpload(t, data, backend, newFakeCreds(),
		WithPolicy(Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}))

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, []int{0, 0, 0, 0, 1}, backend.chunkIndexes())
}

func TestSession_InitiateFailureSkipsAbort(t *testing.T) {
	data := randomBytes(200)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.initiateErrs = []error{Errf(KindValidation, "file too large")}

	s := startTestUpload(t, data, backend, newFakeCreds())

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, outcome.State)
	assert.True(t, IsKind(outcome.Err, KindValidation))
	assert.Zero(t, backend.abortCount(), "nothing remote was allocated, nothing to abort")
}

func TestSession_FinalizeRetries(t *testing.T) {
	data := randomBytes(200)
	backend := newFakeBackend(Constraints{MaxChunk: 100})
	backend.finalizeErrs = []error{Errf(KindNetwork, "timeout")}

	s := startTestUpload(t, data, backend, newFakeCreds())

	outcome, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
}

func TestStartUpload_RejectsZeroLength(t *testing.T) {
	target := UploadTarget{Path: "docs/empty.bin", TotalLength: 0}

	_, err := StartUpload(context.Background(), target,
		NewReaderAtSource(bytes.NewReader(nil)), newFakeBackend(Constraints{MaxChunk: 100}), newFakeCreds())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestStartUpload_RejectsEmptyPath(t *testing.T) {
	target := UploadTarget{Path: "", TotalLength: 10}

	_, err := StartUpload(context.Background(), target,
		NewReaderAtSource(bytes.NewReader(randomBytes(10))), newFakeBackend(Constraints{MaxChunk: 100}), newFakeCreds())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestStartUpload_RejectsNilSource(t *testing.T) {
	target := UploadTarget{Path: "docs/report.bin", TotalLength: 10}

	_, err := StartUpload(context.Background(), target, nil, newFakeBackend(Constraints{MaxChunk: 100}), newFakeCreds())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateIdle.Terminal())
	assert.False(t, StateTransferring.Terminal())
	assert.False(t, StateFinalizing.Terminal())
}

func TestCredential_FreshFor(t *testing.T) {
	assert.True(t, Credential{AccessToken: "x"}.FreshFor(time.Hour), "no expiry means always fresh")

	soon := Credential{AccessToken: "x", ExpiresAt: time.Now().Add(time.Minute)}
	assert.False(t, soon.FreshFor(2*time.Minute))
	assert.True(t, soon.FreshFor(10*time.Second))
}
