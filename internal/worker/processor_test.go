package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-relay/internal/bundle"
	"agent-relay/internal/domain"
	"agent-relay/internal/integrations/runtime"
	"agent-relay/internal/registry"
)

var testIdentity = domain.ConversationIdentity{ChatID: 42, ThreadID: 7}

type mockRegistry struct {
	record     domain.SessionRecord
	getErr     error
	acquireErr error
	saveErr    error
	releaseErr error

	acquiredToken string
	releasedToken string
	savedSession  string
	releaseOrder  []string
}

func (m *mockRegistry) Get(_ context.Context, _ domain.ConversationIdentity) (domain.SessionRecord, error) {
	return m.record, m.getErr
}

func (m *mockRegistry) AcquireLock(_ context.Context, _ domain.ConversationIdentity, token string, _ time.Duration) error {
	if m.acquireErr != nil {
		return m.acquireErr
	}
	m.acquiredToken = token
	return nil
}

func (m *mockRegistry) ReleaseLock(_ context.Context, _ domain.ConversationIdentity, token string) error {
	m.releasedToken = token
	m.releaseOrder = append(m.releaseOrder, "release")
	return m.releaseErr
}

func (m *mockRegistry) SaveSession(_ context.Context, _ domain.ConversationIdentity, sessionID string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedSession = sessionID
	return nil
}

type mockBundles struct {
	snapshot    domain.WorkspaceSnapshot
	downloadErr error
	uploadErr   error

	downloadedSession string
	uploadedSession   string
	uploaded          domain.WorkspaceSnapshot
}

func (m *mockBundles) Download(_ context.Context, sessionID string) (domain.WorkspaceSnapshot, error) {
	m.downloadedSession = sessionID
	return m.snapshot, m.downloadErr
}

func (m *mockBundles) Upload(_ context.Context, sessionID string, snapshot domain.WorkspaceSnapshot) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.uploadedSession = sessionID
	m.uploaded = snapshot
	return nil
}

type mockRuntime struct {
	result runtime.InvokeResult
	err    error
	input  runtime.InvokeInput
	calls  int
}

func (m *mockRuntime) Invoke(_ context.Context, in runtime.InvokeInput) (runtime.InvokeResult, error) {
	m.input = in
	m.calls++
	return m.result, m.err
}

type mockDispatcher struct {
	deliverErr error

	delivered     []string
	livenessOpen  int
	livenessStops int
}

func (m *mockDispatcher) Deliver(_ context.Context, _ domain.ConversationIdentity, _ int64, text string) error {
	if m.deliverErr != nil {
		return m.deliverErr
	}
	m.delivered = append(m.delivered, text)
	return nil
}

func (m *mockDispatcher) StartLiveness(_ context.Context, _ domain.ConversationIdentity) func() {
	m.livenessOpen++
	return func() { m.livenessStops++ }
}

func okResult(sessionID, response string) runtime.InvokeResult {
	return runtime.InvokeResult{
		Response:  response,
		SessionID: sessionID,
		Snapshot: domain.WorkspaceSnapshot{
			bundle.MemberTranscript: []byte("turns"),
			bundle.MemberDebugLog:   []byte("log"),
			bundle.MemberTasks:      []byte("[]"),
		},
	}
}

func newTestProcessor(t *testing.T, reg *mockRegistry, b *mockBundles, rt *mockRuntime, d *mockDispatcher) *Processor {
	t.Helper()
	p, err := New(reg, b, rt, d)
	require.NoError(t, err)
	return p
}

func testMessage() domain.QueueMessage {
	return domain.QueueMessage{Identity: testIdentity, Text: "hello", MessageID: 100, Attempt: 1}
}

func expectWorkerError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, code, werr.Code)
	require.Equal(t, reason, werr.Reason)
}

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(nil, &mockBundles{}, &mockRuntime{}, &mockDispatcher{})
	require.Error(t, err)
	_, err = New(&mockRegistry{}, nil, &mockRuntime{}, &mockDispatcher{})
	require.Error(t, err)
	_, err = New(&mockRegistry{}, &mockBundles{}, nil, &mockDispatcher{})
	require.Error(t, err)
	_, err = New(&mockRegistry{}, &mockBundles{}, &mockRuntime{}, nil)
	require.Error(t, err)
}

func TestProcess_NewConversation(t *testing.T) {
	reg := &mockRegistry{getErr: registry.ErrNotFound}
	b := &mockBundles{}
	rt := &mockRuntime{result: okResult("sess-new", "hi there")}
	d := &mockDispatcher{}
	p := newTestProcessor(t, reg, b, rt, d)

	require.NoError(t, p.Process(context.Background(), testMessage()))

	// No prior session: the runtime is invoked fresh and assigns the ID.
	require.Empty(t, rt.input.SessionID)
	require.Nil(t, rt.input.Snapshot)
	require.Equal(t, "hello", rt.input.Message)

	require.Equal(t, "sess-new", b.uploadedSession)
	require.Len(t, b.uploaded, 3)
	require.Equal(t, "sess-new", reg.savedSession)
	require.Equal(t, []string{"hi there"}, d.delivered)
	require.Equal(t, reg.acquiredToken, reg.releasedToken)
	require.Equal(t, 1, d.livenessOpen)
	require.Equal(t, 1, d.livenessStops)
}

func TestProcess_ResumesExistingSession(t *testing.T) {
	snapshot := domain.WorkspaceSnapshot{
		bundle.MemberTranscript: []byte("prior"),
		bundle.MemberDebugLog:   []byte(""),
		bundle.MemberTasks:      []byte("[]"),
	}
	reg := &mockRegistry{record: domain.SessionRecord{Identity: testIdentity, SessionID: "sess-1"}}
	b := &mockBundles{snapshot: snapshot}
	rt := &mockRuntime{result: okResult("sess-1", "continued")}
	p := newTestProcessor(t, reg, b, rt, &mockDispatcher{})

	require.NoError(t, p.Process(context.Background(), testMessage()))
	require.Equal(t, "sess-1", rt.input.SessionID)
	require.Equal(t, snapshot, rt.input.Snapshot)
	require.Equal(t, "sess-1", b.downloadedSession)
}

func TestProcess_BundleMissingFallsBackToNewSession(t *testing.T) {
	// Registry entry alive but the bundle aged out independently: treated
	// as a new session, never a failure.
	reg := &mockRegistry{record: domain.SessionRecord{Identity: testIdentity, SessionID: "sess-old"}}
	b := &mockBundles{downloadErr: bundle.ErrNotFound}
	rt := &mockRuntime{result: okResult("sess-fresh", "started over")}
	p := newTestProcessor(t, reg, b, rt, &mockDispatcher{})

	require.NoError(t, p.Process(context.Background(), testMessage()))
	require.Empty(t, rt.input.SessionID)
	require.Nil(t, rt.input.Snapshot)
	require.Equal(t, "sess-fresh", reg.savedSession)
}

func TestProcess_IncompleteBundleFallsBackToNewSession(t *testing.T) {
	reg := &mockRegistry{record: domain.SessionRecord{Identity: testIdentity, SessionID: "sess-old"}}
	b := &mockBundles{downloadErr: bundle.ErrIncomplete}
	rt := &mockRuntime{result: okResult("sess-fresh", "ok")}
	p := newTestProcessor(t, reg, b, rt, &mockDispatcher{})

	require.NoError(t, p.Process(context.Background(), testMessage()))
	require.Empty(t, rt.input.SessionID)
}

func TestProcess_LockContentionDefers(t *testing.T) {
	reg := &mockRegistry{acquireErr: registry.ErrLockHeld}
	rt := &mockRuntime{}
	p := newTestProcessor(t, reg, &mockBundles{}, rt, &mockDispatcher{})

	err := p.Process(context.Background(), testMessage())
	expectWorkerError(t, err, ErrorContention, "session_locked")
	require.True(t, IsContention(err))
	require.Zero(t, rt.calls)
	// Never held the lock, so nothing to release.
	require.Empty(t, reg.releasedToken)
}

func TestProcess_RuntimeInvokeError(t *testing.T) {
	reg := &mockRegistry{getErr: registry.ErrNotFound}
	rt := &mockRuntime{err: errors.New("connection reset")}
	d := &mockDispatcher{}
	p := newTestProcessor(t, reg, &mockBundles{}, rt, d)

	err := p.Process(context.Background(), testMessage())
	expectWorkerError(t, err, ErrorRuntime, "runtime_invoke_error")
	// Failed attempts still release the lock and stop the liveness signal.
	require.Equal(t, reg.acquiredToken, reg.releasedToken)
	require.Equal(t, 1, d.livenessStops)
	require.Empty(t, d.delivered)
}

func TestProcess_RuntimeReportedError(t *testing.T) {
	reg := &mockRegistry{getErr: registry.ErrNotFound}
	rt := &mockRuntime{result: runtime.InvokeResult{IsError: true, ErrorDetail: "overloaded", SessionID: "sess-1"}}
	d := &mockDispatcher{}
	p := newTestProcessor(t, reg, &mockBundles{}, rt, d)

	err := p.Process(context.Background(), testMessage())
	expectWorkerError(t, err, ErrorRuntime, "runtime_reported_error")
	require.Empty(t, d.delivered)
}

func TestProcess_RuntimeMissingSessionID(t *testing.T) {
	reg := &mockRegistry{getErr: registry.ErrNotFound}
	rt := &mockRuntime{result: runtime.InvokeResult{Response: "ok"}}
	p := newTestProcessor(t, reg, &mockBundles{}, rt, &mockDispatcher{})

	err := p.Process(context.Background(), testMessage())
	expectWorkerError(t, err, ErrorRuntime, "runtime_missing_session_id")
}

func TestProcess_PersistenceErrors(t *testing.T) {
	t.Run("registry read", func(t *testing.T) {
		reg := &mockRegistry{getErr: errors.New("dynamo down")}
		p := newTestProcessor(t, reg, &mockBundles{}, &mockRuntime{}, &mockDispatcher{})
		err := p.Process(context.Background(), testMessage())
		expectWorkerError(t, err, ErrorPersistence, "registry_read_error")
		require.Equal(t, reg.acquiredToken, reg.releasedToken)
	})

	t.Run("bundle download", func(t *testing.T) {
		reg := &mockRegistry{record: domain.SessionRecord{SessionID: "sess-1"}}
		b := &mockBundles{downloadErr: errors.New("s3 down")}
		p := newTestProcessor(t, reg, b, &mockRuntime{}, &mockDispatcher{})
		err := p.Process(context.Background(), testMessage())
		expectWorkerError(t, err, ErrorPersistence, "bundle_download_error")
	})

	t.Run("bundle upload", func(t *testing.T) {
		reg := &mockRegistry{getErr: registry.ErrNotFound}
		b := &mockBundles{uploadErr: errors.New("s3 down")}
		rt := &mockRuntime{result: okResult("sess-1", "ok")}
		d := &mockDispatcher{}
		p := newTestProcessor(t, reg, b, rt, d)
		err := p.Process(context.Background(), testMessage())
		expectWorkerError(t, err, ErrorPersistence, "bundle_upload_error")
		// Reply only after persistence: the user never sees a turn the
		// store did not record.
		require.Empty(t, d.delivered)
	})

	t.Run("registry save", func(t *testing.T) {
		reg := &mockRegistry{getErr: registry.ErrNotFound, saveErr: errors.New("dynamo down")}
		rt := &mockRuntime{result: okResult("sess-1", "ok")}
		p := newTestProcessor(t, reg, &mockBundles{}, rt, &mockDispatcher{})
		err := p.Process(context.Background(), testMessage())
		expectWorkerError(t, err, ErrorPersistence, "registry_save_error")
	})
}

func TestProcess_DeliveryError(t *testing.T) {
	reg := &mockRegistry{getErr: registry.ErrNotFound}
	rt := &mockRuntime{result: okResult("sess-1", "ok")}
	d := &mockDispatcher{deliverErr: errors.New("telegram down")}
	p := newTestProcessor(t, reg, &mockBundles{}, rt, d)

	err := p.Process(context.Background(), testMessage())
	expectWorkerError(t, err, ErrorDelivery, "reply_delivery_error")
	require.Equal(t, reg.acquiredToken, reg.releasedToken)
}

func TestProcess_RedeliveryAfterCrashIsEquivalent(t *testing.T) {
	// First attempt uploaded the bundle and saved the registry but the ack
	// was lost. The redelivered attempt resumes the session and converges
	// on the same end state.
	snapshot := okResult("sess-1", "").Snapshot
	reg := &mockRegistry{record: domain.SessionRecord{Identity: testIdentity, SessionID: "sess-1"}}
	b := &mockBundles{snapshot: snapshot}
	rt := &mockRuntime{result: okResult("sess-1", "again")}
	p := newTestProcessor(t, reg, b, rt, &mockDispatcher{})

	require.NoError(t, p.Process(context.Background(), testMessage()))
	require.Equal(t, 1, rt.calls)
	require.Equal(t, "sess-1", b.uploadedSession)
	require.Equal(t, "sess-1", reg.savedSession)
}

func TestProcess_UniqueLockTokenPerAttempt(t *testing.T) {
	reg := &mockRegistry{getErr: registry.ErrNotFound}
	rt := &mockRuntime{result: okResult("sess-1", "ok")}
	p := newTestProcessor(t, reg, &mockBundles{}, rt, &mockDispatcher{})

	require.NoError(t, p.Process(context.Background(), testMessage()))
	first := reg.acquiredToken
	require.NotEmpty(t, first)

	require.NoError(t, p.Process(context.Background(), testMessage()))
	require.NotEqual(t, first, reg.acquiredToken)
}
