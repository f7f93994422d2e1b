package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agent-relay/internal/bundle"
	"agent-relay/internal/domain"
	"agent-relay/internal/integrations/runtime"
	"agent-relay/internal/registry"
)

const defaultLockTTL = 15 * time.Minute

// Registry is the session registry surface the processor depends on.
type Registry interface {
	Get(ctx context.Context, id domain.ConversationIdentity) (domain.SessionRecord, error)
	AcquireLock(ctx context.Context, id domain.ConversationIdentity, token string, lockTTL time.Duration) error
	ReleaseLock(ctx context.Context, id domain.ConversationIdentity, token string) error
	SaveSession(ctx context.Context, id domain.ConversationIdentity, sessionID string) error
}

// BundleStore synchronizes the blob bundle for a session.
type BundleStore interface {
	Download(ctx context.Context, sessionID string) (domain.WorkspaceSnapshot, error)
	Upload(ctx context.Context, sessionID string, snapshot domain.WorkspaceSnapshot) error
}

// Runtime invokes the external agent.
type Runtime interface {
	Invoke(ctx context.Context, in runtime.InvokeInput) (runtime.InvokeResult, error)
}

// Dispatcher delivers replies and brackets the invocation with liveness
// signaling.
type Dispatcher interface {
	Deliver(ctx context.Context, id domain.ConversationIdentity, replyTo int64, text string) error
	StartLiveness(ctx context.Context, id domain.ConversationIdentity) (stop func())
}

// Processor runs the session worker pipeline for one dequeued message:
// lock, resolve, restore, invoke, persist, reply. The caller acknowledges
// the queue message only when Process returns nil; any error leaves the
// message for redelivery.
type Processor struct {
	registry   Registry
	bundles    BundleStore
	runtime    Runtime
	dispatcher Dispatcher
	lockTTL    time.Duration

	newLockToken func() string
}

type Option func(*Processor)

// WithLockTTL overrides the session lock expiry. It must exceed the longest
// plausible invocation so a live worker is never silently dispossessed.
func WithLockTTL(d time.Duration) Option {
	return func(p *Processor) {
		p.lockTTL = d
	}
}

// New creates a Processor.
func New(reg Registry, bundles BundleStore, rt Runtime, disp Dispatcher, opts ...Option) (*Processor, error) {
	if reg == nil {
		return nil, errors.New("worker: registry must not be nil")
	}
	if bundles == nil {
		return nil, errors.New("worker: bundle store must not be nil")
	}
	if rt == nil {
		return nil, errors.New("worker: runtime must not be nil")
	}
	if disp == nil {
		return nil, errors.New("worker: dispatcher must not be nil")
	}
	p := &Processor{
		registry:     reg,
		bundles:      bundles,
		runtime:      rt,
		dispatcher:   disp,
		lockTTL:      defaultLockTTL,
		newLockToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs one message through the pipeline.
func (p *Processor) Process(ctx context.Context, msg domain.QueueMessage) error {
	log := slog.With("conversation", msg.Identity.Key(), "message", msg.MessageID, "attempt", msg.Attempt)

	token := p.newLockToken()
	if err := p.registry.AcquireLock(ctx, msg.Identity, token, p.lockTTL); err != nil {
		if errors.Is(err, registry.ErrLockHeld) {
			log.Info("session locked by another worker, deferring")
			return newError(ErrorContention, "session_locked", err)
		}
		return newError(ErrorPersistence, "lock_acquire_error", err)
	}
	defer func() {
		if err := p.registry.ReleaseLock(ctx, msg.Identity, token); err != nil {
			// The lock expires on its own; a failed release only delays the
			// next attempt, it cannot corrupt state.
			log.Warn("failed to release session lock", "err", err)
		}
	}()

	sessionID, snapshot, err := p.resolveSession(ctx, msg.Identity, log)
	if err != nil {
		return err
	}

	stop := p.dispatcher.StartLiveness(ctx, msg.Identity)
	result, err := p.runtime.Invoke(ctx, runtime.InvokeInput{
		SessionID: sessionID,
		Message:   msg.Text,
		Snapshot:  snapshot,
	})
	stop()
	if err != nil {
		return newError(ErrorRuntime, "runtime_invoke_error", err)
	}
	if result.IsError {
		return newError(ErrorRuntime, "runtime_reported_error", errors.New(result.ErrorDetail))
	}
	if result.SessionID == "" {
		return newError(ErrorRuntime, "runtime_missing_session_id", nil)
	}

	if err := p.bundles.Upload(ctx, result.SessionID, result.Snapshot); err != nil {
		return newError(ErrorPersistence, "bundle_upload_error", err)
	}
	if err := p.registry.SaveSession(ctx, msg.Identity, result.SessionID); err != nil {
		return newError(ErrorPersistence, "registry_save_error", err)
	}

	if err := p.dispatcher.Deliver(ctx, msg.Identity, msg.MessageID, result.Response); err != nil {
		return newError(ErrorDelivery, "reply_delivery_error", err)
	}

	log.Info("message processed", "session", result.SessionID, "turns", result.NumTurns, "costUsd", result.CostUSD)
	return nil
}

// resolveSession maps the conversation identity to the session to resume,
// if any. A live registry entry whose bundle is gone or partial falls back
// to a new session rather than failing the request.
func (p *Processor) resolveSession(ctx context.Context, id domain.ConversationIdentity, log *slog.Logger) (string, domain.WorkspaceSnapshot, error) {
	rec, err := p.registry.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, newError(ErrorPersistence, "registry_read_error", err)
	}

	snapshot, err := p.bundles.Download(ctx, rec.SessionID)
	if errors.Is(err, bundle.ErrNotFound) || errors.Is(err, bundle.ErrIncomplete) {
		log.Warn("bundle unusable, starting new session", "session", rec.SessionID, "err", err)
		return "", nil, nil
	}
	if err != nil {
		return "", nil, newError(ErrorPersistence, "bundle_download_error", err)
	}
	return rec.SessionID, snapshot, nil
}
