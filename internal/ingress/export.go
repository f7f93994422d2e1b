package ingress

import (
	"context"
	"errors"
	"fmt"

	"agent-relay/internal/bundle"
	"agent-relay/internal/domain"
	"agent-relay/internal/registry"
)

// ErrNoSession means the conversation has no live session to export.
var ErrNoSession = errors.New("ingress: no session for conversation")

// exportTextLimit caps each exported member's inline text.
const exportTextLimit = 3500

type registryReader interface {
	Get(ctx context.Context, id domain.ConversationIdentity) (domain.SessionRecord, error)
}

type bundleReader interface {
	Download(ctx context.Context, sessionID string) (domain.WorkspaceSnapshot, error)
}

// Exporter serves the on-demand debug surface: the current blob bundle's raw
// members for a conversation, read directly from object storage. Reads only,
// so it takes no session lock.
type Exporter struct {
	registry registryReader
	bundles  bundleReader
}

// NewExporter creates an Exporter.
func NewExporter(reg registryReader, bundles bundleReader) (*Exporter, error) {
	if reg == nil {
		return nil, errors.New("ingress: registry must not be nil")
	}
	if bundles == nil {
		return nil, errors.New("ingress: bundle reader must not be nil")
	}
	return &Exporter{registry: reg, bundles: bundles}, nil
}

// Export returns the session ID and whatever bundle members exist. A partial
// bundle is still exported; that is the point of a debug surface.
func (e *Exporter) Export(ctx context.Context, id domain.ConversationIdentity) (string, domain.WorkspaceSnapshot, error) {
	rec, err := e.registry.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return "", nil, ErrNoSession
	}
	if err != nil {
		return "", nil, fmt.Errorf("ingress: export registry read: %w", err)
	}

	snapshot, err := e.bundles.Download(ctx, rec.SessionID)
	if errors.Is(err, bundle.ErrNotFound) {
		return "", nil, ErrNoSession
	}
	if err != nil && !errors.Is(err, bundle.ErrIncomplete) {
		return "", nil, fmt.Errorf("ingress: export bundle download: %w", err)
	}
	return rec.SessionID, snapshot, nil
}

// FormatExport renders the export reply texts, one per bundle member, in
// stable member order.
func FormatExport(sessionID string, snapshot domain.WorkspaceSnapshot) []string {
	out := make([]string, 0, len(bundle.Members)+1)
	out = append(out, fmt.Sprintf("Session %s", sessionID))
	for _, member := range bundle.Members {
		data, ok := snapshot[member]
		if !ok {
			out = append(out, fmt.Sprintf("%s: (missing)", member))
			continue
		}
		if len(data) == 0 {
			out = append(out, fmt.Sprintf("%s: (empty)", member))
			continue
		}
		text := string(data)
		if runes := []rune(text); len(runes) > exportTextLimit {
			text = string(runes[:exportTextLimit]) + "\n... (truncated)"
		}
		out = append(out, fmt.Sprintf("%s:\n%s", member, text))
	}
	return out
}
