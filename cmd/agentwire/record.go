package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/agentwire/agentwire/internal/sessionstore"
	"github.com/agentwire/agentwire/wire"
)

// transcriptRecorder appends each delivered record to the session store
// under a per-run id. Recording failures are logged, never fatal: a
// broken recorder must not interrupt a live conversation.
type transcriptRecorder struct {
	store *sessionstore.Store
	runID string
}

func newTranscriptRecorder(store *sessionstore.Store, runID string) *transcriptRecorder {
	return &transcriptRecorder{store: store, runID: runID}
}

func (r *transcriptRecorder) record(ctx context.Context, msg wire.Message) {
	raw := rawOf(msg)
	if raw == nil {
		return
	}
	line, err := json.Marshal(raw)
	if err != nil {
		slog.Warn("marshal transcript record", "error", err)
		return
	}
	if err := r.store.AppendLine(ctx, r.runID, line); err != nil {
		slog.Warn("record transcript line", "error", err)
	}
}

func rawOf(msg wire.Message) map[string]any {
	switch m := msg.(type) {
	case *wire.UserMessage:
		return m.Raw
	case *wire.AssistantMessage:
		return m.Raw
	case *wire.SystemMessage:
		return m.Raw
	case *wire.ResultMessage:
		return m.Raw
	case *wire.StreamEvent:
		return m.Raw
	default:
		return nil
	}
}
