package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/store"
)

type Processor struct {
	store store.DataStore
}

func NewProcessor(s store.DataStore) *Processor {
	return &Processor{store: s}
}

// Process updates interview_sessions based on the event type.
func (p *Processor) Process(ctx context.Context, e events.Event) {
	if e.SessionID == "" {
		return
	}
	updates := map[string]any{}
	if callID := e.MetadataField("call_id"); callID != "" {
		updates["call_id"] = callID
	}

	switch e.EventType {
	case events.TypeSessionConnecting:
		updates["status"] = "connecting"
		if user := e.MetadataField("user_id"); user != "" {
			updates["user_id"] = user
		}

	case events.TypeSessionActive:
		updates["status"] = "active"
		updates["started_at"] = e.Timestamp

	case events.TypeSessionFinished:
		updates["status"] = "finished"
		updates["ended_at"] = e.Timestamp

		// Duration from the session's started_at.
		sess, err := p.store.GetSession(ctx, e.SessionID)
		if err == nil {
			if startedAt, ok := sess["started_at"].(time.Time); ok {
				updates["duration_ms"] = e.Timestamp.Sub(startedAt).Milliseconds()
			}
		}

	case events.TypeSessionStartFailed:
		updates["status"] = "failed"
		if errMsg := e.MetadataField("error"); errMsg != "" {
			updates["error"] = errMsg
		}

	case events.TypeSessionUnreconcilable:
		updates["reconcile_state"] = "unreconcilable"

	case events.TypeCallSaved:
		updates["reconcile_state"] = "saved"

	case events.TypeCallSaveFailed:
		updates["reconcile_state"] = "save_failed"
		if errMsg := e.MetadataField("error"); errMsg != "" {
			updates["error"] = errMsg
		}

	case events.TypeTurnAppended:
		updates["inc_turns"] = true

	case events.TypeQuestionPublished:
		if title := e.MetadataField("title"); title != "" {
			updates["question_title"] = title
		}

	default:
		// Other events still count toward the session's event total.
	}

	if err := p.store.UpsertSession(ctx, e.SessionID, updates); err != nil {
		slog.Error("failed to upsert session", "session_id", e.SessionID, "error", err)
	}
}
