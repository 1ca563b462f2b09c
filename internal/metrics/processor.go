package metrics

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/store"
)

type Processor struct {
	store store.DataStore
}

func NewProcessor(s store.DataStore) *Processor {
	return &Processor{store: s}
}

// Process updates user_metrics based on event type.
func (p *Processor) Process(ctx context.Context, e events.Event) {
	switch e.EventType {
	case events.TypeSessionConnecting:
		p.update(ctx, e, map[string]any{"inc_started": true})
	case events.TypeSessionFinished:
		p.handleFinished(ctx, e)
	case events.TypeSessionUnreconcilable:
		p.update(ctx, e, map[string]any{"inc_unreconcilable": true})
	}
}

func (p *Processor) handleFinished(ctx context.Context, e events.Event) {
	updates := map[string]any{"inc_completed": true}
	if turns, ok := e.MetadataFloat("turns"); ok && turns > 0 {
		updates["add_turns"] = int(turns)
	}
	// Sessions without readings report zero stress; they are not sampled.
	if stress, ok := e.MetadataFloat("average_stress"); ok && stress > 0 {
		updates["stress_sample"] = stress
	}
	p.update(ctx, e, updates)
}

func (p *Processor) update(ctx context.Context, e events.Event, updates map[string]any) {
	user := e.MetadataField("user_id")
	if user == "" {
		return
	}
	if err := p.store.UpsertUserMetric(ctx, user, e.Timestamp, updates); err != nil {
		slog.Error("failed to update user metrics", "user_id", user, "event_type", e.EventType, "error", err)
	}
}
