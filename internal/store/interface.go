package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/events"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CallLog is the saved record of one finished interview call.
type CallLog struct {
	CallID    string          `json:"call_id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name,omitempty"`
	Turns     json.RawMessage `json:"turns"`
	Emotion   json.RawMessage `json:"emotion_analysis"`
	Record    json.RawMessage `json:"record,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DataStore is the interface consumed by the batcher, processors, the coach
// service and the API. The concrete implementation is *Store (pgx-backed).
type DataStore interface {
	InsertEvents(ctx context.Context, evts []events.Event) error
	QueryEvents(ctx context.Context, sessionID string) ([]map[string]any, error)
	UpsertSession(ctx context.Context, sessionID string, updates map[string]any) error
	GetSession(ctx context.Context, sessionID string) (map[string]any, error)
	UpsertUserMetric(ctx context.Context, userID string, date time.Time, updates map[string]any) error
	GetUserMetrics(ctx context.Context, userID string) (map[string]any, error)
	SaveCallLog(ctx context.Context, log CallLog) error
	ListCallLogs(ctx context.Context, userID string, limit int) ([]CallLog, error)
	GetCallLog(ctx context.Context, callID string) (CallLog, error)
	SaveFeedback(ctx context.Context, callID, userID string, report json.RawMessage) error
	Close()
}
