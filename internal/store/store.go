package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	slog.Info("store: schema applied")
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InsertEvents batch-inserts normalized events into session_events.
func (s *Store) InsertEvents(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	rows := make([][]any, len(evts))
	for i, e := range evts {
		rows[i] = []any{e.EventID, e.SessionID, e.Source, e.EventType, e.Timestamp, e.Metadata}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"session_events"},
		[]string{"event_id", "session_id", "source", "event_type", "timestamp", "metadata"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	slog.Debug("inserted events", "count", len(evts))
	return nil
}

// QueryEvents returns a session's events in timestamp order.
func (s *Store) QueryEvents(ctx context.Context, sessionID string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, session_id, source, event_type, timestamp, metadata FROM session_events WHERE session_id = $1 ORDER BY timestamp`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		var (
			eid, sid, src, etype string
			ts                   time.Time
			meta                 json.RawMessage
		)
		if err := rows.Scan(&eid, &sid, &src, &etype, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		results = append(results, map[string]any{
			"event_id":   eid,
			"session_id": sid,
			"source":     src,
			"event_type": etype,
			"timestamp":  ts,
			"metadata":   meta,
		})
	}
	return results, rows.Err()
}

// sessionColumns maps update keys to interview_sessions columns.
var sessionColumns = map[string]string{
	"status":          "status",
	"user_id":         "user_id",
	"call_id":         "call_id",
	"reconcile_state": "reconcile_state",
	"question_title":  "question_title",
	"started_at":      "started_at",
	"ended_at":        "ended_at",
	"duration_ms":     "duration_ms",
	"error":           "error",
}

// UpsertSession creates or updates a session row. The special key
// "inc_turns" increments the turn count; every call increments event_count.
func (s *Store) UpsertSession(ctx context.Context, sessionID string, updates map[string]any) error {
	query := `
		INSERT INTO interview_sessions (session_id, updated_at)
		VALUES ($1, now())
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("upsert session base: %w", err)
	}

	for field, value := range updates {
		if field == "inc_turns" {
			if _, err := s.pool.Exec(ctx,
				`UPDATE interview_sessions SET turn_count = turn_count + 1, updated_at = now() WHERE session_id = $1`,
				sessionID,
			); err != nil {
				return fmt.Errorf("inc turns: %w", err)
			}
			continue
		}
		col, ok := sessionColumns[field]
		if !ok {
			continue
		}
		q := fmt.Sprintf(`UPDATE interview_sessions SET %s = $2, updated_at = now() WHERE session_id = $1`, col)
		if _, err := s.pool.Exec(ctx, q, sessionID, value); err != nil {
			return fmt.Errorf("update session field %s: %w", field, err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE interview_sessions SET event_count = event_count + 1, updated_at = now() WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("inc event count: %w", err)
	}
	return nil
}

// GetSession returns a single session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (map[string]any, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, call_id, status, reconcile_state, question_title, turn_count,
		       event_count, started_at, ended_at, duration_ms, error, created_at, updated_at
		FROM interview_sessions WHERE session_id = $1
	`, sessionID)

	var (
		sid, status                         string
		userID, callID, reconcile, question *string
		errStr                              *string
		turns, eventCount                   int
		startedAt, endedAt                  *time.Time
		durationMs                          *int64
		createdAt, updatedAt                time.Time
	)
	if err := row.Scan(&sid, &userID, &callID, &status, &reconcile, &question, &turns, &eventCount,
		&startedAt, &endedAt, &durationMs, &errStr, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	result := map[string]any{
		"session_id":  sid,
		"status":      status,
		"turn_count":  turns,
		"event_count": eventCount,
		"created_at":  createdAt,
		"updated_at":  updatedAt,
	}
	optional := map[string]*string{
		"user_id":         userID,
		"call_id":         callID,
		"reconcile_state": reconcile,
		"question_title":  question,
		"error":           errStr,
	}
	for k, v := range optional {
		if v != nil {
			result[k] = *v
		}
	}
	if startedAt != nil {
		result["started_at"] = *startedAt
	}
	if endedAt != nil {
		result["ended_at"] = *endedAt
	}
	if durationMs != nil {
		result["duration_ms"] = *durationMs
	}
	return result, nil
}

// UpsertUserMetric updates a user's daily interview metrics.
func (s *Store) UpsertUserMetric(ctx context.Context, userID string, date time.Time, updates map[string]any) error {
	d := date.Format("2006-01-02")

	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_metrics (user_id, metric_date)
		VALUES ($1, $2)
		ON CONFLICT (user_id, metric_date) DO NOTHING
	`, userID, d)
	if err != nil {
		return fmt.Errorf("ensure user_metrics row: %w", err)
	}

	for field, value := range updates {
		var q string
		switch field {
		case "inc_started":
			q = `UPDATE user_metrics SET sessions_started = sessions_started + 1, updated_at = now() WHERE user_id = $1 AND metric_date = $2`
		case "inc_completed":
			q = `UPDATE user_metrics SET sessions_completed = sessions_completed + 1, updated_at = now() WHERE user_id = $1 AND metric_date = $2`
		case "inc_unreconcilable":
			q = `UPDATE user_metrics SET sessions_unreconcilable = sessions_unreconcilable + 1, updated_at = now() WHERE user_id = $1 AND metric_date = $2`
		case "add_turns":
			q = `UPDATE user_metrics SET turns = turns + $3, updated_at = now() WHERE user_id = $1 AND metric_date = $2`
		case "stress_sample":
			q = `UPDATE user_metrics
			     SET avg_stress = (avg_stress * stress_samples + $3) / (stress_samples + 1),
			         stress_samples = stress_samples + 1, updated_at = now()
			     WHERE user_id = $1 AND metric_date = $2`
		default:
			continue
		}
		args := []any{userID, d}
		if field == "add_turns" || field == "stress_sample" {
			args = append(args, value)
		}
		if _, err := s.pool.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("update metric %s: %w", field, err)
		}
	}

	return nil
}

// GetUserMetrics returns the latest metrics row for a user.
func (s *Store) GetUserMetrics(ctx context.Context, userID string) (map[string]any, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, metric_date, sessions_started, sessions_completed, sessions_unreconcilable,
		       turns, avg_stress, stress_samples
		FROM user_metrics
		WHERE user_id = $1
		ORDER BY metric_date DESC
		LIMIT 1
	`, userID)

	var (
		uid                                  string
		mdate                                time.Time
		started, completed, unrec, turns, ns int
		avgStress                            float64
	)
	if err := row.Scan(&uid, &mdate, &started, &completed, &unrec, &turns, &avgStress, &ns); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user metrics: %w", err)
	}

	return map[string]any{
		"user_id":                 uid,
		"metric_date":             mdate.Format("2006-01-02"),
		"sessions_started":        started,
		"sessions_completed":      completed,
		"sessions_unreconcilable": unrec,
		"turns":                   turns,
		"avg_stress":              avgStress,
		"stress_samples":          ns,
	}, nil
}

// SaveCallLog inserts or replaces the log for a call.
func (s *Store) SaveCallLog(ctx context.Context, l CallLog) error {
	turns, emotionJSON := l.Turns, l.Emotion
	if len(turns) == 0 {
		turns = json.RawMessage(`[]`)
	}
	if len(emotionJSON) == 0 {
		emotionJSON = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_logs (call_id, session_id, user_id, user_name, turns, emotion_analysis, record, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			user_id = EXCLUDED.user_id,
			user_name = EXCLUDED.user_name,
			turns = EXCLUDED.turns,
			emotion_analysis = EXCLUDED.emotion_analysis,
			record = EXCLUDED.record,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`, l.CallID, l.SessionID, l.UserID, l.UserName, turns, emotionJSON, nullableJSON(l.Record), l.StartedAt, l.EndedAt)
	if err != nil {
		return fmt.Errorf("save call log %s: %w", l.CallID, err)
	}
	return nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ListCallLogs returns a user's call logs, newest first.
func (s *Store) ListCallLogs(ctx context.Context, userID string, limit int) ([]CallLog, error) {
	q := `SELECT ` + callLogColumns + ` FROM call_logs WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query call logs: %w", err)
	}
	defer rows.Close()

	var results []CallLog
	for rows.Next() {
		l, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// GetCallLog returns the saved log for a call, or ErrNotFound.
func (s *Store) GetCallLog(ctx context.Context, callID string) (CallLog, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE call_id = $1`, callID)
	l, err := scanCallLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallLog{}, ErrNotFound
	}
	return l, err
}

const callLogColumns = `call_id, session_id, user_id, user_name, turns, emotion_analysis, record, started_at, ended_at, created_at`

func scanCallLog(row pgx.Row) (CallLog, error) {
	var (
		l        CallLog
		userName *string
		record   []byte
	)
	if err := row.Scan(&l.CallID, &l.SessionID, &l.UserID, &userName, &l.Turns, &l.Emotion, &record,
		&l.StartedAt, &l.EndedAt, &l.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CallLog{}, err
		}
		return CallLog{}, fmt.Errorf("scan call log: %w", err)
	}
	if userName != nil {
		l.UserName = *userName
	}
	if len(record) > 0 {
		l.Record = record
	}
	return l, nil
}

// SaveFeedback stores the latest generated report for a call.
func (s *Store) SaveFeedback(ctx context.Context, callID, userID string, report json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback_reports (call_id, user_id, report)
		VALUES ($1, NULLIF($2, ''), $3)
		ON CONFLICT (call_id) DO UPDATE SET report = EXCLUDED.report, updated_at = now()
	`, callID, userID, report)
	if err != nil {
		return fmt.Errorf("save feedback %s: %w", callID, err)
	}
	return nil
}
