package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
// Counter keys ("inc_*", "add_turns", "stress_sample") are applied the way the
// Postgres store applies them.
type MockStore struct {
	mu sync.Mutex

	Events   []events.Event
	Sessions map[string]map[string]any
	Metrics  map[string]map[string]any // key: "userID|date"
	CallLogs map[string]store.CallLog
	Feedback map[string]json.RawMessage

	InsertErr        error
	UpsertSessionErr error
	UpsertMetricErr  error
	SaveCallLogErr   error

	InsertCalls        int
	UpsertSessionCalls int
	UpsertMetricCalls  int
	SaveCallLogCalls   int
}

var _ store.DataStore = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		Events:   make([]events.Event, 0),
		Sessions: make(map[string]map[string]any),
		Metrics:  make(map[string]map[string]any),
		CallLogs: make(map[string]store.CallLog),
		Feedback: make(map[string]json.RawMessage),
	}
}

func (m *MockStore) InsertEvents(_ context.Context, evts []events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Events = append(m.Events, evts...)
	return nil
}

func (m *MockStore) QueryEvents(_ context.Context, sessionID string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []map[string]any
	for _, e := range m.Events {
		if e.SessionID == sessionID {
			results = append(results, map[string]any{
				"event_id":   e.EventID,
				"session_id": e.SessionID,
				"source":     e.Source,
				"event_type": e.EventType,
				"timestamp":  e.Timestamp,
				"metadata":   e.Metadata,
			})
		}
	}
	return results, nil
}

func (m *MockStore) UpsertSession(_ context.Context, sessionID string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertSessionCalls++
	if m.UpsertSessionErr != nil {
		return m.UpsertSessionErr
	}
	s := m.Sessions[sessionID]
	if s == nil {
		s = map[string]any{"session_id": sessionID, "status": "idle", "turn_count": 0, "event_count": 0}
		m.Sessions[sessionID] = s
	}
	for k, v := range updates {
		if k == "inc_turns" {
			s["turn_count"] = intOf(s["turn_count"]) + 1
			continue
		}
		s[k] = v
	}
	s["event_count"] = intOf(s["event_count"]) + 1
	return nil
}

func intOf(v any) int {
	n, _ := v.(int)
	return n
}

func (m *MockStore) GetSession(_ context.Context, sessionID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make(map[string]any, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp, nil
}

func (m *MockStore) UpsertUserMetric(_ context.Context, userID string, date time.Time, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertMetricCalls++
	if m.UpsertMetricErr != nil {
		return m.UpsertMetricErr
	}
	d := date.Format("2006-01-02")
	key := userID + "|" + d
	row := m.Metrics[key]
	if row == nil {
		row = map[string]any{
			"user_id":                 userID,
			"metric_date":             d,
			"sessions_started":        0,
			"sessions_completed":      0,
			"sessions_unreconcilable": 0,
			"turns":                   0,
			"avg_stress":              0.0,
			"stress_samples":          0,
		}
		m.Metrics[key] = row
	}
	for k, v := range updates {
		switch k {
		case "inc_started":
			row["sessions_started"] = row["sessions_started"].(int) + 1
		case "inc_completed":
			row["sessions_completed"] = row["sessions_completed"].(int) + 1
		case "inc_unreconcilable":
			row["sessions_unreconcilable"] = row["sessions_unreconcilable"].(int) + 1
		case "add_turns":
			row["turns"] = row["turns"].(int) + v.(int)
		case "stress_sample":
			n := row["stress_samples"].(int)
			row["avg_stress"] = (row["avg_stress"].(float64)*float64(n) + v.(float64)) / float64(n+1)
			row["stress_samples"] = n + 1
		}
	}
	return nil
}

func (m *MockStore) GetUserMetrics(_ context.Context, userID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest map[string]any
	for _, v := range m.Metrics {
		if v["user_id"] != userID {
			continue
		}
		if latest == nil || v["metric_date"].(string) > latest["metric_date"].(string) {
			latest = v
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (m *MockStore) SaveCallLog(_ context.Context, l store.CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCallLogCalls++
	if m.SaveCallLogErr != nil {
		return m.SaveCallLogErr
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	m.CallLogs[l.CallID] = l
	return nil
}

func (m *MockStore) ListCallLogs(_ context.Context, userID string, limit int) ([]store.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []store.CallLog
	for _, l := range m.CallLogs {
		if l.UserID == userID {
			results = append(results, l)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MockStore) GetCallLog(_ context.Context, callID string) (store.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.CallLogs[callID]
	if !ok {
		return store.CallLog{}, store.ErrNotFound
	}
	return l, nil
}

func (m *MockStore) SaveFeedback(_ context.Context, callID, _ string, report json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Feedback[callID] = report
	return nil
}

func (m *MockStore) Close() {}

// SetSession seeds a session row for testing.
func (m *MockStore) SetSession(sessionID string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[sessionID] = data
}

// GetInsertCalls returns how many times InsertEvents was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// GetEventCount returns total events stored.
func (m *MockStore) GetEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// CallLog returns the saved log for a call, if any.
func (m *MockStore) CallLog(callID string) (store.CallLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.CallLogs[callID]
	return l, ok
}
