package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/store"
)

// Alert subjects published when the batcher degrades.
const (
	SubjectBufferOverflow = "interview.system.espadas.buffer_overflow"
	SubjectWriteFailure   = "interview.system.espadas.write_failure"
)

const (
	alertAfterFailures = 3
	writeTimeout       = 30 * time.Second
)

// EventProcessor processes a single event (used for session and metrics processors).
type EventProcessor interface {
	Process(ctx context.Context, e events.Event)
}

// Alert is the JSON body published on the alert subjects.
type Alert struct {
	Message  string   `json:"message"`
	Sessions []string `json:"session_ids,omitempty"`
	Dropped  int      `json:"dropped,omitempty"`
	Buffered int      `json:"buffered"`
	Failures int      `json:"consecutive_failures,omitempty"`
}

// Stats are running totals since the batcher was created.
type Stats struct {
	Buffered      int `json:"buffered"`
	Flushed       int `json:"flushed"`
	Batches       int `json:"batches"`
	Dropped       int `json:"dropped"`
	WriteFailures int `json:"write_failures"`
	OpenSessions  int `json:"open_sessions"`
}

// SessionCounts tally one session's events. They are kept until the
// session's idle event is written or dropped.
type SessionCounts struct {
	Flushed int `json:"flushed"`
	Dropped int `json:"dropped"`
}

type Batcher struct {
	store      store.DataStore
	processors []EventProcessor
	cfg        Config

	// flushMu keeps batches, and therefore processor updates, in order.
	flushMu sync.Mutex

	mu       sync.Mutex
	buffer   []events.Event
	failures int
	stats    Stats
	sessions map[string]*SessionCounts
	publish  func(subject string, data []byte) error

	done chan struct{}
}

type Config struct {
	FlushInterval  time.Duration
	FlushThreshold int
	BufferMax      int
}

// New returns a batcher writing to s. Processors run in order on every
// event of a successfully written batch.
func New(s store.DataStore, cfg Config, procs ...EventProcessor) *Batcher {
	return &Batcher{
		store:      s,
		processors: procs,
		cfg:        cfg,
		buffer:     make([]events.Event, 0, cfg.FlushThreshold),
		sessions:   make(map[string]*SessionCounts),
		done:       make(chan struct{}),
	}
}

// SetAlertPublisher sets the function that publishes degradation alerts.
func (b *Batcher) SetAlertPublisher(fn func(subject string, data []byte) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publish = fn
}

// Add enqueues a session event. A full buffer drops its oldest events. The
// buffer is flushed early when it reaches the threshold or when a session
// goes idle, so a finished session's rows are written promptly.
func (b *Batcher) Add(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.cfg.BufferMax {
		n := len(b.buffer) - b.cfg.BufferMax + 1
		lost := b.buffer[:n]
		b.buffer = b.buffer[n:]
		b.dropLocked(lost)
	}

	b.buffer = append(b.buffer, e)

	if len(b.buffer) >= b.cfg.FlushThreshold || closesSession(e) {
		go b.flush()
	}
}

// Start begins the periodic flush ticker.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.flush()
			case <-ctx.Done():
				// Final flush on shutdown.
				b.flush()
				close(b.done)
				return
			}
		}
	}()
}

// Wait blocks until the batcher has completed its final flush.
func (b *Batcher) Wait() {
	<-b.done
}

// BufferLen returns the current buffer size (for health checks).
func (b *Batcher) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stats returns the running totals.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Buffered = len(b.buffer)
	st.OpenSessions = len(b.sessions)
	return st
}

// Session returns the tally for a session that has not gone idle yet.
func (b *Batcher) Session(id string) (SessionCounts, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.sessions[id]
	if !ok {
		return SessionCounts{}, false
	}
	return *c, true
}

func (b *Batcher) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = make([]events.Event, 0, b.cfg.FlushThreshold)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	ids := sessionIDs(batch)
	if err := b.store.InsertEvents(ctx, batch); err != nil {
		slog.Error("batcher: insert events failed", "error", err, "count", len(batch), "sessions", len(ids))
		b.handleWriteFailure(batch)
		return
	}
	closed := b.recordFlush(batch)

	// Derived tables, one processor at a time.
	for _, p := range b.processors {
		for _, e := range batch {
			p.Process(ctx, e)
		}
	}

	slog.Debug("batcher: flushed", "count", len(batch), "sessions", len(ids))
	for id, c := range closed {
		slog.Info("batcher: session events written", "session_id", id, "flushed", c.Flushed, "dropped", c.Dropped)
	}
}

// recordFlush tallies a written batch and returns the final counts of the
// sessions it closed.
func (b *Batcher) recordFlush(batch []events.Event) map[string]SessionCounts {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.stats.Batches++
	b.stats.Flushed += len(batch)

	var closed map[string]SessionCounts
	for _, e := range batch {
		if e.SessionID == "" {
			continue
		}
		c := b.countsLocked(e.SessionID)
		c.Flushed++
		if closesSession(e) {
			if closed == nil {
				closed = make(map[string]SessionCounts)
			}
			closed[e.SessionID] = *c
			delete(b.sessions, e.SessionID)
		}
	}
	return closed
}

func (b *Batcher) handleWriteFailure(batch []events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.stats.WriteFailures++

	// Re-queue ahead of newer events so order is kept.
	b.buffer = append(batch, b.buffer...)
	if over := len(b.buffer) - b.cfg.BufferMax; over > 0 {
		lost := b.buffer[:over]
		b.buffer = b.buffer[over:]
		b.dropLocked(lost)
	}

	if b.failures >= alertAfterFailures {
		ids := sessionIDs(b.buffer)
		slog.Error("batcher: consecutive write failures", "failures", b.failures, "buffer_size", len(b.buffer), "sessions", len(ids))
		b.publishAlert(SubjectWriteFailure, Alert{
			Message:  fmt.Sprintf("%d consecutive session event write failures", b.failures),
			Sessions: ids,
			Buffered: len(b.buffer),
			Failures: b.failures,
		})
	}
}

// dropLocked accounts for events discarded by backpressure.
func (b *Batcher) dropLocked(lost []events.Event) {
	b.stats.Dropped += len(lost)
	for _, e := range lost {
		if e.SessionID == "" {
			continue
		}
		b.countsLocked(e.SessionID).Dropped++
		if closesSession(e) {
			delete(b.sessions, e.SessionID)
		}
	}

	ids := sessionIDs(lost)
	slog.Warn("batcher: buffer overflow, dropping oldest events", "dropped", len(lost), "sessions", len(ids), "buffer_size", b.cfg.BufferMax)
	b.publishAlert(SubjectBufferOverflow, Alert{
		Message:  "buffer overflow, dropping session events",
		Sessions: ids,
		Dropped:  len(lost),
		Buffered: len(b.buffer),
	})
}

func (b *Batcher) countsLocked(id string) *SessionCounts {
	c, ok := b.sessions[id]
	if !ok {
		c = &SessionCounts{}
		b.sessions[id] = c
	}
	return c
}

func (b *Batcher) publishAlert(subject string, a Alert) {
	if b.publish == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		slog.Error("batcher: encode alert", "subject", subject, "error", err)
		return
	}
	if err := b.publish(subject, data); err != nil {
		slog.Error("batcher: publish alert failed", "subject", subject, "error", err)
	}
}

// closesSession reports whether e is the last event a session emits.
func closesSession(e events.Event) bool {
	return e.EventType == events.TypeSessionIdle
}

// sessionIDs lists the distinct session ids in evts in first-seen order.
func sessionIDs(evts []events.Event) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range evts {
		if e.SessionID == "" || seen[e.SessionID] {
			continue
		}
		seen[e.SessionID] = true
		ids = append(ids, e.SessionID)
	}
	return ids
}
