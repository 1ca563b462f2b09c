// Package coach hosts interview sessions. It owns one call machine per live
// session, saves finished calls and turns provider call records into
// feedback.
package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/espadas/internal/affect"
	"github.com/MikeSquared-Agency/espadas/internal/call"
	"github.com/MikeSquared-Agency/espadas/internal/callstore"
	"github.com/MikeSquared-Agency/espadas/internal/events"
	"github.com/MikeSquared-Agency/espadas/internal/feedback"
	"github.com/MikeSquared-Agency/espadas/internal/reconcile"
	"github.com/MikeSquared-Agency/espadas/internal/store"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

const (
	finalizeTimeout = time.Minute
	closeTimeout    = 10 * time.Second
)

// TransportFactory returns a transport bound to one bridge channel.
type TransportFactory func(channelID string) call.Transport

// CallSource is the provider call data the service reads.
type CallSource interface {
	reconcile.CallFetcher
	ListCalls(ctx context.Context, limit int) ([]callstore.Summary, error)
}

// Notifier forwards user-visible notices to operators.
type Notifier interface {
	PostNotice(ctx context.Context, n call.Notice) error
}

// Deps are the collaborators of a Service. Recorders and Notifier are
// optional.
type Deps struct {
	Transports TransportFactory
	Classifier affect.Classifier
	Calls      CallSource
	Generator  feedback.Generator
	Store      store.DataStore
	Recorders  []call.Recorder
	Notifier   Notifier
}

type Config struct {
	Call call.Config
	// SaveNotFoundRetries is how many times a missing call record is
	// fetched again before the call log is saved without it.
	SaveNotFoundRetries int
	SaveRetryDelay      time.Duration
	// Retention is how long a finished session stays queryable.
	Retention time.Duration
}

// Service runs interview sessions and feedback requests.
type Service struct {
	transports TransportFactory
	classifier affect.Classifier
	calls      CallSource
	reconciler *reconcile.Reconciler
	feedback   *feedback.Requester
	store      store.DataStore
	recorder   call.Recorder
	notifier   Notifier
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

// View is a session snapshot plus the notices raised for it.
type View struct {
	call.Snapshot
	Notices []call.Notice `json:"notices"`
}

type entry struct {
	machine *call.Machine
	owner   string

	mu      sync.Mutex
	last    call.Snapshot
	notices []call.Notice
	retired bool
}

func New(d Deps, cfg Config) *Service {
	return &Service{
		transports: d.Transports,
		classifier: d.Classifier,
		calls:      d.Calls,
		reconciler: reconcile.New(d.Calls),
		feedback:   feedback.New(d.Generator),
		store:      d.Store,
		recorder:   multiRecorder(d.Recorders),
		notifier:   d.Notifier,
		cfg:        cfg,
		sleep:      sleepCtx,
		sessions:   make(map[string]*entry),
	}
}

// SetSleep replaces the delay used between call record re-polls and by the
// feedback retry policy, for tests.
func (s *Service) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
	s.feedback.SetSleep(fn)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunInterviewSession starts a session for p on a fresh bridge channel.
// contextText, when set, is handed to the voice agent with the start.
func (s *Service) RunInterviewSession(p call.Participant, contextText string) (View, error) {
	e := &entry{owner: p.UserID}
	channel := uuid.New().String()
	m := call.New(s.transports(channel), s.classifier, s.cfg.Call, call.Hooks{
		OnStatus: func(snap call.Snapshot) {
			e.setSnapshot(snap)
			if snap.Status == call.Idle && snap.SessionID != "" {
				s.retire(snap.SessionID, e)
			}
		},
		OnNotice: func(n call.Notice) {
			e.addNotice(n)
			s.forward(n)
		},
		Finalize: s.saveCallLog,
	})
	if s.recorder != nil {
		m.SetRecorder(s.recorder)
	}
	e.machine = m

	if contextText != "" {
		if err := m.AttachContext(contextText); err != nil {
			s.closeMachine(m)
			return View{}, fmt.Errorf("attach context: %w", err)
		}
	}
	id, err := m.Start(p)
	if err != nil {
		s.closeMachine(m)
		return View{}, fmt.Errorf("start session: %w", err)
	}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()
	slog.Info("coach: session started", "session_id", id, "channel", channel, "user_id", p.UserID)

	return s.Session(id)
}

// Session returns the current view of a session.
func (s *Service) Session(id string) (View, error) {
	e, err := s.lookup(id)
	if err != nil {
		return View{}, err
	}
	snap, err := e.machine.Snapshot()
	if errors.Is(err, call.ErrClosed) {
		snap = e.snapshot()
	} else if err != nil {
		return View{}, err
	}
	return View{Snapshot: snap, Notices: e.noticeList()}, nil
}

// Disconnect ends a session.
func (s *Service) Disconnect(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	return e.machine.Disconnect()
}

// SubmitSolution records a written solution on an active session.
func (s *Service) SubmitSolution(id, solution string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	return e.machine.SubmitSolution(solution)
}

// AttachContext adds freeform context such as a resume to a session.
func (s *Service) AttachContext(id, text string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	return e.machine.AttachContext(text)
}

func (s *Service) lookup(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// retire closes a machine whose session is over and forgets it after the
// retention period. It runs from a status hook, so the close happens on
// another goroutine.
func (s *Service) retire(id string, e *entry) {
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return
	}
	e.retired = true
	e.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.closeMachine(e.machine)
		time.AfterFunc(s.cfg.Retention, func() {
			s.mu.Lock()
			if s.sessions[id] == e {
				delete(s.sessions, id)
			}
			s.mu.Unlock()
		})
	}()
}

func (s *Service) closeMachine(m *call.Machine) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		slog.Warn("coach: close machine", "error", err)
	}
}

func (s *Service) forward(n call.Notice) {
	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.notifier.PostNotice(ctx, n); err != nil {
			slog.Warn("coach: notifier failed", "session_id", n.SessionID, "kind", n.Kind, "error", err)
		}
	}()
}

// Close ends every live session and waits for saves to finish.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	machines := make([]*call.Machine, 0, len(s.sessions))
	for _, e := range s.sessions {
		machines = append(machines, e.machine)
	}
	s.mu.Unlock()

	var errs []error
	for _, m := range machines {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for notifications: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// saveCallLog stores a finished session. The provider record is fetched
// first, re-polling while it is not yet written; if it stays unavailable the
// log is saved with local data only.
func (s *Service) saveCallLog(ctx context.Context, f call.Final) error {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	turns, err := json.Marshal(f.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	emo, err := json.Marshal(f.Emotion)
	if err != nil {
		return fmt.Errorf("marshal emotion analysis: %w", err)
	}

	log := store.CallLog{
		CallID:    f.CallID,
		SessionID: f.SessionID,
		UserID:    f.Participant.UserID,
		UserName:  f.Participant.UserName,
		Turns:     turns,
		Emotion:   emo,
		StartedAt: timePtr(f.StartedAt),
		EndedAt:   timePtr(f.EndedAt),
	}

	rec, err := s.settledRecord(ctx, f.CallID)
	if err != nil {
		slog.Warn("coach: call record unavailable, saving local data only",
			"session_id", f.SessionID, "call_id", f.CallID, "error", err)
	} else if log.Record, err = json.Marshal(rec); err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	if err := s.store.SaveCallLog(ctx, log); err != nil {
		return fmt.Errorf("save call log: %w", err)
	}
	return nil
}

func (s *Service) settledRecord(ctx context.Context, callID string) (*reconcile.Record, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.reconciler.Reconcile(ctx, callID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, reconcile.ErrRecordNotFound) || attempt >= s.cfg.SaveNotFoundRetries {
			return nil, err
		}
		slog.Debug("coach: call record not written yet, polling again", "call_id", callID, "attempt", attempt+1)
		if err := s.sleep(ctx, s.cfg.SaveRetryDelay); err != nil {
			return nil, err
		}
	}
}

// FetchFeedback reconciles a call and generates its performance report.
// The report is stored for userID; a storage failure does not fail the
// request.
func (s *Service) FetchFeedback(ctx context.Context, callID, userID string) (*feedback.Report, error) {
	rec, err := s.reconciler.Reconcile(ctx, callID)
	if err != nil {
		return nil, err
	}
	report, err := s.feedback.RequestFeedback(ctx, rec)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if data, err := json.Marshal(report); err == nil {
			if err := s.store.SaveFeedback(ctx, rec.CallID, userID, data); err != nil {
				slog.Warn("coach: save feedback failed", "call_id", rec.CallID, "error", err)
			}
		}
	}
	return report, nil
}

// Evaluate reconciles a call and generates a hiring evaluation.
func (s *Service) Evaluate(ctx context.Context, callID string) (*feedback.Evaluation, error) {
	rec, err := s.reconciler.Reconcile(ctx, callID)
	if err != nil {
		return nil, err
	}
	return s.feedback.Evaluate(ctx, rec)
}

// CallRecord returns the normalized provider record for a call.
func (s *Service) CallRecord(ctx context.Context, callID string) (*reconcile.Record, error) {
	return s.reconciler.Reconcile(ctx, callID)
}

// ListCalls returns provider call summaries, most recent first. A non-empty
// userID keeps only the calls saved for that user.
func (s *Service) ListCalls(ctx context.Context, userID string, limit int) ([]callstore.Summary, error) {
	calls, err := s.calls.ListCalls(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	if userID == "" {
		return calls, nil
	}
	logs, err := s.store.ListCallLogs(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", userID, err)
	}
	owned := make(map[string]bool, len(logs))
	for _, l := range logs {
		owned[l.CallID] = true
	}
	mine := make([]callstore.Summary, 0, len(calls))
	for _, c := range calls {
		if owned[c.ID] {
			mine = append(mine, c)
		}
	}
	return mine, nil
}

// SessionOwner returns the user who started a session. Sessions that have
// left the registry are resolved from the stored session row.
func (s *Service) SessionOwner(ctx context.Context, id string) (string, error) {
	if e, err := s.lookup(id); err == nil {
		return e.owner, nil
	}
	row, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session owner %s: %w", id, err)
	}
	owner, _ := row["user_id"].(string)
	return owner, nil
}

// CallOwner returns the user a finished call was saved for.
func (s *Service) CallOwner(ctx context.Context, callID string) (string, error) {
	l, err := s.store.GetCallLog(ctx, callID)
	if err != nil {
		return "", fmt.Errorf("call owner %s: %w", callID, err)
	}
	return l.UserID, nil
}

func (s *Service) CallLogs(ctx context.Context, userID string, limit int) ([]store.CallLog, error) {
	return s.store.ListCallLogs(ctx, userID, limit)
}

func (s *Service) UserMetrics(ctx context.Context, userID string) (map[string]any, error) {
	return s.store.GetUserMetrics(ctx, userID)
}

func (s *Service) SessionEvents(ctx context.Context, sessionID string) ([]map[string]any, error) {
	return s.store.QueryEvents(ctx, sessionID)
}

func (e *entry) setSnapshot(snap call.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = snap
}

func (e *entry) snapshot() call.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *entry) addNotice(n call.Notice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notices = append(e.notices, n)
}

func (e *entry) noticeList() []call.Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call.Notice{}, e.notices...)
}

type recorders []call.Recorder

func (rs recorders) Add(e events.Event) {
	for _, r := range rs {
		r.Add(e)
	}
}

func multiRecorder(rs []call.Recorder) call.Recorder {
	var out recorders
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
