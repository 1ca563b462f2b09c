package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/espadas/internal/affect"
	"github.com/MikeSquared-Agency/espadas/internal/emotion"
	"github.com/MikeSquared-Agency/espadas/internal/events"
)

// EventSource is the source recorded on every session event.
const EventSource = "call"

// Config holds the machine's timing and provider settings.
type Config struct {
	AssistantID   string
	SettlingDelay time.Duration
	AutoIdleDelay time.Duration
	ProbeDelay    time.Duration
	ProbeTimeout  time.Duration
	SendTimeout   time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SettlingDelay: 3 * time.Second,
		AutoIdleDelay: 2 * time.Second,
		ProbeDelay:    time.Second,
		ProbeTimeout:  2 * time.Second,
		SendTimeout:   5 * time.Second,
	}
}

// Hooks receive state changes. They run on the machine's event loop and must
// not call back into the Machine synchronously. Finalize runs on its own
// goroutine and may block.
type Hooks struct {
	OnStatus   func(Snapshot)
	OnQuestion func(sessionID string, q *Question)
	OnNotice   func(Notice)
	Finalize   func(ctx context.Context, f Final) error
}

// Recorder receives session events.
type Recorder interface {
	Add(e events.Event)
}

type pendingTurn struct {
	turn  Turn
	ready bool
}

type session struct {
	id          string
	participant Participant
	callID      string
	startedAt   time.Time
	endedAt     *time.Time
	lastTs      int64

	ctx    context.Context
	cancel context.CancelFunc

	turns   []Turn
	pending []*pendingTurn
	// lastJob is closed when the most recently queued classification has
	// been recorded.
	lastJob chan struct{}
	agg     *emotion.Aggregator

	buffer      string
	published   bool
	question    *Question
	sideChannel bool
	speaking    bool

	saving      bool
	idlePending bool
}

// Machine runs interview sessions on one transport, one session at a time.
// All state is owned by a single event-loop goroutine; transport callbacks
// and public methods post work to it.
type Machine struct {
	transport  Transport
	classifier affect.Classifier
	cfg        Config
	hooks      Hooks
	recorder   Recorder
	now        func() time.Time

	inbox     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Loop-owned.
	status      Status
	sess        *session
	gen         uint64
	subs        []Subscription
	contextText string
	closing     bool
	idleTimer   *time.Timer
}

// New returns a running machine in the Idle state.
func New(t Transport, c affect.Classifier, cfg Config, hooks Hooks) *Machine {
	m := &Machine{
		transport:  t,
		classifier: c,
		cfg:        cfg,
		hooks:      hooks,
		now:        time.Now,
		inbox:      make(chan func(), 64),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		status:     Idle,
	}
	go m.run()
	return m
}

// SetRecorder sets the sink for session events. Call before Start.
func (m *Machine) SetRecorder(r Recorder) {
	m.recorder = r
}

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			return
		}
	}
}

func (m *Machine) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// do runs fn on the loop and waits for it to return.
func (m *Machine) do(fn func()) error {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-m.quit:
		return ErrClosed
	}
}

// Start begins a new session for p and returns its id. The machine is
// Connecting when Start returns; the provider call starts asynchronously.
func (m *Machine) Start(p Participant) (string, error) {
	var id string
	var err error
	if derr := m.do(func() { id, err = m.start(p) }); derr != nil {
		return "", derr
	}
	return id, err
}

// Disconnect ends the current session. While Connecting the pending start
// is cancelled and the machine returns to Idle; while Active the session is
// finished and the provider call stopped.
func (m *Machine) Disconnect() error {
	var err error
	if derr := m.do(func() { err = m.disconnect() }); derr != nil {
		return derr
	}
	return err
}

// SubmitSolution records a written solution as a user turn and forwards it
// to the voice agent. It requires an Active session.
func (m *Machine) SubmitSolution(solution string) error {
	var err error
	if derr := m.do(func() { err = m.submit(solution) }); derr != nil {
		return derr
	}
	return err
}

// AttachContext stores freeform context, such as a resume, for the next
// start. While Active it is also injected into the live conversation.
func (m *Machine) AttachContext(text string) error {
	return m.do(func() { m.attach(text) })
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() (Snapshot, error) {
	var s Snapshot
	if err := m.do(func() { s = m.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Close finishes any live session, releases transport subscriptions and
// waits for in-flight finalization until ctx is done.
func (m *Machine) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		_ = m.do(func() {
			if s := m.sess; s != nil {
				switch m.status {
				case Connecting:
					m.cancelConnecting(s)
				case Active:
					m.finish(s)
					m.stopAsync()
				}
			}
			m.closing = true
		})

		waited := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			err = fmt.Errorf("wait for session work: %w", ctx.Err())
		}

		_ = m.do(func() {
			m.unsubscribe()
			if m.idleTimer != nil {
				m.idleTimer.Stop()
			}
		})
		close(m.quit)
		<-m.stopped
	})
	return err
}

func (m *Machine) start(p Participant) (string, error) {
	if m.closing {
		return "", ErrClosed
	}
	if m.status != Idle {
		return "", fmt.Errorf("start from %s: %w", m.status, ErrInvalidTransition)
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.New().String(),
		participant: p,
		startedAt:   m.now(),
		ctx:         ctx,
		cancel:      cancel,
		turns:       []Turn{},
		agg:         emotion.NewAggregator(m.classifier),
	}
	m.gen++
	gen := m.gen

	subs, err := m.subscribe(gen)
	if err != nil {
		cancel()
		m.emit(s, events.TypeSessionStartFailed, map[string]any{"error": err.Error()})
		return "", fmt.Errorf("subscribe transport events: %w", err)
	}
	m.sess = s
	m.subs = subs
	m.setStatus(Connecting)

	vars := m.startVars(p)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		callID, err := m.transport.Start(ctx, m.cfg.AssistantID, vars)
		_ = m.do(func() { m.onStartResult(gen, s, callID, err) })
	}()
	return s.id, nil
}

func (m *Machine) startVars(p Participant) map[string]string {
	vars := map[string]string{
		"username":       p.UserName,
		"userId":         p.UserID,
		"dsaChatEnabled": "true",
	}
	if m.contextText != "" {
		vars["resumeContent"] = m.contextText
	}
	return vars
}

func (m *Machine) subscribe(gen uint64) ([]Subscription, error) {
	subs := make([]Subscription, 0, len(EventKinds))
	for _, kind := range EventKinds {
		kind := kind
		sub, err := m.transport.Subscribe(kind, func(ev Event) {
			ev.Kind = kind
			m.post(func() { m.handleEvent(gen, ev) })
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", kind, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (m *Machine) unsubscribe() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("call: unsubscribe failed", "error", err)
		}
	}
	m.subs = nil
}

func (m *Machine) onStartResult(gen uint64, s *session, callID string, err error) {
	if gen != m.gen || m.sess != s {
		// The start was cancelled or superseded. A call that came up anyway
		// is stopped so it does not linger.
		if err == nil {
			slog.Info("call: stopping call from cancelled start", "session_id", s.id, "call_id", callID)
			if m.status == Idle {
				m.stopAsync()
			}
		}
		return
	}

	if err != nil {
		if m.status != Connecting {
			slog.Warn("call: start returned error after call began", "session_id", s.id, "error", err)
			return
		}
		slog.Warn("call: start failed", "session_id", s.id, "error", err)
		m.emit(s, events.TypeSessionStartFailed, map[string]any{"error": err.Error()})
		m.notify(s, NoticeStartFailed, "The interview could not be started. Please try again.")
		m.toIdle(s)
		return
	}

	if callID != "" && s.callID == "" {
		s.callID = callID
	}
	if s.callID == "" {
		m.scheduleProbe(gen, s)
	}
}

// scheduleProbe runs the single fallback call-id lookup shortly after start.
func (m *Machine) scheduleProbe(gen uint64, s *session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(m.cfg.ProbeDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, m.cfg.ProbeTimeout)
		id, err := m.transport.ProbeCallID(ctx)
		cancel()
		if err != nil {
			slog.Debug("call: call id probe failed", "session_id", s.id, "error", err)
			return
		}
		if id == "" {
			slog.Debug("call: call id probe found nothing", "session_id", s.id)
			return
		}
		m.post(func() {
			if gen == m.gen && m.sess == s && s.callID == "" {
				s.callID = id
				slog.Info("call: recovered call id", "session_id", s.id, "call_id", id)
			}
		})
	}()
}

func (m *Machine) handleEvent(gen uint64, ev Event) {
	s := m.sess
	if gen != m.gen || s == nil {
		slog.Debug("call: dropping event for stale session", "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case EventStarted:
		if m.status != Connecting {
			slog.Debug("call: ignoring started event", "status", m.status)
			return
		}
		if ev.CallID != "" && s.callID == "" {
			s.callID = ev.CallID
		}
		m.setStatus(Active)

	case EventEnded:
		if m.status != Active {
			slog.Debug("call: ignoring ended event", "status", m.status)
			return
		}
		m.finish(s)

	case EventUtterance:
		if m.status != Active || !ev.Final {
			return
		}
		m.onUtterance(s, ev)

	case EventSpeech:
		if m.status == Active {
			s.speaking = ev.Speaking
		}

	case EventError:
		m.onTransportError(s, ev.Message)

	default:
		slog.Debug("call: unknown event kind", "kind", ev.Kind)
	}
}

func (m *Machine) onUtterance(s *session, ev Event) {
	role := ev.Role
	if role != User && role != Assistant {
		slog.Debug("call: ignoring utterance with unknown role", "role", role)
		return
	}

	pt := &pendingTurn{
		turn: Turn{
			Role:        role,
			Text:        ev.Text,
			TimestampMs: m.stamp(s, ev.TimestampMs),
			Kind:        Spoken,
		},
		ready: true,
	}
	s.pending = append(s.pending, pt)

	if role == User {
		s.buffer = ""
		s.published = false
		if affect.Qualifies(ev.Text) {
			pt.ready = false
			m.classify(s, pt)
		}
	} else {
		m.scanAssistant(s, ev.Text)
	}
	m.flush(s)
}

// stamp returns a capture time that never goes backwards within a session.
func (m *Machine) stamp(s *session, ts int64) int64 {
	if ts <= 0 {
		ts = m.now().UnixMilli()
	}
	if ts < s.lastTs {
		ts = s.lastTs
	}
	s.lastTs = ts
	return ts
}

// classify scores a user turn off the loop. Jobs are chained so readings are
// recorded, and turns released, in the order the utterances arrived.
func (m *Machine) classify(s *session, pt *pendingTurn) {
	offset := float64(pt.turn.TimestampMs-s.startedAt.UnixMilli()) / 1000
	if offset < 0 {
		offset = 0
	}
	prev := s.lastJob
	done := make(chan struct{})
	s.lastJob = done
	text := pt.turn.Text

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		r := s.agg.Classify(context.Background(), text, offset)
		if prev != nil {
			<-prev
		}
		var rec *affect.Reading
		if r != nil {
			v := s.agg.Record(*r)
			rec = &v
		}
		m.post(func() {
			pt.turn.Affect = rec
			pt.ready = true
			m.flush(s)
		})
	}()
}

func (m *Machine) flush(s *session) {
	for len(s.pending) > 0 && s.pending[0].ready {
		t := s.pending[0].turn
		s.pending = s.pending[1:]
		s.turns = append(s.turns, t)

		meta := map[string]any{"role": string(t.Role), "kind": string(t.Kind), "index": len(s.turns) - 1}
		if t.Affect != nil {
			meta["emotion"] = string(t.Affect.Emotion)
			meta["stress_level"] = t.Affect.AdditionalMetrics.StressLevel
		}
		m.emit(s, events.TypeTurnAppended, meta)
	}
}

func (m *Machine) scanAssistant(s *session, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.buffer == "" {
		s.buffer = text
	} else {
		s.buffer += " " + text
	}

	if !HasTriggerKeyword(s.buffer) {
		return
	}
	s.sideChannel = true
	if s.published {
		return
	}
	q := ParseQuestion(s.buffer)
	if q == nil {
		return
	}
	s.question = q
	s.published = true
	m.emit(s, events.TypeQuestionPublished, map[string]any{"title": q.Title, "difficulty": string(q.Difficulty)})
	if m.hooks.OnQuestion != nil {
		m.hooks.OnQuestion(s.id, q)
	}
}

func (m *Machine) submit(solution string) error {
	s := m.sess
	if m.status != Active || s == nil {
		return ErrNotActive
	}
	solution = strings.TrimSpace(solution)
	if solution == "" {
		return ErrEmptySolution
	}

	s.pending = append(s.pending, &pendingTurn{
		turn: Turn{
			Role:        User,
			Text:        "[TEXT SOLUTION]: " + solution,
			TimestampMs: m.stamp(s, 0),
			Kind:        TextSolution,
		},
		ready: true,
	})
	m.flush(s)
	m.emit(s, events.TypeSolutionSubmitted, map[string]any{"length": len(solution)})

	note := "The candidate submitted a written solution"
	if s.question != nil {
		note += " to: " + s.question.Title
	}
	m.sendAsync(s,
		AddMessage("system", note+"."),
		AddMessage("user", fmt.Sprintf("USER PROVIDED DSA SOLUTION VIA TEXT: \"%s\". Please acknowledge this solution and provide feedback during the interview.", solution)),
	)
	return nil
}

func (m *Machine) attach(text string) {
	m.contextText = strings.TrimSpace(text)
	s := m.sess
	if s == nil || m.contextText == "" {
		return
	}
	if m.status == Connecting || m.status == Active {
		m.emit(s, events.TypeContextAttached, map[string]any{"length": len(m.contextText)})
	}
	if m.status != Active {
		return
	}
	m.sendAsync(s,
		AddMessage("system", "Here is the user's resume content. Use this to personalize interview questions and context:\n\n"+m.contextText),
		AddMessage("user", "I have uploaded my resume. Please use it to tailor the interview."),
	)
}

// sendAsync injects envelopes in order. Failures are logged and absorbed.
func (m *Machine) sendAsync(s *session, envs ...Envelope) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
		defer cancel()
		for _, env := range envs {
			if err := m.transport.Send(ctx, env); err != nil {
				slog.Warn("call: send to transport failed", "session_id", s.id, "role", env.Message.Role, "error", err)
				return
			}
		}
	}()
}

func (m *Machine) disconnect() error {
	s := m.sess
	switch m.status {
	case Connecting:
		m.cancelConnecting(s)
		return nil
	case Active:
		m.finish(s)
		m.stopAsync()
		return nil
	default:
		return fmt.Errorf("disconnect from %s: %w", m.status, ErrInvalidTransition)
	}
}

func (m *Machine) cancelConnecting(s *session) {
	// Bumping the generation discards a late start result or started event.
	m.gen++
	s.agg.Clear()
	m.toIdle(s)
}

func (m *Machine) stopAsync() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
		defer cancel()
		if err := m.transport.Stop(ctx); err != nil {
			slog.Debug("call: stop returned error", "error", err)
		}
	}()
}

func (m *Machine) finish(s *session) {
	ended := m.now()
	s.endedAt = &ended
	s.buffer = ""
	s.published = false
	s.question = nil
	s.sideChannel = false
	s.speaking = false
	s.saving = true

	m.setStatus(Finished)
	if m.hooks.OnQuestion != nil {
		m.hooks.OnQuestion(s.id, nil)
	}
	m.scheduleIdle(s)

	if s.callID != "" {
		m.reconcile(s)
		return
	}

	// Last chance to learn the call id before giving up.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		id, err := m.transport.ProbeCallID(ctx)
		cancel()
		if err != nil {
			slog.Warn("call: late call id probe failed", "session_id", s.id, "error", err)
		}
		_ = m.do(func() {
			if id != "" && s.callID == "" {
				s.callID = id
			}
			if s.callID != "" {
				m.reconcile(s)
				return
			}
			m.unreconcilable(s)
		})
	}()
}

func (m *Machine) unreconcilable(s *session) {
	slog.Error("call: session finished without a call identifier, call data lost",
		"session_id", s.id, "user_id", s.participant.UserID, "turns", len(s.turns), "error", ErrNoCallID)
	m.emit(s, events.TypeSessionUnreconcilable, nil)
	m.notify(s, NoticeUnreconcilable, "The interview ended but its recording could not be located, so it was not saved.")
	m.saveDone(s)
}

// reconcile waits out the settling delay, then hands the finished session to
// the finalizer. It runs to completion even if the machine moves on.
func (m *Machine) reconcile(s *session) {
	s.saving = true
	last := s.lastJob
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(m.cfg.SettlingDelay)
		<-t.C
		if last != nil {
			<-last
		}

		var f Final
		if err := m.do(func() { f = m.final(s) }); err != nil {
			slog.Warn("call: machine closed before finalize", "session_id", s.id)
			return
		}

		var err error
		if m.hooks.Finalize != nil {
			err = m.hooks.Finalize(context.Background(), f)
		}
		m.post(func() { m.onFinalized(s, err) })
	}()
}

func (m *Machine) final(s *session) Final {
	f := Final{
		SessionID:   s.id,
		CallID:      s.callID,
		Participant: s.participant,
		Turns:       append([]Turn(nil), s.turns...),
		Emotion:     s.agg.Analysis(),
		StartedAt:   s.startedAt,
	}
	if s.endedAt != nil {
		f.EndedAt = *s.endedAt
	}
	return f
}

func (m *Machine) onFinalized(s *session, err error) {
	if err != nil {
		slog.Error("call: finalize session failed", "session_id", s.id, "call_id", s.callID, "error", err)
		m.emit(s, events.TypeCallSaveFailed, map[string]any{"error": err.Error()})
		m.notify(s, NoticeSaveFailed, "The interview could not be saved.")
	} else {
		slog.Info("call: session saved", "session_id", s.id, "call_id", s.callID)
		m.emit(s, events.TypeCallSaved, nil)
		m.notify(s, NoticeSaved, "Interview saved.")
	}
	m.saveDone(s)
}

func (m *Machine) saveDone(s *session) {
	s.saving = false
	if s.idlePending {
		s.idlePending = false
		m.autoIdle(s)
	}
}

func (m *Machine) scheduleIdle(s *session) {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.cfg.AutoIdleDelay, func() {
		m.post(func() { m.autoIdle(s) })
	})
}

func (m *Machine) autoIdle(s *session) {
	if m.sess != s || m.status != Finished {
		return
	}
	if s.saving {
		s.idlePending = true
		return
	}
	m.toIdle(s)
}

func (m *Machine) toIdle(s *session) {
	s.cancel()
	m.unsubscribe()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.setStatus(Idle)
}

func (m *Machine) onTransportError(s *session, msg string) {
	if IsExpectedTermination(msg) {
		slog.Debug("call: transport signalled call end", "session_id", s.id, "message", msg)
		return
	}
	slog.Warn("call: transport error", "session_id", s.id, "message", msg)
	m.emit(s, events.TypeTransportError, map[string]any{"message": msg})
	m.notify(s, NoticeTransportError, msg)
}

var statusEvents = map[Status]string{
	Connecting: events.TypeSessionConnecting,
	Active:     events.TypeSessionActive,
	Finished:   events.TypeSessionFinished,
	Idle:       events.TypeSessionIdle,
}

func (m *Machine) setStatus(st Status) {
	m.status = st
	if s := m.sess; s != nil {
		meta := map[string]any{}
		if st == Finished {
			meta["turns"] = len(s.turns) + len(s.pending)
			meta["duration_seconds"] = s.endedAt.Sub(s.startedAt).Seconds()
			sum := s.agg.Summarize()
			meta["average_stress"] = sum.AverageStress
			meta["dominant_emotion"] = string(sum.DominantEmotion)
		}
		m.emit(s, statusEvents[st], meta)
	}
	if m.hooks.OnStatus != nil {
		m.hooks.OnStatus(m.snapshot())
	}
}

func (m *Machine) emit(s *session, eventType string, meta map[string]any) {
	if m.recorder == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["user_id"] = s.participant.UserID
	if s.callID != "" {
		meta["call_id"] = s.callID
	}
	m.recorder.Add(events.New(s.id, EventSource, eventType, meta))
}

func (m *Machine) notify(s *session, kind, msg string) {
	if m.hooks.OnNotice != nil {
		m.hooks.OnNotice(Notice{SessionID: s.id, Kind: kind, Message: msg})
	}
}

func (m *Machine) snapshot() Snapshot {
	s := m.sess
	if s == nil {
		return Snapshot{Status: m.status, Turns: []Turn{}, Emotion: emotion.Summarize(nil), Readings: []affect.Reading{}}
	}
	snap := Snapshot{
		SessionID:       s.id,
		CallID:          s.callID,
		Status:          m.status,
		Participant:     s.participant,
		Turns:           append([]Turn{}, s.turns...),
		PendingTurns:    len(s.pending),
		SideChannelOpen: s.sideChannel,
		Speaking:        s.speaking,
		Saving:          s.saving,
		Emotion:         s.agg.Summarize(),
		Readings:        s.agg.History(),
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
	}
	if s.question != nil {
		q := *s.question
		snap.Question = &q
	}
	return snap
}
