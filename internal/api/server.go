package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/espadas/internal/auth"
	"github.com/MikeSquared-Agency/espadas/internal/batcher"
	"github.com/MikeSquared-Agency/espadas/internal/call"
	"github.com/MikeSquared-Agency/espadas/internal/callstore"
	"github.com/MikeSquared-Agency/espadas/internal/coach"
	"github.com/MikeSquared-Agency/espadas/internal/feedback"
	"github.com/MikeSquared-Agency/espadas/internal/genai"
	"github.com/MikeSquared-Agency/espadas/internal/reconcile"
	"github.com/MikeSquared-Agency/espadas/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Coach is the host service behind the API.
type Coach interface {
	RunInterviewSession(p call.Participant, contextText string) (coach.View, error)
	Session(id string) (coach.View, error)
	Disconnect(id string) error
	SubmitSolution(id, solution string) error
	AttachContext(id, text string) error
	SessionEvents(ctx context.Context, sessionID string) ([]map[string]any, error)
	FetchFeedback(ctx context.Context, callID, userID string) (*feedback.Report, error)
	Evaluate(ctx context.Context, callID string) (*feedback.Evaluation, error)
	CallRecord(ctx context.Context, callID string) (*reconcile.Record, error)
	ListCalls(ctx context.Context, userID string, limit int) ([]callstore.Summary, error)
	SessionOwner(ctx context.Context, id string) (string, error)
	CallOwner(ctx context.Context, callID string) (string, error)
	CallLogs(ctx context.Context, userID string, limit int) ([]store.CallLog, error)
	UserMetrics(ctx context.Context, userID string) (map[string]any, error)
}

type Server struct {
	coach   Coach
	batcher *batcher.Batcher
	router  chi.Router
	http    *http.Server
}

// NewServer builds the router. A nil verifier disables authentication, and
// callers then name themselves with the user_id query parameter.
func NewServer(c Coach, b *batcher.Batcher, v *auth.Verifier, port int) *Server {
	srv := &Server{coach: c, batcher: b}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)

		r.Group(func(r chi.Router) {
			if v != nil {
				r.Use(auth.Middleware(v))
			}
			r.Post("/sessions", srv.handleStartSession)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", srv.handleGetSession)
				r.Post("/disconnect", srv.handleDisconnect)
				r.Post("/solution", srv.handleSolution)
				r.Post("/context", srv.handleContext)
				r.Get("/events", srv.handleSessionEvents)
			})
			r.Get("/calls", srv.handleListCalls)
			r.Get("/calls/{callID}", srv.handleGetCall)
			r.Get("/calls/{callID}/feedback", srv.handleFeedback)
			r.Post("/calls/{callID}/evaluation", srv.handleEvaluation)
			r.Get("/call-logs", srv.handleCallLogs)
			r.Get("/users/{userID}/metrics", srv.handleUserMetrics)
		})
	})

	srv.router = r
	srv.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	slog.Info("starting HTTP API", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"service": "espadas",
	}
	if s.batcher != nil {
		body["buffer_size"] = s.batcher.BufferLen()
		body["batcher"] = s.batcher.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

type startRequest struct {
	UserName    string `json:"user_name"`
	UserID      string `json:"user_id"`
	ContextText string `json:"context_text"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if claims, ok := auth.FromContext(r.Context()); ok {
		req.UserID = claims.UserID
		if req.UserName == "" {
			req.UserName = claims.Name
		}
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	view, err := s.coach.RunInterviewSession(call.Participant{UserName: req.UserName, UserID: req.UserID}, req.ContextText)
	if err != nil {
		writeError(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.ownsSession(w, r, "get session", id) {
		return
	}
	view, err := s.coach.Session(id)
	if err != nil {
		writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, "disconnect", func(id string) error { return s.coach.Disconnect(id) })
}

func (s *Server) handleSolution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Solution string `json:"solution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	s.sessionAction(w, r, "submit solution", func(id string) error { return s.coach.SubmitSolution(id, body.Solution) })
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	s.sessionAction(w, r, "attach context", func(id string) error { return s.coach.AttachContext(id, body.Text) })
}

// sessionAction runs fn on the session and answers with its new view.
func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, op string, fn func(id string) error) {
	id := chi.URLParam(r, "sessionID")
	if !s.ownsSession(w, r, op, id) {
		return
	}
	if err := fn(id); err != nil {
		writeError(w, op, err)
		return
	}
	view, err := s.coach.Session(id)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.ownsSession(w, r, "query events", id) {
		return
	}
	evts, err := s.coach.SessionEvents(r.Context(), id)
	if err != nil {
		writeError(w, "query events", err)
		return
	}
	if evts == nil {
		evts = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	var userID string
	if claims, ok := auth.FromContext(r.Context()); ok {
		userID = claims.UserID
	}
	calls, err := s.coach.ListCalls(r.Context(), userID, limitParam(r))
	if err != nil {
		writeError(w, "list calls", err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callID")
	if !s.ownsCall(w, r, "get call", id) {
		return
	}
	rec, err := s.coach.CallRecord(r.Context(), id)
	if err != nil {
		writeError(w, "get call", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callID")
	if !s.ownsCall(w, r, "fetch feedback", id) {
		return
	}
	report, err := s.coach.FetchFeedback(r.Context(), id, callerID(r))
	if err != nil {
		writeError(w, "fetch feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callID")
	if !s.ownsCall(w, r, "evaluate call", id) {
		return
	}
	ev, err := s.coach.Evaluate(r.Context(), id)
	if err != nil {
		writeError(w, "evaluate call", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCallLogs(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	logs, err := s.coach.CallLogs(r.Context(), userID, limitParam(r))
	if err != nil {
		writeError(w, "list call logs", err)
		return
	}
	if logs == nil {
		logs = []store.CallLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleUserMetrics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if claims, ok := auth.FromContext(r.Context()); ok && claims.UserID != userID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}
	m, err := s.coach.UserMetrics(r.Context(), userID)
	if err != nil {
		writeError(w, "get user metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ownsSession reports whether the authenticated caller started the session.
// Other users get the same 404 as an unknown id. With authentication off
// every caller passes.
func (s *Server) ownsSession(w http.ResponseWriter, r *http.Request, op, id string) bool {
	return owns(w, r, op, coach.ErrSessionNotFound, func(ctx context.Context) (string, error) {
		return s.coach.SessionOwner(ctx, id)
	})
}

// ownsCall reports whether the authenticated caller has a saved log for the
// call. Calls without one are treated as unknown.
func (s *Server) ownsCall(w http.ResponseWriter, r *http.Request, op, id string) bool {
	return owns(w, r, op, fmt.Errorf("call %s: %w", id, store.ErrNotFound), func(ctx context.Context) (string, error) {
		return s.coach.CallOwner(ctx, id)
	})
}

func owns(w http.ResponseWriter, r *http.Request, op string, notFound error, owner func(ctx context.Context) (string, error)) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return true
	}
	userID, err := owner(r.Context())
	if err != nil {
		writeError(w, op, err)
		return false
	}
	if userID != claims.UserID {
		writeError(w, op, notFound)
		return false
	}
	return true
}

// callerID is the authenticated user, or the user_id query parameter when
// authentication is off.
func callerID(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok {
		return claims.UserID
	}
	return r.URL.Query().Get("user_id")
}

func limitParam(r *http.Request) int {
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// statusFor maps service errors onto HTTP statuses. Anything unrecognised is
// an upstream failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrMissingCallID),
		errors.Is(err, feedback.ErrEmptyTranscript),
		errors.Is(err, call.ErrEmptySolution):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrRecordNotFound),
		errors.Is(err, callstore.ErrNotFound),
		errors.Is(err, coach.ErrSessionNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrNotActive),
		errors.Is(err, call.ErrInvalidTransition),
		errors.Is(err, call.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, genai.ErrRateLimited), genai.IsRateLimitMessage(err.Error()):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusBadGateway {
		slog.Error("api: "+op+" failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
