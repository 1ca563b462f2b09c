// Package call drives one interview call through its lifecycle: it starts the
// call on a Transport, turns finalized utterances into an ordered turn list,
// feeds user speech to the emotion aggregator, detects coding questions in the
// interviewer's speech and hands the finished session to a finalizer.
package call

import (
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/affect"
	"github.com/MikeSquared-Agency/espadas/internal/emotion"
)

// Status is the lifecycle state of the machine.
type Status string

const (
	Idle       Status = "idle"
	Connecting Status = "connecting"
	Active     Status = "active"
	Finished   Status = "finished"
)

// Role attributes a turn to a speaker.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

// TurnKind distinguishes spoken turns from text submitted on the side channel.
type TurnKind string

const (
	Spoken       TurnKind = "spoken"
	TextSolution TurnKind = "text_solution"
)

// Turn is one finalized utterance. Turns are never edited after they are
// appended.
type Turn struct {
	Role        Role            `json:"role"`
	Text        string          `json:"text"`
	TimestampMs int64           `json:"timestamp_ms"`
	Kind        TurnKind        `json:"kind"`
	Affect      *affect.Reading `json:"affect,omitempty"`
}

// Participant identifies the interviewee for the voice agent.
type Participant struct {
	UserName string `json:"user_name"`
	UserID   string `json:"user_id"`
}

// Notice is a user-visible, non-blocking notification.
type Notice struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// Notice kinds.
const (
	NoticeUnreconcilable = "unreconcilable"
	NoticeSaved          = "saved"
	NoticeSaveFailed     = "save_failed"
	NoticeStartFailed    = "start_failed"
	NoticeTransportError = "transport_error"
)

// Final is what a finished session hands to its finalizer.
type Final struct {
	SessionID   string
	CallID      string
	Participant Participant
	Turns       []Turn
	Emotion     emotion.Analysis
	StartedAt   time.Time
	EndedAt     time.Time
}

// Snapshot is a point-in-time copy of the machine's state.
type Snapshot struct {
	SessionID       string           `json:"session_id"`
	CallID          string           `json:"call_id,omitempty"`
	Status          Status           `json:"status"`
	Participant     Participant      `json:"participant"`
	Turns           []Turn           `json:"turns"`
	PendingTurns    int              `json:"pending_turns"`
	Question        *Question        `json:"question,omitempty"`
	SideChannelOpen bool             `json:"side_channel_open"`
	Speaking        bool             `json:"speaking"`
	Saving          bool             `json:"saving"`
	Emotion         emotion.Summary  `json:"emotion"`
	Readings        []affect.Reading `json:"readings"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
}
