package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/espadas/internal/call"
)

// MinInterval is the minimum gap between two posted alerts.
const MinInterval = 30 * time.Second

// Alerter posts operator alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

var noticeTitles = map[string]string{
	call.NoticeUnreconcilable: "Interview Session Lost",
	call.NoticeSaveFailed:     "Call Log Save Failed",
	call.NoticeStartFailed:    "Interview Start Failed",
	call.NoticeTransportError: "Voice Transport Error",
}

// Alertable reports whether a notice kind warrants an operator alert.
func Alertable(kind string) bool {
	_, ok := noticeTitles[kind]
	return ok
}

// PostNotice sends a Block Kit message for a session notice. Notices that
// are not alertable are ignored. Alerts are rate-limited to one per
// MinInterval to protect against burst storms.
func (a *Alerter) PostNotice(ctx context.Context, n call.Notice) error {
	title, ok := noticeTitles[n.Kind]
	if !ok {
		return nil
	}
	msg := n.Message
	if msg == "" {
		msg = "unknown"
	}
	return a.post(ctx, title, []string{
		fmt.Sprintf("*Session:*\n%s", n.SessionID),
		fmt.Sprintf("*Kind:*\n%s", n.Kind),
		fmt.Sprintf("*Detail:*\n%s", msg),
	}, fmt.Sprintf("%s: %s", title, msg))
}

// PostSystemAlert sends an alert for a degraded internal component. The
// payload's "message" field is shown when present.
func (a *Alerter) PostSystemAlert(ctx context.Context, subject string, payload []byte) error {
	var p struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &p)
	if p.Message == "" {
		p.Message = "unknown"
	}
	return a.post(ctx, "Espadas System Alert", []string{
		fmt.Sprintf("*Subject:*\n%s", subject),
		fmt.Sprintf("*Detail:*\n%s", p.Message),
	}, fmt.Sprintf("system alert: %s: %s", subject, p.Message))
}

func (a *Alerter) post(ctx context.Context, title string, fields []string, fallback string) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < MinInterval {
		a.mu.Unlock()
		slog.Debug("slack: alert rate limited", "title", title)
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	sectionFields := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		sectionFields = append(sectionFields, map[string]any{"type": "mrkdwn", "text": f})
	}
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": title,
			},
		},
		{
			"type":   "section",
			"fields": sectionFields,
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fallback,
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("slack: alert posted", "channel", a.channel, "title", title)
	return nil
}
