// Package genai calls the Gemini generateContent REST endpoint.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRateLimited marks rate-limit and quota failures, which callers may retry.
var ErrRateLimited = errors.New("text generation rate limited")

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Client generates free-form text from a prompt.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// New returns a client. An empty model selects DefaultModel.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate sends prompt and returns the concatenated text of the first
// candidate.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out generateResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Status + ": " + out.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests || IsRateLimitMessage(msg) {
			return "", fmt.Errorf("%w: status %d: %s", ErrRateLimited, resp.StatusCode, msg)
		}
		return "", fmt.Errorf("generate content: status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if out.Error != nil {
		msg := out.Error.Status + ": " + out.Error.Message
		if out.Error.Code == http.StatusTooManyRequests || IsRateLimitMessage(msg) {
			return "", fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return "", fmt.Errorf("generate content: %s", msg)
	}
	if len(out.Candidates) == 0 {
		return "", errors.New("generate content: no candidates returned")
	}

	var b strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

// IsRateLimitMessage reports whether an error message carries a rate-limit
// or quota signal.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range []string{"429", "resource_exhausted", "quota", "too many requests"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
