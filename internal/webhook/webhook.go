// Package webhook sends best-effort, never-retried outbound notifications:
// one on every subprocess result, one asynchronously on a session's first
// user message. Grounded on internal/idle/detector.go's sendHeartbeat
// POST-with-timeout shape.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/bridge-server/internal/sessionstore"
)

// Client posts result notifications and requests naming suggestions. A
// zero-value Client with empty URLs is a no-op on both paths.
type Client struct {
	resultURL  string
	namingURL  string
	httpClient *http.Client

	// OnNamed, if set, is called with the computed session name instead of
	// just logging it, letting the caller persist it to session meta.
	OnNamed func(sessionID, name string)

	// SessionURLBase, if set, is prefixed to a session id to populate the
	// result webhook's optional sessionUrl field.
	SessionURLBase string
}

func (c *Client) sessionURLFunc(sessionID string) string {
	if c.SessionURLBase == "" {
		return ""
	}
	return c.SessionURLBase + sessionID
}

// New creates a Client. Either URL may be empty to disable that path.
func New(resultURL, namingURL string, timeout time.Duration) *Client {
	return &Client{
		resultURL:  resultURL,
		namingURL:  namingURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type resultPayload struct {
	Text        string `json:"text"`
	Content     string `json:"content"`
	Event       string `json:"event"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName,omitempty"`
	Timestamp   string `json:"timestamp"`
	SessionURL  string `json:"sessionUrl,omitempty"`
}

// NotifyResult fires a best-effort POST describing a session's latest
// result, following the waiting_for_input webhook contract. Failures are
// logged, never retried, and never propagated.
func (c *Client) NotifyResult(sessionID, sessionName string, state *sessionstore.State) {
	if c.resultURL == "" {
		return
	}
	text := fmt.Sprintf("Session %s is waiting for input", firstNonEmpty(sessionName, sessionID))
	payload := resultPayload{
		Text:        text,
		Content:     text,
		Event:       "waiting_for_input",
		SessionID:   sessionID,
		SessionName: sessionName,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		SessionURL:  c.sessionURLFunc(sessionID),
	}
	c.post(c.resultURL, payload, "result webhook")
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

type namingPayload struct {
	SessionID    string `json:"sessionId"`
	FirstMessage string `json:"firstMessage"`
}

// NamingSuggestion is the shape returned by a naming hook endpoint.
type NamingSuggestion struct {
	Name string `json:"name"`
}

// Suggest calls the naming hook with the session's first message and logs
// the resulting name, falling back to a truncated-content heuristic when no
// hook is configured or the call fails. Registered as the bridge's
// NamingHook; session-name persistence is wired by the caller that installs
// OnNamed.
func (c *Client) Suggest(sessionID, firstMessage string) {
	name := c.requestSuggestion(sessionID, firstMessage)
	if name == "" {
		name = fallbackName(firstMessage)
	}
	if c.OnNamed != nil {
		c.OnNamed(sessionID, name)
	} else {
		slog.Info("webhook: session named", "sessionId", sessionID, "name", name)
	}
}

func (c *Client) requestSuggestion(sessionID, firstMessage string) string {
	if c.namingURL == "" {
		return ""
	}
	body, err := json.Marshal(namingPayload{SessionID: sessionID, FirstMessage: firstMessage})
	if err != nil {
		return ""
	}
	req, err := http.NewRequest(http.MethodPost, c.namingURL, bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook: naming hook request failed", "sessionId", sessionID, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("webhook: naming hook returned non-200", "sessionId", sessionID, "status", resp.StatusCode)
		return ""
	}

	var out NamingSuggestion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ""
	}
	return out.Name
}

// fallbackName derives a session name from the first message's content when
// no naming hook is configured or it fails, truncating to a short label.
func fallbackName(firstMessage string) string {
	const maxLen = 48
	trimmed := firstMessage
	if len(trimmed) > maxLen {
		trimmed = trimmed[:maxLen]
	}
	if trimmed == "" {
		return "Untitled session"
	}
	return trimmed
}

func (c *Client) post(url string, payload any, label string) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("webhook: marshal "+label, "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook: build request for "+label, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook: "+label+" failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook: "+label+" returned non-2xx", "status", resp.StatusCode)
	}
}
