// Package notify posts admin security events to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Optional loggers, set by the caller.
var (
	Debugf func(format string, v ...any)
	Warnf  func(format string, v ...any)
)

const retryDelay = 120 * time.Millisecond

// Event is one notification.
type Event struct {
	Action         string    `json:"action"`
	UserID         string    `json:"user_id"`
	Actor          string    `json:"actor,omitempty"`
	FailedAttempts int       `json:"failed_attempts,omitempty"`
	At             time.Time `json:"at"`
}

// Text is the human-readable line shown in chat.
func (e Event) Text() string {
	switch e.Action {
	case "blocked":
		return fmt.Sprintf("Admin 2FA blocked for user %s after %d failed attempts", e.UserID, e.FailedAttempts)
	case "unblocked":
		return fmt.Sprintf("Admin 2FA unblocked for user %s by %s", e.UserID, orDash(e.Actor))
	case "provisioned":
		return fmt.Sprintf("Admin 2FA provisioned for user %s by %s", e.UserID, orDash(e.Actor))
	}
	return fmt.Sprintf("Admin 2FA %s for user %s", e.Action, e.UserID)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Webhook posts JSON to URL. The body carries both "text" and "content" so
// Slack- and Discord-style endpoints render it. A nil *Webhook drops events.
type Webhook struct {
	URL    string
	Client *http.Client
}

// New returns nil when url is empty.
func New(url string) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts ev, retrying once on a network error or a 5xx.
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	if w == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	text := ev.Text()
	payload, err := json.Marshal(map[string]any{"text": text, "content": text, "event": ev})
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	if Debugf != nil {
		Debugf("notify: POST %s action=%s user=%s", w.URL, ev.Action, ev.UserID)
	}

	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = client.Do(req)
		if err != nil {
			if attempt == 0 && ctx.Err() == nil {
				time.Sleep(retryDelay)
				continue
			}
			return fmt.Errorf("notify: post: %w", err)
		}
		if resp.StatusCode >= 500 && attempt == 0 {
			// drain so the connection can be reused
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			time.Sleep(retryDelay)
			continue
		}
		break
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if Warnf != nil {
			Warnf("notify: webhook HTTP %d body=%q", resp.StatusCode, snippet(raw, 200))
		}
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func snippet(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}
