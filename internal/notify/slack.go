// Package notify tells staff about conversations that need a human: confirmed
// bookings and newly captured leads.
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

// TakeOverActionID is the action id of the button that pauses a conversation.
const TakeOverActionID = "take_over_chat"

// Handoff is one staff notification about a conversation.
type Handoff struct {
	SessionID string
	Headline  string
	Fields    []Field
}

type Field struct {
	Label string
	Value string
}

type Notifier interface {
	Notify(ctx context.Context, h Handoff) error
}

// Nop discards notifications. Used when Slack is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, Handoff) error { return nil }

// Slack posts handoffs to an incoming webhook with a "Take Over Chat" button.
type Slack struct {
	webhookURL string
	http       *http.Client
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Slack) Notify(ctx context.Context, h Handoff) error {
	var text strings.Builder
	fmt.Fprintf(&text, "*%s*\n*Session:* %s", h.Headline, h.SessionID)
	for _, f := range h.Fields {
		if f.Value == "" {
			continue
		}
		fmt.Fprintf(&text, "\n*%s:* %s", f.Label, f.Value)
	}

	payload := map[string]any{
		"text": fmt.Sprintf("%s (%s)", h.Headline, h.SessionID),
		"blocks": []any{
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text.String()},
			},
			map[string]any{
				"type": "actions",
				"elements": []any{
					map[string]any{
						"type":      "button",
						"action_id": TakeOverActionID,
						"value":     h.SessionID,
						"text":      map[string]string{"type": "plain_text", "text": "Take Over Chat"},
					},
				},
			},
		},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack: unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
