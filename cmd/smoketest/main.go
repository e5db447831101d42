// smoketest verifies live connectivity for the chat API, the Slack webhook and
// the WhatsApp webhook verification of a running server.
// Run with: go run ./cmd/smoketest
// Reads the same env vars as the main server (.env is loaded when present).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"dealdesk/internal/notify"
)

var (
	localAPI = "http://localhost:8080"
	client   = &http.Client{Timeout: 30 * time.Second}
)

// errSkipped marks a check whose configuration is absent.
type errSkipped string

func (e errSkipped) Error() string { return string(e) }

func main() {
	_ = godotenv.Load()
	if v := os.Getenv("SMOKETEST_API"); v != "" {
		localAPI = v
	}

	passed, failed, skipped := 0, 0, 0

	run := func(name string, fn func() error) {
		fmt.Printf("  %-50s", name)
		err := fn()
		var skip errSkipped
		switch {
		case err == nil:
			fmt.Printf("OK\n")
			passed++
		case errors.As(err, &skip):
			fmt.Printf("SKIP (%s)\n", skip)
			skipped++
		default:
			fmt.Printf("FAIL: %v\n", err)
			failed++
		}
	}

	fmt.Println("\n── Local API ───────────────────────────────────────────────")
	run("GET /health returns 200 + {status:healthy}", checkHealth)

	fmt.Println("\n── Chat widget ─────────────────────────────────────────────")
	var sessionID string
	run("POST /api/chat/sessions returns a welcome", func() (err error) {
		sessionID, err = checkCreateSession()
		return err
	})
	run("POST /api/chat/sessions/{id}/messages replies", func() error { return checkMessage(sessionID) })
	run("GET /api/chat/sessions/{id} returns transcript", func() error { return checkGetSession(sessionID) })

	fmt.Println("\n── Webhook verification ────────────────────────────────────")
	run("GET /whatsapp/webhook with correct token", checkWebhookVerify)
	run("GET /whatsapp/webhook with wrong token returns 403", checkWebhookWrongToken)

	fmt.Println("\n── Slack connectivity ──────────────────────────────────────")
	run("POST to SLACK_WEBHOOK_URL sends test message", checkSlackWebhook)

	fmt.Printf("\n%d passed, %d failed, %d skipped\n\n", passed, failed, skipped)
	if failed > 0 {
		os.Exit(1)
	}
}

func checkHealth() error {
	resp, err := client.Get(localAPI + "/health")
	if err != nil {
		return fmt.Errorf("could not reach server (is it running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if body["status"] != "healthy" {
		return fmt.Errorf("expected status=healthy, got %q", body["status"])
	}
	return nil
}

type entry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type passView struct {
	SessionID string  `json:"sessionId"`
	Mode      string  `json:"mode"`
	Entries   []entry `json:"entries"`
}

func checkCreateSession() (string, error) {
	resp, err := client.Post(localAPI+"/api/chat/sessions", "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("expected 201, got %d", resp.StatusCode)
	}
	var view passView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if view.SessionID == "" || len(view.Entries) == 0 {
		return "", fmt.Errorf("expected a session id and a welcome entry, got %+v", view)
	}
	return view.SessionID, nil
}

func checkMessage(id string) error {
	if id == "" {
		return errSkipped("no session")
	}
	body := bytes.NewBufferString(`{"message":"What services does the firm offer?"}`)
	resp, err := client.Post(localAPI+"/api/chat/sessions/"+id+"/messages", "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("expected 200, got %d: %s", resp.StatusCode, string(b))
	}
	var view passView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if len(view.Entries) < 2 || view.Entries[len(view.Entries)-1].Role != "assistant" {
		return fmt.Errorf("expected an assistant reply, got %+v", view.Entries)
	}
	return nil
}

func checkGetSession(id string) error {
	if id == "" {
		return errSkipped("no session")
	}
	resp, err := client.Get(localAPI + "/api/chat/sessions/" + id)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var view struct {
		Transcript []entry `json:"transcript"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if len(view.Transcript) < 3 {
		return fmt.Errorf("expected at least 3 transcript entries, got %d", len(view.Transcript))
	}
	return nil
}

func checkWebhookVerify() error {
	token := os.Getenv("META_VERIFY_TOKEN")
	if token == "" {
		return errSkipped("META_VERIFY_TOKEN not set")
	}
	url := fmt.Sprintf("%s/whatsapp/webhook?hub.mode=subscribe&hub.challenge=ping&hub.verify_token=%s", localAPI, token)
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ping" {
		return fmt.Errorf("expected challenge=ping, got %q", string(b))
	}
	return nil
}

func checkWebhookWrongToken() error {
	if os.Getenv("META_VERIFY_TOKEN") == "" {
		return errSkipped("META_VERIFY_TOKEN not set")
	}
	url := fmt.Sprintf("%s/whatsapp/webhook?hub.mode=subscribe&hub.challenge=ping&hub.verify_token=WRONG", localAPI)
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		return fmt.Errorf("expected 403, got %d", resp.StatusCode)
	}
	return nil
}

func checkSlackWebhook() error {
	webhookURL := os.Getenv("SLACK_WEBHOOK_URL")
	if webhookURL == "" {
		return errSkipped("SLACK_WEBHOOK_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return notify.NewSlack(webhookURL).Notify(ctx, notify.Handoff{
		SessionID: "smoketest",
		Headline:  "Smoke test passed",
		Fields: []notify.Field{
			{Label: "At", Value: time.Now().Format(time.RFC3339)},
			{Label: "API", Value: localAPI},
		},
	})
}
