package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/database"
	"dealdesk/internal/models"
	"dealdesk/internal/notify"
)

// slackMaxSkew is how old a signed Slack request may be.
const slackMaxSkew = 5 * time.Minute

// HandleSlackInteractive processes the "Take Over Chat" button posted with
// booking and lead notifications. Taking over pauses the conversation on
// every channel.
func HandleSlackInteractive(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		timestamp := r.Header.Get("X-Slack-Request-Timestamp")
		signature := r.Header.Get("X-Slack-Signature")
		if !verifySlackSignature(env.Cfg.SlackSigningSecret, timestamp, rawBody, signature, time.Now()) {
			env.Log.Warn("slack: invalid signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Slack sends the JSON payload as a form parameter.
		formVals, err := url.ParseQuery(string(rawBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		payloadJSON := formVals.Get("payload")
		if payloadJSON == "" {
			http.Error(w, "missing payload", http.StatusBadRequest)
			return
		}

		var slackPayload models.SlackInteractivePayload
		if err := json.Unmarshal([]byte(payloadJSON), &slackPayload); err != nil {
			env.Log.Warn("slack: unmarshal payload", zap.Error(err))
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if len(slackPayload.Actions) == 0 {
			http.Error(w, "no actions", http.StatusBadRequest)
			return
		}

		action := slackPayload.Actions[0]
		if action.ActionID != notify.TakeOverActionID {
			w.WriteHeader(http.StatusOK)
			return
		}

		id := action.Value

		// Only known conversations can be paused.
		status, err := env.DB.GetConversationStatus(id)
		if errors.Is(err, database.ErrNotFound) {
			env.Log.Info("slack: conversation not found", zap.String("session_id", id))
			env.writeJSON(w, http.StatusOK, map[string]any{"replace_original": true, "text": "⚠️ Conversation not found."})
			return
		}
		if err != nil {
			env.Log.Error("slack: get status", zap.String("session_id", id), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if status == models.StatusPaused {
			env.writeJSON(w, http.StatusOK, map[string]any{"replace_original": true, "text": "ℹ️ Chat was already paused."})
			return
		}

		if err := env.DB.PauseConversation(id); err != nil {
			env.Log.Error("slack: pause conversation", zap.String("session_id", id), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		env.Log.Info("slack: conversation paused",
			zap.String("session_id", id), zap.String("by", slackPayload.User.Username))

		env.writeJSON(w, http.StatusOK, map[string]any{
			"replace_original": true,
			"text":             fmt.Sprintf("✅ Chat paused. %s has taken over the conversation.", slackPayload.User.Username),
		})
	}
}

// verifySlackSignature validates the Slack request signature.
// See: https://api.slack.com/authentication/verifying-requests-from-slack
func verifySlackSignature(signingSecret, timestamp string, body []byte, signature string, now time.Time) bool {
	if timestamp == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if now.Sub(time.Unix(ts, 0)) > slackMaxSkew {
		return false
	}

	baseString := fmt.Sprintf("v0:%s:%s", timestamp, string(body))
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte(baseString))
	computed := fmt.Sprintf("v0=%x", mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(signature))
}
