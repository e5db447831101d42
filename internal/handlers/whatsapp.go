package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/chatbot"
	"dealdesk/internal/config"
	"dealdesk/internal/format"
	"dealdesk/internal/models"
	"dealdesk/internal/session"
)

// metaAPIBaseURL is a var so tests can override it with an httptest.Server URL.
var metaAPIBaseURL = "https://graph.facebook.com"

// passTimeout bounds one controller pass: an availability check followed by
// a chat call in the worst case.
const passTimeout = 45 * time.Second

// conversationLocks serialises processing per phone number so bursts of
// messages from one sender are handled in order.
var conversationLocks sync.Map // map[phoneNumber] -> *sync.Mutex

func lockFor(phone string) *sync.Mutex {
	v, _ := conversationLocks.LoadOrStore(phone, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ─── GET /whatsapp/webhook ────────────────────────────────────────────────────

func VerifyWebhook(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		challenge := r.URL.Query().Get("hub.challenge")
		token := r.URL.Query().Get("hub.verify_token")

		if mode == "subscribe" && token == cfg.MetaVerifyToken {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, challenge)
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	}
}

// ─── POST /whatsapp/webhook ───────────────────────────────────────────────────

func HandleWhatsAppMessage(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The raw body is needed for the HMAC check.
		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			env.Log.Warn("whatsapp: failed to read body", zap.Error(err))
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if !verifyMetaSignature(env.Cfg.MetaAppSecret, rawBody, r.Header.Get("X-Hub-Signature-256")) {
			env.Log.Warn("whatsapp: invalid signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// Meta retries unless it gets a fast ack.
		w.WriteHeader(http.StatusOK)

		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					env.Log.Error("whatsapp: recovered from panic", zap.Any("panic", rec))
				}
			}()
			processInbound(env, rawBody)
		}()
	}
}

func verifyMetaSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	expected := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := fmt.Sprintf("%x", mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(expected))
}

func processInbound(env *Env, rawBody []byte) {
	var payload models.WAPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		env.Log.Warn("whatsapp: unmarshal error", zap.Error(err))
		return
	}

	// Meta can batch several messages; status webhooks carry none.
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for i := range change.Value.Messages {
				handleMessage(env, &change.Value.Messages[i])
			}
		}
	}
}

func handleMessage(env *Env, msg *models.WAMessage) {
	log := env.Log.With(zap.String("from", msg.From), zap.String("wamid", msg.ID))

	if msg.Type != "text" || msg.Text == nil {
		log.Info("whatsapp: ignoring non-text message", zap.String("type", msg.Type))
		sendWhatsApp(env, msg.From, "Sorry, I can only handle text messages right now.")
		return
	}

	phone := msg.From
	mu := lockFor(phone)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := env.DB.RecordReceipt(msg.ID)
	if err != nil {
		log.Error("whatsapp: idempotency check failed", zap.Error(err))
		return
	}
	if !fresh {
		log.Info("whatsapp: duplicate message, skipping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	c, release, err := env.Sessions.AcquireOrCreate(ctx, session.WhatsAppSessionID(phone), models.ChannelWhatsApp)
	if err != nil {
		log.Error("whatsapp: load session", zap.Error(err))
		return
	}
	defer release()

	if env.paused(c.SessionID()) {
		log.Info("whatsapp: conversation paused, sending static reply")
		env.pausedPass(c.SessionID(), msg.Text.Body)
		sendWhatsApp(env, phone, pausedReply)
		return
	}

	entries, err := c.HandleUserMessage(ctx, msg.Text.Body)
	if errors.Is(err, chatbot.ErrEmptyMessage) {
		return
	}
	if err != nil {
		log.Error("whatsapp: handle message", zap.Error(err))
		return
	}

	if err := env.Sessions.Save(ctx, c); err != nil {
		log.Warn("whatsapp: save session", zap.Error(err))
	}

	for _, e := range entries {
		if e.Role != chatbot.RoleAssistant {
			continue
		}
		sendWhatsApp(env, phone, plainReply(e))
	}
}

// plainReply renders an assistant entry for a text-only channel. The
// scheduling link is spelled out since there is no contact block to click.
func plainReply(e chatbot.Entry) string {
	text := format.PlainText(e.Text)
	if e.Contact != nil && e.Contact.ScheduleLink != "" && (e.Flags.IsError || e.Flags.IsSuccess) {
		if !strings.Contains(text, e.Contact.ScheduleLink) {
			text += "\n\n" + e.Contact.ScheduleLink
		}
	}
	return text
}

// ─── Outbound WhatsApp ────────────────────────────────────────────────────────

func sendWhatsApp(env *Env, to, body string) {
	url := fmt.Sprintf("%s/v18.0/%s/messages", metaAPIBaseURL, env.Cfg.MetaPhoneNumberID)
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	payloadBytes, _ := json.Marshal(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		env.Log.Error("whatsapp: send: create request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.Cfg.MetaAccessToken)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		env.Log.Warn("whatsapp: send: http error", zap.String("to", to), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		env.Log.Warn("whatsapp: send: unexpected status",
			zap.Int("status", resp.StatusCode), zap.String("body", string(b)))
	}
}
