// Package handlers tests use package-level access to test unexported helpers.
package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/assistant"
	"dealdesk/internal/chatbot"
	"dealdesk/internal/config"
	"dealdesk/internal/database"
	"dealdesk/internal/format"
	"dealdesk/internal/models"
	"dealdesk/internal/session"
)

// ─── Test helpers ─────────────────────────────────────────────────────────────

const testPhone = "14165551234"

func testConfig() *config.Config {
	return &config.Config{
		DBPath:             ":memory:",
		SupportEmail:       "info@dealdeskadvisory.com",
		SchedulingURL:      "https://calendly.com/dealdesk/consultation",
		AdminToken:         "test-admin-token",
		MetaVerifyToken:    "test-verify-token",
		MetaAppSecret:      "test-app-secret",
		MetaAccessToken:    "test-access-token",
		MetaPhoneNumberID:  "123456789",
		SlackWebhookURL:    "https://hooks.slack.com/test",
		SlackSigningSecret: "test-slack-secret",
	}
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// stubBackend answers every chat with reply. When gate is set, Chat blocks
// until it is closed.
type stubBackend struct {
	reply string
	gate  chan struct{}

	mu        sync.Mutex
	chatCalls int
}

func (b *stubBackend) Chat(ctx context.Context, req assistant.ChatRequest) (*assistant.ChatResponse, error) {
	b.mu.Lock()
	b.chatCalls++
	b.mu.Unlock()
	if b.gate != nil {
		<-b.gate
	}
	return &assistant.ChatResponse{Envelope: assistant.Envelope{Success: true, Message: b.reply}}, nil
}

func (b *stubBackend) CheckAvailability(context.Context, assistant.AvailabilityRequest) (*assistant.AvailabilityResponse, error) {
	return &assistant.AvailabilityResponse{
		Envelope:      assistant.Envelope{Success: true},
		Available:     true,
		SuggestedTime: &assistant.SlotOffer{StartTime: "2025-01-20T14:00:00Z", Formatted: "Mon Jan 20, 2pm"},
	}, nil
}

func (b *stubBackend) ConfirmBooking(context.Context, assistant.ConfirmRequest) (*assistant.ConfirmResponse, error) {
	return &assistant.ConfirmResponse{Envelope: assistant.Envelope{Success: true}, LeadID: 101}, nil
}

func (b *stubBackend) BookMeeting(context.Context, assistant.BookMeetingRequest) (*assistant.BookMeetingResponse, error) {
	return &assistant.BookMeetingResponse{
		Envelope:  assistant.Envelope{Success: true},
		LeadID:    88,
		NextSteps: &assistant.NextSteps{Calendly: "https://calendly.example.com/pick"},
	}, nil
}

func (b *stubBackend) SubmitLead(context.Context, assistant.LeadRequest) (*assistant.LeadResponse, error) {
	return &assistant.LeadResponse{Envelope: assistant.Envelope{Success: true}, LeadID: 7}, nil
}

func (b *stubBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatCalls
}

type testEnv struct {
	*Env
	backend *stubBackend
	store   *session.MemoryStore
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	db := testDB(t)
	backend := &stubBackend{reply: "Happy to help with that."}
	store := session.NewMemoryStore(time.Hour)
	logger := zap.NewNop()

	opts := chatbot.Options{
		Contact: chatbot.ContactInfo{
			EmailAddress: cfg.SupportEmail,
			EmailLink:    "mailto:" + cfg.SupportEmail,
			ScheduleLink: cfg.SchedulingURL,
		},
		Logger: logger,
	}
	env := &Env{
		Cfg:      cfg,
		DB:       db,
		Sessions: session.NewRegistry(backend, store, opts, session.NewRecorder(db, nil, logger)),
		Format:   format.New(cfg.SupportEmail),
		Log:      logger,
	}
	return &testEnv{Env: env, backend: backend, store: store, router: NewRouter(env)}
}

func (te *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	te.router.ServeHTTP(w, req)
	return w
}

func (te *testEnv) createSession(t *testing.T) string {
	t.Helper()
	w := te.do(t, http.MethodPost, "/api/chat/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var view PassView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return view.SessionID
}

func decodePass(t *testing.T, w *httptest.ResponseRecorder) PassView {
	t.Helper()
	var view PassView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return view
}

func metaSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}

func slackSignature(secret, timestamp string, body []byte) string {
	base := fmt.Sprintf("v0:%s:%s", timestamp, string(body))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return fmt.Sprintf("v0=%x", mac.Sum(nil))
}

func waPayload(from, id, msgType, body string) []byte {
	text := ""
	if msgType == "text" {
		text = fmt.Sprintf(`,"text":{"body":%q}`, body)
	}
	return []byte(fmt.Sprintf(
		`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"contacts":[{"wa_id":%q,"profile":{"name":"Dana"}}],"messages":[{"from":%q,"id":%q,"type":%q%s}]}}]}]}`,
		from, from, id, msgType, text,
	))
}

// fakeMeta records every outbound WhatsApp message body.
type fakeMeta struct {
	mu   sync.Mutex
	sent []string
}

func newFakeMeta(t *testing.T) *fakeMeta {
	t.Helper()
	fm := &fakeMeta{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fm.mu.Lock()
		fm.sent = append(fm.sent, payload.Text.Body)
		fm.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"messages":[{"id":"wamid.ok"}]}`))
	}))
	prev := metaAPIBaseURL
	metaAPIBaseURL = srv.URL
	t.Cleanup(func() {
		metaAPIBaseURL = prev
		srv.Close()
	})
	return fm
}

func (fm *fakeMeta) messages() []string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]string(nil), fm.sent...)
}

func slackRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	formBody := url.Values{}
	formBody.Set("payload", payload)
	body := []byte(formBody.Encode())

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/interactive", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", timestamp)
	req.Header.Set("X-Slack-Signature", slackSignature(secret, timestamp, body))
	return req
}

// ─── GET /health ──────────────────────────────────────────────────────────────

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	HealthCheck(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status=healthy, got %q", body["status"])
	}
}

func TestMetricsRoute(t *testing.T) {
	te := newTestEnv(t)
	te.createSession(t)

	w := te.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

// ─── GET /whatsapp/webhook (verification) ────────────────────────────────────

func TestVerifyWebhook_Valid(t *testing.T) {
	cfg := testConfig()
	handler := VerifyWebhook(cfg)

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=test-verify-token", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "abc123" {
		t.Errorf("expected challenge abc123, got %q", w.Body.String())
	}
}

func TestVerifyWebhook_WrongToken(t *testing.T) {
	handler := VerifyWebhook(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=WRONG", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestVerifyWebhook_WrongMode(t *testing.T) {
	handler := VerifyWebhook(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=unsubscribe&hub.challenge=abc123&hub.verify_token=test-verify-token", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestWhatsAppRoutes_NotMountedWithoutMeta(t *testing.T) {
	te := newTestEnv(t)
	te.Cfg.MetaVerifyToken, te.Cfg.MetaAppSecret, te.Cfg.MetaAccessToken, te.Cfg.MetaPhoneNumberID = "", "", "", ""
	router := NewRouter(te.Env)

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=subscribe", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// ─── HMAC signature verification ─────────────────────────────────────────────

func TestVerifyMetaSignature_Valid(t *testing.T) {
	body := []byte(`{"test":"payload"}`)
	sig := metaSignature("my-secret", body)

	if !verifyMetaSignature("my-secret", body, sig) {
		t.Error("expected valid signature to pass")
	}
}

func TestVerifyMetaSignature_Invalid(t *testing.T) {
	body := []byte(`{"test":"payload"}`)
	if verifyMetaSignature("my-secret", body, "sha256=badhash") {
		t.Error("expected bad signature to fail")
	}
}

func TestVerifyMetaSignature_Empty(t *testing.T) {
	if verifyMetaSignature("my-secret", []byte("body"), "") {
		t.Error("expected empty signature to fail")
	}
}

func TestVerifyMetaSignature_BodyTampered(t *testing.T) {
	body := []byte(`{"test":"payload"}`)
	sig := metaSignature("my-secret", body)
	tampered := []byte(`{"test":"TAMPERED"}`)

	if verifyMetaSignature("my-secret", tampered, sig) {
		t.Error("expected tampered body to fail verification")
	}
}

// ─── POST /whatsapp/webhook (inbound message) ─────────────────────────────────

func TestHandleWhatsAppMessage_BadSignature_Returns403(t *testing.T) {
	te := newTestEnv(t)
	handler := HandleWhatsAppMessage(te.Env)

	body := []byte(`{"object":"whatsapp_business_account"}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=badsignature")

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", w.Code)
	}
}

func TestHandleWhatsAppMessage_MissingSignature_Returns403(t *testing.T) {
	te := newTestEnv(t)
	handler := HandleWhatsAppMessage(te.Env)

	body := []byte(`{"object":"whatsapp_business_account"}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for missing signature, got %d", w.Code)
	}
}

func TestHandleWhatsAppMessage_ValidSignature_RepliesAsync(t *testing.T) {
	te := newTestEnv(t)
	meta := newFakeMeta(t)
	handler := HandleWhatsAppMessage(te.Env)

	body := waPayload(testPhone, "wamid.test001", "text", "What does your firm do?")
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", metaSignature(te.Cfg.MetaAppSecret, body))

	w := httptest.NewRecorder()
	handler(w, req)

	// Must return 200 immediately regardless of async work.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(meta.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := meta.messages()
	if len(sent) != 1 || sent[0] != "Happy to help with that." {
		t.Errorf("expected the assistant reply to be sent once, got %v", sent)
	}
}

func TestHandleWhatsAppMessage_StatusPayload_Returns200(t *testing.T) {
	// Meta sends delivery receipts with no messages array. Must not crash.
	te := newTestEnv(t)
	handler := HandleWhatsAppMessage(te.Env)

	body := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.status","status":"delivered"}]}}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", metaSignature(te.Cfg.MetaAppSecret, body))

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for status payload, got %d", w.Code)
	}
}

func TestProcessInbound_RecordsConversation(t *testing.T) {
	te := newTestEnv(t)
	meta := newFakeMeta(t)

	processInbound(te.Env, waPayload(testPhone, "wamid.test001", "text", "What does your firm do?"))

	id := session.WhatsAppSessionID(testPhone)
	msgs, err := te.DB.GetRecentMessages(id, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) < 2 {
		t.Fatalf("expected user and assistant messages in DB, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != "Happy to help with that." {
		t.Errorf("expected assistant reply last, got %+v", last)
	}
	if msgs[len(msgs)-2].Content != "What does your firm do?" {
		t.Errorf("expected user message before the reply, got %q", msgs[len(msgs)-2].Content)
	}

	conv, err := te.DB.GetConversation(id)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Channel != models.ChannelWhatsApp {
		t.Errorf("expected channel whatsapp, got %q", conv.Channel)
	}

	// The welcome entry is not pushed to WhatsApp.
	if sent := meta.messages(); len(sent) != 1 {
		t.Errorf("expected exactly 1 outbound message, got %v", sent)
	}

	if _, err := te.store.Load(context.Background(), id); err != nil {
		t.Errorf("expected snapshot to be saved, got %v", err)
	}
}

func TestProcessInbound_DuplicateIgnored(t *testing.T) {
	te := newTestEnv(t)
	meta := newFakeMeta(t)

	body := waPayload(testPhone, "wamid.dup", "text", "hello")
	processInbound(te.Env, body)
	processInbound(te.Env, body)

	if got := te.backend.calls(); got != 1 {
		t.Errorf("expected 1 chat call, got %d", got)
	}
	if sent := meta.messages(); len(sent) != 1 {
		t.Errorf("expected 1 outbound message, got %d", len(sent))
	}
}

func TestProcessInbound_NonText(t *testing.T) {
	te := newTestEnv(t)
	meta := newFakeMeta(t)

	processInbound(te.Env, waPayload(testPhone, "wamid.img", "image", ""))

	sent := meta.messages()
	if len(sent) != 1 || !strings.Contains(sent[0], "only handle text") {
		t.Errorf("expected text-only notice, got %v", sent)
	}
	if te.backend.calls() != 0 {
		t.Error("expected backend not to be called")
	}
}

func TestProcessInbound_Paused(t *testing.T) {
	te := newTestEnv(t)
	meta := newFakeMeta(t)
	id := session.WhatsAppSessionID(testPhone)

	if err := te.DB.UpsertConversation(id, models.ChannelWhatsApp); err != nil {
		t.Fatal(err)
	}
	if err := te.DB.PauseConversation(id); err != nil {
		t.Fatal(err)
	}

	processInbound(te.Env, waPayload(testPhone, "wamid.p1", "text", "Are you there?"))

	if te.backend.calls() != 0 {
		t.Error("expected paused conversation not to reach the backend")
	}
	sent := meta.messages()
	if len(sent) != 1 || sent[0] != pausedReply {
		t.Errorf("expected static reply, got %v", sent)
	}

	msgs, err := te.DB.GetRecentMessages(id, 20)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range msgs {
		if m.Role == "user" && m.Content == "Are you there?" {
			found = true
		}
	}
	if !found {
		t.Error("expected paused user message to be kept for staff")
	}
}

func TestProcessInbound_MeetingFlowPlainText(t *testing.T) {
	te := newTestEnv(t)
	meta := newFakeMeta(t)

	steps := []string{"I want to book a meeting", "Dana Scully", "dana@example.com", "tomorrow at 2pm"}
	for i, text := range steps {
		processInbound(te.Env, waPayload(testPhone, fmt.Sprintf("wamid.m%d", i), "text", text))
	}

	sent := meta.messages()
	if len(sent) != len(steps) {
		t.Fatalf("expected %d replies, got %d: %v", len(steps), len(sent), sent)
	}
	last := sent[len(sent)-1]
	if strings.Contains(last, "**") {
		t.Errorf("expected markdown to be stripped, got %q", last)
	}
	if !strings.Contains(last, "Mon Jan 20, 2pm") {
		t.Errorf("expected proposed slot in reply, got %q", last)
	}

	c, err := te.Sessions.Get(context.Background(), session.WhatsAppSessionID(testPhone))
	if err != nil {
		t.Fatal(err)
	}
	if c.Mode() != chatbot.ModeAwaitingConfirmation {
		t.Errorf("expected awaiting_confirmation, got %s", c.Mode())
	}
}

func TestPlainReply_AppendsScheduleLink(t *testing.T) {
	e := chatbot.Entry{
		Role:    chatbot.RoleAssistant,
		Text:    "Sorry, **something** went wrong.",
		Flags:   chatbot.Flags{IsError: true},
		Contact: &chatbot.ContactInfo{ScheduleLink: "https://calendly.com/x"},
	}
	got := plainReply(e)
	want := "Sorry, something went wrong.\n\nhttps://calendly.com/x"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	e.Flags = chatbot.Flags{}
	if got := plainReply(e); got != "Sorry, something went wrong." {
		t.Errorf("expected no link on a plain reply, got %q", got)
	}
}

// ─── Slack signature verification ─────────────────────────────────────────────

func TestVerifySlackSignature_Valid(t *testing.T) {
	now := time.Now()
	timestamp := strconv.FormatInt(now.Unix(), 10)
	body := []byte("payload=test")
	sig := slackSignature("test-slack-secret", timestamp, body)

	if !verifySlackSignature("test-slack-secret", timestamp, body, sig, now) {
		t.Error("expected valid Slack signature to pass")
	}
}

func TestVerifySlackSignature_Invalid(t *testing.T) {
	now := time.Now()
	timestamp := strconv.FormatInt(now.Unix(), 10)
	body := []byte("payload=test")

	if verifySlackSignature("test-slack-secret", timestamp, body, "v0=badsig", now) {
		t.Error("expected invalid sig to fail")
	}
}

func TestVerifySlackSignature_ReplayAttack(t *testing.T) {
	now := time.Now()
	oldTimestamp := strconv.FormatInt(now.Unix()-400, 10)
	body := []byte("payload=test")
	sig := slackSignature("test-slack-secret", oldTimestamp, body)

	if verifySlackSignature("test-slack-secret", oldTimestamp, body, sig, now) {
		t.Error("expected old timestamp to fail (replay attack prevention)")
	}
}

// ─── POST /slack/interactive ─────────────────────────────────────────────────

func TestHandleSlackInteractive_BadSignature_Returns403(t *testing.T) {
	te := newTestEnv(t)
	handler := HandleSlackInteractive(te.Env)

	req := slackRequest(t, "wrong-secret", `{"type":"block_actions","actions":[]}`)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandleSlackInteractive_TakeOver_PausesConversation(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	payload := fmt.Sprintf(`{"type":"block_actions","user":{"id":"U123","username":"adriantest"},"actions":[{"action_id":"take_over_chat","value":%q}]}`, id)
	w := httptest.NewRecorder()
	te.router.ServeHTTP(w, slackRequest(t, te.Cfg.SlackSigningSecret, payload))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	status, err := te.DB.GetConversationStatus(id)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.StatusPaused {
		t.Errorf("expected conversation to be PAUSED, got %s", status)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["replace_original"] != true {
		t.Error("expected replace_original=true in Slack response")
	}
	if !strings.Contains(fmt.Sprintf("%v", resp["text"]), "adriantest") {
		t.Errorf("expected username in Slack response, got: %v", resp["text"])
	}

	// The widget now gets the static reply.
	msg := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"hello?"}`)
	view := decodePass(t, msg)
	if !view.Paused {
		t.Error("expected paused=true after take-over")
	}
	if te.backend.calls() != 0 {
		t.Error("expected paused conversation not to reach the backend")
	}
}

func TestHandleSlackInteractive_UnknownConversation_Returns200WithWarning(t *testing.T) {
	te := newTestEnv(t)
	handler := HandleSlackInteractive(te.Env)

	payload := `{"type":"block_actions","user":{"id":"U123","username":"adriantest"},"actions":[{"action_id":"take_over_chat","value":"session_unknown"}]}`
	w := httptest.NewRecorder()
	handler(w, slackRequest(t, te.Cfg.SlackSigningSecret, payload))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 even for unknown conversation, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not found") {
		t.Errorf("expected not-found message, got %s", w.Body.String())
	}
}

func TestHandleSlackInteractive_AlreadyPaused(t *testing.T) {
	te := newTestEnv(t)
	if err := te.DB.UpsertConversation("session_paused", models.ChannelWeb); err != nil {
		t.Fatal(err)
	}
	if err := te.DB.PauseConversation("session_paused"); err != nil {
		t.Fatal(err)
	}
	handler := HandleSlackInteractive(te.Env)

	payload := `{"type":"block_actions","user":{"id":"U123","username":"adriantest"},"actions":[{"action_id":"take_over_chat","value":"session_paused"}]}`
	w := httptest.NewRecorder()
	handler(w, slackRequest(t, te.Cfg.SlackSigningSecret, payload))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if !strings.Contains(fmt.Sprintf("%v", resp["text"]), "already paused") {
		t.Errorf("expected already-paused message, got: %v", resp["text"])
	}
}

func TestHandleSlackInteractive_OtherAction_Ignored(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)
	handler := HandleSlackInteractive(te.Env)

	payload := fmt.Sprintf(`{"type":"block_actions","user":{"id":"U123","username":"adriantest"},"actions":[{"action_id":"something_else","value":%q}]}`, id)
	w := httptest.NewRecorder()
	handler(w, slackRequest(t, te.Cfg.SlackSigningSecret, payload))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	status, _ := te.DB.GetConversationStatus(id)
	if status != models.StatusActive {
		t.Errorf("expected conversation to stay ACTIVE, got %s", status)
	}
}

// ─── Widget API ───────────────────────────────────────────────────────────────

func TestCreateSession_ReturnsWelcome(t *testing.T) {
	te := newTestEnv(t)

	w := te.do(t, http.MethodPost, "/api/chat/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	view := decodePass(t, w)
	if !strings.HasPrefix(view.SessionID, "session_") {
		t.Errorf("expected session_ prefix, got %q", view.SessionID)
	}
	if view.Mode != chatbot.ModeNormal {
		t.Errorf("expected normal mode, got %s", view.Mode)
	}
	if len(view.Entries) != 1 || view.Entries[0].Role != chatbot.RoleAssistant {
		t.Fatalf("expected a single welcome entry, got %+v", view.Entries)
	}
	if len(view.Entries[0].Blocks) == 0 {
		t.Error("expected formatter blocks on assistant entries")
	}

	conv, err := te.DB.GetConversation(view.SessionID)
	if err != nil {
		t.Fatalf("expected conversation row, got %v", err)
	}
	if conv.Channel != models.ChannelWeb {
		t.Errorf("expected channel web, got %q", conv.Channel)
	}
}

func TestGetSession(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	w := te.do(t, http.MethodGet, "/api/chat/sessions/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view SessionView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.SessionID != id || len(view.Transcript) != 1 || view.Busy {
		t.Errorf("unexpected session view %+v", view)
	}
}

func TestGetSession_Unknown_Returns404(t *testing.T) {
	te := newTestEnv(t)

	w := te.do(t, http.MethodGet, "/api/chat/sessions/session_nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = te.do(t, http.MethodPost, "/api/chat/sessions/session_nope/messages", `{"message":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPostMessage_ReturnsPassEntries(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"What does your firm do?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	view := decodePass(t, w)
	if len(view.Entries) != 2 {
		t.Fatalf("expected user + assistant entries, got %d", len(view.Entries))
	}
	if view.Entries[0].Role != chatbot.RoleUser || view.Entries[0].Blocks != nil {
		t.Errorf("expected plain user entry first, got %+v", view.Entries[0])
	}
	if view.Entries[1].Text != "Happy to help with that." {
		t.Errorf("expected backend reply, got %q", view.Entries[1].Text)
	}

	st, err := te.store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Transcript) != 3 {
		t.Errorf("expected saved snapshot with 3 entries, got %d", len(st.Transcript))
	}
}

func TestPostMessage_MeetingIntentChangesMode(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"Can I book a meeting?"}`)
	view := decodePass(t, w)
	if view.Mode != chatbot.ModeAwaitingName {
		t.Errorf("expected awaiting_name, got %s", view.Mode)
	}
	if te.backend.calls() != 0 {
		t.Error("expected meeting intent to skip the chat backend")
	}

	conv, _ := te.DB.GetConversation(id)
	if conv.Mode != "awaiting_name" {
		t.Errorf("expected recorded mode awaiting_name, got %q", conv.Mode)
	}
}

func TestPostMessage_Empty_Returns400(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w = te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
}

func TestPostMessage_Busy_Returns409(t *testing.T) {
	te := newTestEnv(t)
	te.backend.gate = make(chan struct{})
	id := te.createSession(t)

	c, err := te.Sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.HandleUserMessage(context.Background(), "first question")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"second question"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}

	close(te.backend.gate)
	<-done
}

func TestPostMessage_RateLimited_Returns429(t *testing.T) {
	te := newTestEnv(t)
	te.Limiter = NewRateLimiter(3, zap.NewNop())
	te.router = NewRouter(te.Env)
	id := te.createSession(t)

	for i := 0; i < 2; i++ {
		w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"hello"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"hello"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}

	// A fresh session from the same client does not reset the budget.
	w = te.do(t, http.MethodPost, "/api/chat/sessions", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for session creation, got %d", w.Code)
	}

	// Other clients have their own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/chat/sessions", nil)
	req.RemoteAddr = "198.51.100.20:4321"
	w = httptest.NewRecorder()
	te.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201 for another client, got %d", w.Code)
	}
}

func TestRateLimiter_UnknownSessionsShareClientEntry(t *testing.T) {
	te := newTestEnv(t)
	te.Limiter = NewRateLimiter(1000, zap.NewNop())
	te.router = NewRouter(te.Env)

	for i := 0; i < 500; i++ {
		w := te.do(t, http.MethodPost, fmt.Sprintf("/api/chat/sessions/bogus-%d/messages", i), `{"message":"hello"}`)
		if w.Code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, w.Code)
		}
	}
	if n := len(te.Limiter.limiters); n != 1 {
		t.Errorf("expected 1 limiter entry, got %d", n)
	}
}

func TestRateLimiter_PruneDropsIdleClients(t *testing.T) {
	l := NewRateLimiter(10, zap.NewNop())
	now := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("203.0.113.1")
	now = now.Add(2 * time.Minute)
	l.Allow("203.0.113.2")

	if n := l.Prune(time.Minute); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if _, ok := l.limiters["203.0.113.2"]; !ok {
		t.Error("expected the recent client to stay")
	}
	if _, ok := l.limiters["203.0.113.1"]; ok {
		t.Error("expected the idle client to be dropped")
	}

	var disabled *RateLimiter
	if n := disabled.Prune(time.Minute); n != 0 {
		t.Errorf("expected 0 from a nil limiter, got %d", n)
	}
}

func TestPostContact(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/contact", `{"name":"D","email":"dana@example.com"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for short name, got %d", w.Code)
	}
	w = te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/contact", `{"name":"Dana","email":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad email, got %d", w.Code)
	}

	w = te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/contact", `{"name":"Dana","email":"dana@example.com","interest":"sell-side"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	view := decodePass(t, w)
	if view.LeadID != 7 {
		t.Errorf("expected leadId 7, got %d", view.LeadID)
	}
	if len(view.Entries) != 1 || !view.Entries[0].Flags.IsSuccess {
		t.Errorf("expected one success entry, got %+v", view.Entries)
	}

	conv, _ := te.DB.GetConversation(id)
	if conv.LeadID != 7 {
		t.Errorf("expected recorded lead id 7, got %d", conv.LeadID)
	}
}

func TestPostBook(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)

	w := te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/book", `{"name":"Dana Scully","email":"dana@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	view := decodePass(t, w)
	if view.LeadID != 88 {
		t.Errorf("expected leadId 88, got %d", view.LeadID)
	}
	if len(view.Entries) != 1 || view.Entries[0].Contact == nil || view.Entries[0].Contact.ScheduleLink != "https://calendly.example.com/pick" {
		t.Errorf("expected scheduling link in contact block, got %+v", view.Entries)
	}
}

// ─── Admin review ─────────────────────────────────────────────────────────────

func adminGet(te *testEnv, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	te.router.ServeHTTP(w, req)
	return w
}

func TestAdmin_RequiresToken(t *testing.T) {
	te := newTestEnv(t)

	if w := adminGet(te, "/api/admin/conversations", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := adminGet(te, "/api/admin/conversations", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAdmin_DisabledWithoutConfiguredToken(t *testing.T) {
	te := newTestEnv(t)
	te.Cfg.AdminToken = ""
	te.router = NewRouter(te.Env)

	if w := adminGet(te, "/api/admin/conversations", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAdmin_ListAndTranscript(t *testing.T) {
	te := newTestEnv(t)
	id := te.createSession(t)
	te.do(t, http.MethodPost, "/api/chat/sessions/"+id+"/messages", `{"message":"What does your firm do?"}`)

	w := adminGet(te, "/api/admin/conversations?limit=10", te.Cfg.AdminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != id {
		t.Errorf("expected the one conversation, got %+v", list.Conversations)
	}

	w = adminGet(te, "/api/admin/conversations/"+id+"/messages", te.Cfg.AdminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail conversationDetail
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Messages) != 3 {
		t.Errorf("expected welcome, question and reply, got %d", len(detail.Messages))
	}
	if detail.Booking != nil {
		t.Errorf("expected no booking, got %+v", detail.Booking)
	}
}

func TestAdmin_UnknownConversationAndBadLimit(t *testing.T) {
	te := newTestEnv(t)

	if w := adminGet(te, "/api/admin/conversations/nope/messages", te.Cfg.AdminToken); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := adminGet(te, "/api/admin/conversations?limit=-1", te.Cfg.AdminToken); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// ─── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_NilAllowsAll(t *testing.T) {
	var l *RateLimiter
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("expected nil limiter to allow")
		}
	}
	if NewRateLimiter(0, zap.NewNop()) != nil {
		t.Error("expected zero rate to disable the limiter")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.9:5555", "192.0.2.9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
