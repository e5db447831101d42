package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dealdesk/internal/config"
	"dealdesk/internal/database"
	"dealdesk/internal/format"
	"dealdesk/internal/metrics"
	"dealdesk/internal/session"
)

// Env is what the HTTP handlers share.
type Env struct {
	Cfg      *config.Config
	DB       *database.DB
	Sessions *session.Registry
	Format   *format.Formatter
	Limiter  *RateLimiter
	Log      *zap.Logger
}

// NewRouter wires every route. Optional channels are mounted only when
// configured.
func NewRouter(env *Env) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Website chat widget.
	chat := r.PathPrefix("/api/chat/sessions").Subrouter()
	chat.Handle("", env.Limiter.Middleware(CreateSession(env))).Methods(http.MethodPost)
	chat.HandleFunc("/{id}", GetSession(env)).Methods(http.MethodGet)
	chat.Handle("/{id}/messages", env.Limiter.Middleware(PostMessage(env))).Methods(http.MethodPost)
	chat.Handle("/{id}/contact", env.Limiter.Middleware(PostContact(env))).Methods(http.MethodPost)
	chat.Handle("/{id}/book", env.Limiter.Middleware(PostBook(env))).Methods(http.MethodPost)

	// Admin review.
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(RequireAdmin(env.Cfg.AdminToken))
	admin.HandleFunc("/conversations", ListConversations(env)).Methods(http.MethodGet)
	admin.HandleFunc("/conversations/{id}/messages", ConversationMessages(env)).Methods(http.MethodGet)

	// Meta / WhatsApp routes.
	if env.Cfg.WhatsAppEnabled() {
		r.HandleFunc("/whatsapp/webhook", VerifyWebhook(env.Cfg)).Methods(http.MethodGet)
		r.HandleFunc("/whatsapp/webhook", HandleWhatsAppMessage(env)).Methods(http.MethodPost)
	}

	// Slack interactive route.
	if env.Cfg.SlackSigningSecret != "" {
		r.HandleFunc("/slack/interactive", HandleSlackInteractive(env)).Methods(http.MethodPost)
	}

	return r
}

// writeJSON encodes v as JSON to w, logging any error.
func (e *Env) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.Log.Warn("http: encode response", zap.Error(err))
	}
}

func (e *Env) writeError(w http.ResponseWriter, status int, msg string) {
	e.writeJSON(w, status, map[string]string{"error": msg})
}
