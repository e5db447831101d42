package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dealdesk/internal/database"
	"dealdesk/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	transcriptLimit  = 500
)

// RequireAdmin guards the review routes with a static bearer token. With no
// token configured the routes do not exist.
func RequireAdmin(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── GET /api/admin/conversations ─────────────────────────────────────────────

func ListConversations(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				env.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		convs, err := env.DB.ListConversations(limit)
		if err != nil {
			env.Log.Error("admin: list conversations", zap.Error(err))
			env.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		env.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	}
}

// ─── GET /api/admin/conversations/{id}/messages ───────────────────────────────

type conversationDetail struct {
	Conversation *models.Conversation `json:"conversation"`
	Booking      *models.Booking      `json:"booking,omitempty"`
	Messages     []models.Message     `json:"messages"`
}

func ConversationMessages(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		conv, err := env.DB.GetConversation(id)
		if errors.Is(err, database.ErrNotFound) {
			env.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		if err != nil {
			env.Log.Error("admin: get conversation", zap.String("session_id", id), zap.Error(err))
			env.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		detail := conversationDetail{Conversation: conv}

		booking, err := env.DB.GetBooking(id)
		switch {
		case err == nil:
			detail.Booking = booking
		case !errors.Is(err, database.ErrNotFound):
			env.Log.Warn("admin: get booking", zap.String("session_id", id), zap.Error(err))
		}

		msgs, err := env.DB.GetRecentMessages(id, transcriptLimit)
		if err != nil {
			env.Log.Error("admin: get messages", zap.String("session_id", id), zap.Error(err))
			env.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		detail.Messages = msgs
		env.writeJSON(w, http.StatusOK, detail)
	}
}
