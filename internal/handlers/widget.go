package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dealdesk/internal/chatbot"
	"dealdesk/internal/database"
	"dealdesk/internal/models"
	"dealdesk/internal/session"
)

const pausedReply = "Our team is handling your request directly. We'll be in touch shortly!"

// maxBodyBytes caps widget request bodies.
const maxBodyBytes = 16 << 10

// ─── POST /api/chat/sessions ──────────────────────────────────────────────────

func CreateSession(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := env.Sessions.Create(r.Context(), models.ChannelWeb)
		if err != nil {
			env.Log.Error("widget: create session", zap.Error(err))
			env.writeError(w, http.StatusInternalServerError, "could not start a conversation")
			return
		}
		env.writeJSON(w, http.StatusCreated, env.passView(c, c.Transcript()))
	}
}

// ─── GET /api/chat/sessions/{id} ──────────────────────────────────────────────

func GetSession(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, release, ok := env.lookup(w, r)
		if !ok {
			return
		}
		defer release()
		env.writeJSON(w, http.StatusOK, env.sessionView(c))
	}
}

// ─── POST /api/chat/sessions/{id}/messages ────────────────────────────────────

func PostMessage(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.MessageRequest
		if !env.decode(w, r, &req) {
			return
		}
		c, release, ok := env.lookup(w, r)
		if !ok {
			return
		}
		defer release()

		if env.paused(c.SessionID()) {
			entries := env.pausedPass(c.SessionID(), req.Message)
			view := env.passView(c, entries)
			view.Paused = true
			env.writeJSON(w, http.StatusOK, view)
			return
		}

		entries, err := c.HandleUserMessage(r.Context(), req.Message)
		env.respondPass(w, r, c, entries, err)
	}
}

// ─── POST /api/chat/sessions/{id}/contact ─────────────────────────────────────

func PostContact(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ContactRequest
		if !env.decode(w, r, &req) {
			return
		}
		c, release, ok := env.lookup(w, r)
		if !ok {
			return
		}
		defer release()
		entries, err := c.SubmitContact(r.Context(), chatbot.ContactForm{
			Name:     req.Name,
			Email:    req.Email,
			Phone:    req.Phone,
			Interest: req.Interest,
			Message:  req.Message,
		})
		env.respondPass(w, r, c, entries, err)
	}
}

// ─── POST /api/chat/sessions/{id}/book ────────────────────────────────────────

func PostBook(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.BookRequest
		if !env.decode(w, r, &req) {
			return
		}
		c, release, ok := env.lookup(w, r)
		if !ok {
			return
		}
		defer release()
		entries, err := c.BookMeeting(r.Context(), req.Name, req.Email)
		env.respondPass(w, r, c, entries, err)
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// lookup leases the controller named by the route; callers release it once
// the snapshot is saved.
func (e *Env) lookup(w http.ResponseWriter, r *http.Request) (*chatbot.Controller, func(), bool) {
	id := mux.Vars(r)["id"]
	c, release, err := e.Sessions.Acquire(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		e.writeError(w, http.StatusNotFound, "session not found")
		return nil, nil, false
	case err != nil:
		e.Log.Error("widget: load session", zap.String("session_id", id), zap.Error(err))
		e.writeError(w, http.StatusInternalServerError, "could not load the conversation")
		return nil, nil, false
	}
	return c, release, true
}

func (e *Env) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		e.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// respondPass maps controller errors to status codes and saves the snapshot
// after a successful pass.
func (e *Env) respondPass(w http.ResponseWriter, r *http.Request, c *chatbot.Controller, entries []chatbot.Entry, err error) {
	switch {
	case errors.Is(err, chatbot.ErrBusy):
		e.writeError(w, http.StatusConflict, "a message is already being handled")
		return
	case errors.Is(err, chatbot.ErrEmptyMessage):
		e.writeError(w, http.StatusBadRequest, "message is empty")
		return
	case errors.Is(err, chatbot.ErrInvalidName), errors.Is(err, chatbot.ErrInvalidEmail):
		e.writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "chatbot: "))
		return
	case err != nil:
		e.Log.Error("widget: pass failed", zap.String("session_id", c.SessionID()), zap.Error(err))
		e.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// The request may already be cancelled; the snapshot must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := e.Sessions.Save(ctx, c); err != nil {
		e.Log.Warn("widget: save session", zap.String("session_id", c.SessionID()), zap.Error(err))
	}
	e.writeJSON(w, http.StatusOK, e.passView(c, entries))
}

// paused reports whether staff have taken the conversation over.
func (e *Env) paused(id string) bool {
	if e.DB == nil {
		return false
	}
	status, err := e.DB.GetConversationStatus(id)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			e.Log.Warn("widget: get status", zap.String("session_id", id), zap.Error(err))
		}
		return false
	}
	return status == models.StatusPaused
}

// pausedPass records the visitor's message for staff and answers with the
// static hand-off reply without touching the controller.
func (e *Env) pausedPass(id, text string) []chatbot.Entry {
	now := time.Now().UTC()
	user := chatbot.Entry{ID: uuid.NewString(), Role: chatbot.RoleUser, Text: strings.TrimSpace(text), Timestamp: now}
	reply := chatbot.Entry{ID: uuid.NewString(), Role: chatbot.RoleAssistant, Text: pausedReply, Timestamp: now}

	if err := e.DB.InsertMessage(&models.Message{
		ID:             user.ID,
		ConversationID: id,
		Role:           string(user.Role),
		Content:        user.Text,
		CreatedAt:      now,
	}); err != nil {
		e.Log.Warn("widget: insert paused message", zap.String("session_id", id), zap.Error(err))
	}
	return []chatbot.Entry{user, reply}
}
