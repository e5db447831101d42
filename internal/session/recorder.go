package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/chatbot"
	"dealdesk/internal/database"
	"dealdesk/internal/metrics"
	"dealdesk/internal/models"
	"dealdesk/internal/notify"
)

// Recorder is the chatbot.Listener that writes the audit trail, counts
// metrics, and notifies staff. db may be nil.
type Recorder struct {
	db       *database.DB
	notifier notify.Notifier
	log      *zap.Logger
	async    func(func())
}

func NewRecorder(db *database.DB, notifier notify.Notifier, logger *zap.Logger) *Recorder {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{db: db, notifier: notifier, log: logger}
	r.async = r.goSafe
	return r
}

// Track registers a conversation before its first entry is recorded.
func (r *Recorder) Track(id, channel string) error {
	if r.db == nil {
		return nil
	}
	if err := r.db.UpsertConversation(id, channel); err != nil {
		return fmt.Errorf("session: track %s: %w", id, err)
	}
	return nil
}

func (r *Recorder) EntryAppended(id string, mode chatbot.Mode, e chatbot.Entry) {
	if e.Role == chatbot.RoleUser {
		metrics.UserMessage(mode.String())
	}
	if r.db == nil {
		return
	}
	err := r.db.InsertMessage(&models.Message{
		ID:             e.ID,
		ConversationID: id,
		Role:           string(e.Role),
		Content:        e.Text,
		IsError:        e.Flags.IsError,
		IsSuccess:      e.Flags.IsSuccess,
		CreatedAt:      e.Timestamp,
	})
	if err != nil {
		r.log.Warn("session: insert message", zap.String("session_id", id), zap.Error(err))
	}
}

func (r *Recorder) ModeChanged(id string, from, to chatbot.Mode) {
	metrics.Transition(from.String(), to.String())
	if r.db == nil {
		return
	}
	if err := r.db.UpdateConversationMode(id, to.String()); err != nil {
		r.log.Warn("session: update mode", zap.String("session_id", id), zap.Error(err))
	}
}

func (r *Recorder) LeadCaptured(id string, source chatbot.LeadSource, leadID int64, contact chatbot.LeadContact) {
	metrics.Lead(string(source))
	if r.db != nil {
		if err := r.db.SetLeadID(id, leadID); err != nil {
			r.log.Warn("session: set lead id", zap.String("session_id", id), zap.Error(err))
		}
	}
	// Bookings get their own notification.
	if source == chatbot.LeadFromBooking {
		return
	}
	r.notify(notify.Handoff{
		SessionID: id,
		Headline:  "New lead captured",
		Fields: []notify.Field{
			{Label: "Lead", Value: strconv.FormatInt(leadID, 10)},
			{Label: "Source", Value: string(source)},
			{Label: "Name", Value: contact.Name},
			{Label: "Email", Value: contact.Email},
			{Label: "Phone", Value: contact.Phone},
		},
	})
}

func (r *Recorder) BookingConfirmed(id string, b chatbot.Booking) {
	metrics.Booking("confirmed")
	if r.db != nil {
		err := r.db.UpsertBooking(&models.Booking{
			ConversationID: id,
			Name:           b.Name,
			Email:          b.Email,
			StartTime:      b.Slot.StartTime,
			DisplayText:    b.Slot.DisplayText,
			LeadID:         b.LeadID,
			BookingURL:     b.BookingURL,
		})
		if err != nil {
			r.log.Warn("session: upsert booking", zap.String("session_id", id), zap.Error(err))
		}
	}
	r.notify(notify.Handoff{
		SessionID: id,
		Headline:  "Meeting booked",
		Fields: []notify.Field{
			{Label: "Name", Value: b.Name},
			{Label: "Email", Value: b.Email},
			{Label: "Slot", Value: b.Slot.DisplayText},
			{Label: "Lead", Value: strconv.FormatInt(b.LeadID, 10)},
			{Label: "Booking", Value: b.BookingURL},
		},
	})
}

func (r *Recorder) BookingFailed(id string, reason string) {
	metrics.Booking("failed")
	r.log.Info("session: booking failed", zap.String("session_id", id), zap.String("reason", reason))
}

func (r *Recorder) notify(h notify.Handoff) {
	r.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.notifier.Notify(ctx, h); err != nil {
			r.log.Warn("session: staff notification failed", zap.String("session_id", h.SessionID), zap.Error(err))
		}
	})
}

// goSafe runs fn in the background. Listener callbacks run under the
// controller lock, so network calls never happen inline.
func (r *Recorder) goSafe(fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("session: recovered from panic", zap.Any("panic", rec))
			}
		}()
		fn()
	}()
}
