package models

import "time"

// ─── WhatsApp inbound payload ────────────────────────────────────────────────

type WAPayload struct {
	Object string    `json:"object"`
	Entry  []WAEntry `json:"entry"`
}

type WAEntry struct {
	Changes []WAChange `json:"changes"`
}

type WAChange struct {
	Value WAValue `json:"value"`
}

type WAValue struct {
	Contacts []WAContact `json:"contacts"`
	Messages []WAMessage `json:"messages"`
}

type WAContact struct {
	WaID    string    `json:"wa_id"`
	Profile WAProfile `json:"profile"`
}

type WAProfile struct {
	Name string `json:"name"`
}

type WAMessage struct {
	From string  `json:"from"` // phone number, session key
	ID   string  `json:"id"`   // wamid, used for idempotency
	Type string  `json:"type"` // "text", "image", etc.
	Text *WAText `json:"text,omitempty"`
}

type WAText struct {
	Body string `json:"body"`
}

// ─── Widget API ──────────────────────────────────────────────────────────────

type MessageRequest struct {
	Message string `json:"message"`
}

type ContactRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Interest string `json:"interest"`
	Message  string `json:"message"`
}

type BookRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ─── Database models ─────────────────────────────────────────────────────────

const (
	StatusActive = "ACTIVE"
	StatusPaused = "PAUSED"

	ChannelWeb      = "web"
	ChannelWhatsApp = "whatsapp"
)

type Conversation struct {
	ID        string    `db:"id" json:"id"`
	Channel   string    `db:"channel" json:"channel"`
	Status    string    `db:"status" json:"status"` // "ACTIVE" | "PAUSED"
	Mode      string    `db:"mode" json:"mode"`
	LeadID    int64     `db:"lead_id" json:"leadId,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Role           string    `db:"role" json:"role"` // "user" | "assistant"
	Content        string    `db:"content" json:"content"`
	IsError        bool      `db:"is_error" json:"isError,omitempty"`
	IsSuccess      bool      `db:"is_success" json:"isSuccess,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

type Booking struct {
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email"`
	StartTime      string    `db:"start_time" json:"startTime"`
	DisplayText    string    `db:"display_text" json:"displayText"`
	LeadID         int64     `db:"lead_id" json:"leadId,omitempty"`
	BookingURL     string    `db:"booking_url" json:"bookingUrl,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// ─── Slack interactive payload ────────────────────────────────────────────────

type SlackInteractivePayload struct {
	Type    string        `json:"type"`
	User    SlackUser     `json:"user"`
	Actions []SlackAction `json:"actions"`
}

type SlackUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type SlackAction struct {
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}
