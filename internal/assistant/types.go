package assistant

import (
	"encoding/json"
	"math"
)

// ─── Shared ───────────────────────────────────────────────────────────────────

// Contact is the support block the backend (or the client fallback) attaches
// to a reply so the user always has a way to reach the firm.
type Contact struct {
	Email     string `json:"email,omitempty"`
	EmailLink string `json:"emailLink,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
}

// Envelope carries the fields every backend response has in common.
type Envelope struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Contact *Contact `json:"contact,omitempty"`
}

// LeadID is a CRM lead reference as returned by the backend. Only positive
// integral JSON numbers are accepted; anything else decodes to zero.
type LeadID int64

// maxLeadID keeps float64 -> int conversion exact.
const maxLeadID = 1 << 53

func (id *LeadID) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil || f != math.Trunc(f) || f <= 0 || f > maxLeadID {
		*id = 0
		return nil
	}
	*id = LeadID(f)
	return nil
}

// Valid reports whether the backend associated the session with a lead.
func (id LeadID) Valid() bool { return id > 0 }

// SlotOffer is a bookable start time as offered by the availability check.
type SlotOffer struct {
	StartTime string `json:"startTime"`
	Formatted string `json:"formatted"`
}

// NextSteps is attached to successful lead and one-shot booking replies.
type NextSteps struct {
	Contact  string `json:"contact,omitempty"`
	Calendly string `json:"calendly,omitempty"`
}

// ─── POST chat ────────────────────────────────────────────────────────────────

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	LeadID    int64  `json:"leadId,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type ChatResponse struct {
	Envelope
	SessionID    string  `json:"sessionId,omitempty"`
	LeadID       LeadID  `json:"leadId,omitempty"`
	ResponseTime float64 `json:"responseTime,omitempty"`
}

// ─── POST check-availability ──────────────────────────────────────────────────

// ReasonNotATime is the failure reason the backend uses when the preference
// could not be parsed as a date or time at all.
const ReasonNotATime = "not_a_time"

type AvailabilityRequest struct {
	TimePreference string `json:"timePreference"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	SessionID      string `json:"sessionId"`
}

type AvailabilityResponse struct {
	Envelope
	Available     bool        `json:"available,omitempty"`
	NeedsTime     bool        `json:"needsTime,omitempty"`
	ParsedDate    string      `json:"parsedDate,omitempty"`
	SuggestedTime *SlotOffer  `json:"suggestedTime,omitempty"`
	Alternatives  []SlotOffer `json:"alternatives,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// ─── POST confirm-booking ─────────────────────────────────────────────────────

type ConfirmRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	StartTime string `json:"startTime"`
	SessionID string `json:"sessionId"`
}

type BookingInfo struct {
	BookingURL string `json:"bookingUrl,omitempty"`
}

type ConfirmResponse struct {
	Envelope
	LeadID      LeadID       `json:"leadId,omitempty"`
	Booking     *BookingInfo `json:"booking,omitempty"`
	FallbackURL string       `json:"fallbackUrl,omitempty"`
}

// ─── POST book-meeting (single step) ──────────────────────────────────────────

type BookMeetingRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	SessionID string `json:"sessionId"`
}

type BookMeetingResponse struct {
	Envelope
	LeadID    LeadID     `json:"leadId,omitempty"`
	NextSteps *NextSteps `json:"nextSteps,omitempty"`
}

// ─── POST lead ────────────────────────────────────────────────────────────────

type LeadRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Interest  string `json:"interest"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type LeadResponse struct {
	Envelope
	LeadID    LeadID     `json:"leadId,omitempty"`
	NextSteps *NextSteps `json:"nextSteps,omitempty"`
}
