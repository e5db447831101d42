package chatbot

import (
	"fmt"
	"time"
)

// Mode is the booking sub-flow stage a conversation is in.
type Mode int

const (
	ModeNormal Mode = iota
	ModeAwaitingName
	ModeAwaitingEmail
	ModeAwaitingTime
	ModeAwaitingConfirmation
)

var modeNames = [...]string{
	ModeNormal:               "normal",
	ModeAwaitingName:         "awaiting_name",
	ModeAwaitingEmail:        "awaiting_email",
	ModeAwaitingTime:         "awaiting_time",
	ModeAwaitingConfirmation: "awaiting_confirmation",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

func (m Mode) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(modeNames) {
		return nil, fmt.Errorf("chatbot: invalid mode %d", int(m))
	}
	return []byte(modeNames[m]), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	for i, name := range modeNames {
		if name == string(b) {
			*m = Mode(i)
			return nil
		}
	}
	return fmt.Errorf("chatbot: unknown mode %q", string(b))
}

// Slot is a single bookable calendar time.
type Slot struct {
	StartTime   string `json:"startTime"`
	DisplayText string `json:"displayText"`
}

// BookingDraft is the partially filled booking collected across turns.
// ProposedSlot is only meaningful in ModeAwaitingConfirmation.
type BookingDraft struct {
	Name             string `json:"name,omitempty"`
	Email            string `json:"email,omitempty"`
	TimePreference   string `json:"timePreference,omitempty"`
	PendingDate      string `json:"pendingDate,omitempty"`
	ProposedSlot     *Slot  `json:"proposedSlot,omitempty"`
	AlternativeSlots []Slot `json:"alternativeSlots,omitempty"`
}

type LeadContact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Flags struct {
	IsError        bool `json:"isError,omitempty"`
	IsSuccess      bool `json:"isSuccess,omitempty"`
	ShowContactCTA bool `json:"showContactCta,omitempty"`
}

// ContactInfo is the support block rendered under an assistant message.
type ContactInfo struct {
	EmailAddress string `json:"emailAddress,omitempty"`
	EmailLink    string `json:"emailLink,omitempty"`
	ScheduleLink string `json:"scheduleLink,omitempty"`
}

// Entry is one transcript message.
type Entry struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	Flags     Flags        `json:"flags"`
	Contact   *ContactInfo `json:"contact,omitempty"`
}

// State is everything a controller owns. It is also the snapshot format
// persisted between requests.
type State struct {
	Mode        Mode         `json:"mode"`
	SessionID   string       `json:"sessionId"`
	Draft       BookingDraft `json:"bookingDraft"`
	LeadID      int64        `json:"leadId,omitempty"`
	LeadContact *LeadContact `json:"leadContact,omitempty"`
	Transcript  []Entry      `json:"transcript"`
}

// clone deep-copies s so callers never share slices with the controller.
func (s State) clone() State {
	out := s
	if s.Draft.ProposedSlot != nil {
		slot := *s.Draft.ProposedSlot
		out.Draft.ProposedSlot = &slot
	}
	out.Draft.AlternativeSlots = append([]Slot(nil), s.Draft.AlternativeSlots...)
	if s.LeadContact != nil {
		lc := *s.LeadContact
		out.LeadContact = &lc
	}
	out.Transcript = make([]Entry, len(s.Transcript))
	for i, e := range s.Transcript {
		out.Transcript[i] = e.clone()
	}
	return out
}

func (e Entry) clone() Entry {
	if e.Contact != nil {
		c := *e.Contact
		e.Contact = &c
	}
	return e
}

// Booking describes a confirmed meeting.
type Booking struct {
	Name       string
	Email      string
	Slot       Slot
	LeadID     int64
	BookingURL string
}

// LeadSource names how a lead id reached the session.
type LeadSource string

const (
	LeadFromChat        LeadSource = "chat"
	LeadFromBooking     LeadSource = "booking"
	LeadFromContactForm LeadSource = "contact_form"
	LeadFromBookMeeting LeadSource = "book_meeting"
)
