package chatbot

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Copy is the assistant's message catalogue. Templates marked with a verb
// take the arguments noted next to them.
type Copy struct {
	Welcome             string `yaml:"welcome"`
	AskName             string `yaml:"ask_name"`
	InvalidName         string `yaml:"invalid_name"`
	AskEmail            string `yaml:"ask_email"` // %s: name
	InvalidEmail        string `yaml:"invalid_email"`
	AskTime             string `yaml:"ask_time"`
	AskTimeOfDay        string `yaml:"ask_time_of_day"` // %s: date
	ContinueTime        string `yaml:"continue_time"`
	ContinueConfirm     string `yaml:"continue_confirm"` // %s: slot
	SlotAvailable       string `yaml:"slot_available"`   // %s: slot
	AlternativesIntro   string `yaml:"alternatives_intro"`
	AlternativesOutro   string `yaml:"alternatives_outro"`
	AskNewTime          string `yaml:"ask_new_time"`
	AvailabilityTrouble string `yaml:"availability_trouble"`
	NoAvailability      string `yaml:"no_availability"`
	BookingTrouble      string `yaml:"booking_trouble"`
	BookingSuccess      string `yaml:"booking_success"` // %s: slot, %s: email
	BookingFailed       string `yaml:"booking_failed"`
	ChatFailure         string `yaml:"chat_failure"`
	ContactPrompt       string `yaml:"contact_prompt"`
	ContactThanks       string `yaml:"contact_thanks"` // %s: name, %s: email
	ContactFailed       string `yaml:"contact_failed"`
	MeetingBooked       string `yaml:"meeting_booked"` // %s: name
}

// DefaultCopy returns the built-in catalogue.
func DefaultCopy() *Copy {
	return &Copy{
		Welcome:             "Hi! I'm the firm's assistant. Ask me about our M&A advisory services, or say \"book a meeting\" to set up a consultation.",
		AskName:             "I'd be happy to set up a meeting with our team. First, what's your name?",
		InvalidName:         "Could you share your full name? It needs to be at least 2 characters.",
		AskEmail:            "Thanks, %s! What's the best email address to send the meeting invite to?",
		InvalidEmail:        "That doesn't look like a valid email address. Could you double-check it? (e.g. name@company.com)",
		AskTime:             "Great. When would you like to meet? You can say something like \"tomorrow at 2pm\" or \"next Tuesday morning\".",
		AskTimeOfDay:        "Got it, %s. What time of day works best for you?",
		ContinueTime:        "Whenever you're ready, just tell me a day and time that works for the meeting.",
		ContinueConfirm:     "Shall I book **%s** for you? Reply \"yes\" to confirm or tell me another time.",
		SlotAvailable:       "Good news, **%s** is available. Would you like me to book it? Reply \"yes\" to confirm or suggest another time.",
		AlternativesIntro:   "That time isn't available, but here are some open slots:",
		AlternativesOutro:   "Reply with the option number to book it, or suggest a different time.",
		AskNewTime:          "No problem. What other day or time would work for you?",
		AvailabilityTrouble: "I'm having trouble checking availability right now. Please try again in a moment, or book directly using the link below.",
		NoAvailability:      "I couldn't find an open slot for that time. You can pick a time directly using the scheduling link below.",
		BookingTrouble:      "I couldn't reach our calendar to confirm the booking. Please reply \"yes\" to try again, or book directly using the link below.",
		BookingSuccess:      "You're booked for **%s**. A calendar invite is on its way to %s. We look forward to speaking with you!",
		BookingFailed:       "Sorry, I wasn't able to complete that booking. You can still pick a time directly using the link below.",
		ChatFailure:         "Sorry, I'm having trouble connecting right now. Please reach out by email or book a time directly.",
		ContactPrompt:       "Would you like our team to follow up with you directly? Share your contact details and we'll be in touch.",
		ContactThanks:       "Thanks, %s! Our team will reach out to you at %s shortly.",
		ContactFailed:       "Sorry, I couldn't save your details just now. Please email us directly and we'll get back to you.",
		MeetingBooked:       "Thanks, %s! Your meeting request has been received.",
	}
}

// LoadCopy reads a YAML catalogue and overlays it on DefaultCopy. Keys left
// out of the file keep their default text.
func LoadCopy(path string) (*Copy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chatbot: read copy: %w", err)
	}
	var override Copy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("chatbot: parse copy YAML: %w", err)
	}
	c := DefaultCopy()
	c.merge(&override)
	return c, nil
}

func (c *Copy) merge(o *Copy) {
	pairs := []struct{ dst *string; src string }{
		{&c.Welcome, o.Welcome},
		{&c.AskName, o.AskName},
		{&c.InvalidName, o.InvalidName},
		{&c.AskEmail, o.AskEmail},
		{&c.InvalidEmail, o.InvalidEmail},
		{&c.AskTime, o.AskTime},
		{&c.AskTimeOfDay, o.AskTimeOfDay},
		{&c.ContinueTime, o.ContinueTime},
		{&c.ContinueConfirm, o.ContinueConfirm},
		{&c.SlotAvailable, o.SlotAvailable},
		{&c.AlternativesIntro, o.AlternativesIntro},
		{&c.AlternativesOutro, o.AlternativesOutro},
		{&c.AskNewTime, o.AskNewTime},
		{&c.AvailabilityTrouble, o.AvailabilityTrouble},
		{&c.NoAvailability, o.NoAvailability},
		{&c.BookingTrouble, o.BookingTrouble},
		{&c.BookingSuccess, o.BookingSuccess},
		{&c.BookingFailed, o.BookingFailed},
		{&c.ChatFailure, o.ChatFailure},
		{&c.ContactPrompt, o.ContactPrompt},
		{&c.ContactThanks, o.ContactThanks},
		{&c.ContactFailed, o.ContactFailed},
		{&c.MeetingBooked, o.MeetingBooked},
	}
	for _, p := range pairs {
		if s := strings.TrimSpace(p.src); s != "" {
			*p.dst = s
		}
	}
}

// alternatives renders the numbered option list.
func (c *Copy) alternatives(lead string, slots []Slot) string {
	var b strings.Builder
	if lead != "" {
		b.WriteString(lead)
	} else {
		b.WriteString(c.AlternativesIntro)
	}
	b.WriteString("\n")
	for i, s := range slots {
		fmt.Fprintf(&b, "\n%d. **%s**", i+1, s.DisplayText)
	}
	b.WriteString("\n\n")
	b.WriteString(c.AlternativesOutro)
	return b.String()
}
