package chatbot

// Listener observes a controller. Methods are called synchronously while the
// controller's lock is held, so implementations must not call back into it.
type Listener interface {
	EntryAppended(sessionID string, mode Mode, e Entry)
	ModeChanged(sessionID string, from, to Mode)
	LeadCaptured(sessionID string, source LeadSource, leadID int64, contact LeadContact)
	BookingConfirmed(sessionID string, b Booking)
	BookingFailed(sessionID string, reason string)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) EntryAppended(string, Mode, Entry) {}
func (NopListener) ModeChanged(string, Mode, Mode) {}
func (NopListener) LeadCaptured(string, LeadSource, int64, LeadContact) {}
func (NopListener) BookingConfirmed(string, Booking) {}
func (NopListener) BookingFailed(string, string) {}

// Listeners fans events out in order.
type Listeners []Listener

func (ls Listeners) EntryAppended(id string, mode Mode, e Entry) {
	for _, l := range ls {
		l.EntryAppended(id, mode, e)
	}
}

func (ls Listeners) ModeChanged(id string, from, to Mode) {
	for _, l := range ls {
		l.ModeChanged(id, from, to)
	}
}

func (ls Listeners) LeadCaptured(id string, source LeadSource, leadID int64, contact LeadContact) {
	for _, l := range ls {
		l.LeadCaptured(id, source, leadID, contact)
	}
}

func (ls Listeners) BookingConfirmed(id string, b Booking) {
	for _, l := range ls {
		l.BookingConfirmed(id, b)
	}
}

func (ls Listeners) BookingFailed(id string, reason string) {
	for _, l := range ls {
		l.BookingFailed(id, reason)
	}
}
