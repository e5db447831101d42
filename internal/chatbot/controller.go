// Package chatbot implements the booking-capable chat session: a small state
// machine that answers free-form questions through the assistant backend and
// walks a visitor through name, email and time selection to a confirmed
// meeting.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/assistant"
)

var (
	ErrBusy         = errors.New("chatbot: a message is already being handled")
	ErrEmptyMessage = errors.New("chatbot: empty message")
	ErrInvalidName  = errors.New("chatbot: name must be at least 2 characters")
	ErrInvalidEmail = errors.New("chatbot: invalid email address")
)

// Backend is the remote assistant. *assistant.Client implements it. Every
// method must return a non-nil response, also when err != nil.
type Backend interface {
	Chat(ctx context.Context, req assistant.ChatRequest) (*assistant.ChatResponse, error)
	CheckAvailability(ctx context.Context, req assistant.AvailabilityRequest) (*assistant.AvailabilityResponse, error)
	ConfirmBooking(ctx context.Context, req assistant.ConfirmRequest) (*assistant.ConfirmResponse, error)
	BookMeeting(ctx context.Context, req assistant.BookMeetingRequest) (*assistant.BookMeetingResponse, error)
	SubmitLead(ctx context.Context, req assistant.LeadRequest) (*assistant.LeadResponse, error)
}

type Options struct {
	NewSessionID func() string
	Now          func() time.Time
	// FollowUpDelay postpones the contact prompt offered after replies that
	// mention a consultation. Zero or less appends it in the same pass.
	FollowUpDelay time.Duration
	AfterFunc     func(d time.Duration, f func())
	// OpenLink receives the scheduling link of a successful booking.
	OpenLink func(url string)
	Copy     *Copy
	Contact  ContactInfo
	Listener Listener
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.NewSessionID == nil {
		o.NewSessionID = NewSessionID
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	if o.OpenLink == nil {
		o.OpenLink = func(string) {}
	}
	if o.Copy == nil {
		o.Copy = DefaultCopy()
	}
	if o.Listener == nil {
		o.Listener = NopListener{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ContactForm is the "provide contact info" mini-form.
type ContactForm struct {
	Name     string
	Email    string
	Phone    string
	Interest string
	Message  string
}

// Controller owns one conversation. Only one message is processed at a time;
// accessors block while a pass is waiting on the backend.
type Controller struct {
	backend Backend
	opts    Options
	log     *zap.Logger

	busy atomic.Bool

	mu    sync.Mutex
	state State
	pass  []Entry
}

// New starts a conversation in ModeNormal with a welcome message.
func New(backend Backend, opts Options) *Controller {
	c := newController(backend, opts)
	c.state = State{Mode: ModeNormal, SessionID: c.opts.NewSessionID()}
	c.log = c.log.With(zap.String("session_id", c.state.SessionID))

	c.mu.Lock()
	c.say(c.opts.Copy.Welcome, Flags{}, nil)
	c.mu.Unlock()
	return c
}

// Restore resumes a conversation from a snapshot.
func Restore(backend Backend, st State, opts Options) *Controller {
	c := newController(backend, opts)
	c.state = st.clone()
	if c.state.SessionID == "" {
		c.state.SessionID = c.opts.NewSessionID()
	}
	c.log = c.log.With(zap.String("session_id", c.state.SessionID))
	return c
}

func newController(backend Backend, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{backend: backend, opts: opts, log: opts.Logger}
}

// ─── Accessors ────────────────────────────────────────────────────────────────

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SessionID
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

// LeadID returns the CRM lead id, if the backend has associated one.
func (c *Controller) LeadID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LeadID, c.state.LeadID > 0
}

func (c *Controller) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone().Transcript
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Busy reports whether a pass is in flight.
func (c *Controller) Busy() bool { return c.busy.Load() }

// ─── Operations ───────────────────────────────────────────────────────────────

// HandleUserMessage appends the user's message and runs one pass of the state
// machine. It returns the entries appended during the pass, the user's own
// entry first. Backend failures become transcript entries, never errors.
func (c *Controller) HandleUserMessage(ctx context.Context, text string) ([]Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return c.run(func() {
		mode := c.state.Mode
		c.append(Entry{Role: RoleUser, Text: text})

		switch mode {
		case ModeAwaitingName:
			c.handleName(text)
		case ModeAwaitingEmail:
			c.handleEmail(text)
		case ModeAwaitingTime:
			c.handleTime(ctx, text)
		case ModeAwaitingConfirmation:
			c.handleConfirmation(ctx, text)
		default:
			c.handleNormal(ctx, text)
		}
	})
}

// SubmitContact sends the contact mini-form to the backend as a lead.
func (c *Controller) SubmitContact(ctx context.Context, f ContactForm) ([]Entry, error) {
	f.Name = strings.TrimSpace(f.Name)
	f.Email = strings.TrimSpace(f.Email)
	f.Phone = strings.TrimSpace(f.Phone)
	if !ValidName(f.Name) {
		return nil, ErrInvalidName
	}
	if !ValidEmail(f.Email) {
		return nil, ErrInvalidEmail
	}
	return c.run(func() {
		resp, err := c.backend.SubmitLead(ctx, assistant.LeadRequest{
			Name:      f.Name,
			Email:     f.Email,
			Phone:     f.Phone,
			Interest:  f.Interest,
			Message:   f.Message,
			SessionID: c.state.SessionID,
		})
		if err != nil {
			c.log.Warn("chatbot: lead submission failed", zap.Error(err))
			c.say(c.opts.Copy.ContactFailed, Flags{IsError: true}, c.contactFrom(resp.Contact))
			return
		}
		if !resp.Success {
			c.say(orDefault(resp.Message, c.opts.Copy.ContactFailed), Flags{IsError: true}, c.contactFrom(resp.Contact))
			return
		}

		c.state.LeadContact = &LeadContact{Name: f.Name, Email: f.Email, Phone: f.Phone}
		c.setLead(resp.LeadID, LeadFromContactForm)

		info := c.fallbackContact()
		if resp.NextSteps != nil && resp.NextSteps.Contact != "" {
			info.EmailAddress = resp.NextSteps.Contact
			info.EmailLink = "mailto:" + resp.NextSteps.Contact
		}
		c.say(fmt.Sprintf(c.opts.Copy.ContactThanks, f.Name, f.Email), Flags{IsSuccess: true}, info)
	})
}

// BookMeeting is the single-step booking path for callers that already have
// the visitor's name and email.
func (c *Controller) BookMeeting(ctx context.Context, name, email string) ([]Entry, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	if !ValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	return c.run(func() {
		resp, err := c.backend.BookMeeting(ctx, assistant.BookMeetingRequest{
			Name:      name,
			Email:     email,
			SessionID: c.state.SessionID,
		})
		if err != nil {
			c.log.Warn("chatbot: book-meeting failed", zap.Error(err))
			c.say(orDefault(resp.Message, c.opts.Copy.BookingFailed), Flags{IsError: true}, c.contactFrom(resp.Contact))
			return
		}
		if !resp.Success {
			c.opts.Listener.BookingFailed(c.state.SessionID, "book_meeting_rejected")
			c.say(orDefault(resp.Message, c.opts.Copy.BookingFailed), Flags{IsError: true}, c.fallbackContact())
			return
		}

		lc := c.mergeContact(name, email)
		c.state.LeadContact = &lc
		c.setLead(resp.LeadID, LeadFromBookMeeting)

		info := c.fallbackContact()
		if resp.NextSteps != nil && resp.NextSteps.Calendly != "" {
			info.ScheduleLink = resp.NextSteps.Calendly
			c.opts.OpenLink(resp.NextSteps.Calendly)
		}
		c.say(orDefault(resp.Message, fmt.Sprintf(c.opts.Copy.MeetingBooked, name)), Flags{IsSuccess: true}, info)
		c.resetDraft()
	})
}

// run executes fn as one pass under the busy gate and the state lock.
func (c *Controller) run(fn func()) ([]Entry, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pass = []Entry{}
	fn()
	out := c.pass
	c.pass = nil
	return out, nil
}

// ─── Mode handlers ────────────────────────────────────────────────────────────

func (c *Controller) handleNormal(ctx context.Context, text string) {
	if DetectMeetingIntent(text) {
		c.setMode(ModeAwaitingName)
		c.say(c.opts.Copy.AskName, Flags{}, nil)
		return
	}
	c.forwardToChat(ctx, text, true)
}

func (c *Controller) handleName(text string) {
	if !ValidName(text) {
		c.say(c.opts.Copy.InvalidName, Flags{}, nil)
		return
	}
	c.state.Draft.Name = text
	c.setMode(ModeAwaitingEmail)
	c.say(fmt.Sprintf(c.opts.Copy.AskEmail, text), Flags{}, nil)
}

func (c *Controller) handleEmail(text string) {
	if !ValidEmail(text) {
		c.say(c.opts.Copy.InvalidEmail, Flags{}, nil)
		return
	}
	c.state.Draft.Email = text
	c.setMode(ModeAwaitingTime)
	c.say(c.opts.Copy.AskTime, Flags{}, nil)
}

func (c *Controller) handleTime(ctx context.Context, text string) {
	d := &c.state.Draft
	cls := Classify(text)

	if cls.IsConfirmation && d.PendingDate != "" {
		c.say(fmt.Sprintf(c.opts.Copy.AskTimeOfDay, d.PendingDate), Flags{}, nil)
		return
	}
	if cls.IsQuestion && !cls.IsTimeExpression {
		c.forwardToChat(ctx, text, false)
		c.remind()
		return
	}

	pref := text
	if d.PendingDate != "" {
		pref = fmt.Sprintf("on %s at %s", d.PendingDate, text)
	}
	c.checkAvailability(ctx, pref, text)
}

func (c *Controller) handleConfirmation(ctx context.Context, text string) {
	d := &c.state.Draft

	if idx, ok := parseOption(text, len(d.AlternativeSlots)); ok {
		slot := d.AlternativeSlots[idx]
		d.ProposedSlot = &slot
		c.confirmBooking(ctx)
		return
	}
	if isNegative(text) {
		d.PendingDate = ""
		d.ProposedSlot = nil
		d.AlternativeSlots = nil
		c.setMode(ModeAwaitingTime)
		c.say(c.opts.Copy.AskNewTime, Flags{}, nil)
		return
	}
	if isAffirmative(text) {
		c.confirmBooking(ctx)
		return
	}

	// Anything else is a new time preference.
	d.PendingDate = ""
	c.checkAvailability(ctx, text, text)
}

// ─── Backend steps ────────────────────────────────────────────────────────────

func (c *Controller) checkAvailability(ctx context.Context, pref, original string) {
	d := &c.state.Draft
	d.TimePreference = pref

	resp, err := c.backend.CheckAvailability(ctx, assistant.AvailabilityRequest{
		TimePreference: pref,
		Name:           d.Name,
		Email:          d.Email,
		SessionID:      c.state.SessionID,
	})
	if err != nil {
		c.log.Warn("chatbot: availability check failed", zap.Error(err))
		c.say(c.opts.Copy.AvailabilityTrouble, Flags{IsError: true}, c.contactFrom(resp.Contact))
		return
	}

	switch {
	case resp.NeedsTime:
		date := orDefault(resp.ParsedDate, original)
		d.PendingDate = date
		c.setMode(ModeAwaitingTime)
		c.say(orDefault(resp.Message, fmt.Sprintf(c.opts.Copy.AskTimeOfDay, date)), Flags{}, nil)

	case resp.Success && resp.Available && resp.SuggestedTime != nil:
		slot := slotFrom(*resp.SuggestedTime)
		d.ProposedSlot = &slot
		d.PendingDate = ""
		d.AlternativeSlots = slotsFrom(resp.Alternatives)
		c.setMode(ModeAwaitingConfirmation)
		c.say(fmt.Sprintf(c.opts.Copy.SlotAvailable, slot.DisplayText), Flags{}, nil)

	case resp.Success && len(resp.Alternatives) > 0:
		alts := slotsFrom(resp.Alternatives)
		first := alts[0]
		d.ProposedSlot = &first
		d.PendingDate = ""
		d.AlternativeSlots = alts
		c.setMode(ModeAwaitingConfirmation)
		c.say(c.opts.Copy.alternatives(resp.Message, alts), Flags{}, nil)

	case !resp.Success && resp.Reason == assistant.ReasonNotATime:
		// Any proposed slot is dropped and the flow asks for a time again.
		d.ProposedSlot = nil
		d.AlternativeSlots = nil
		c.setMode(ModeAwaitingTime)
		c.forwardToChat(ctx, original, false)
		c.remind()

	default:
		c.opts.Listener.BookingFailed(c.state.SessionID, orDefault(resp.Reason, "no_availability"))
		c.say(orDefault(resp.Message, c.opts.Copy.NoAvailability), Flags{IsError: true}, c.fallbackContact())
		c.resetDraft()
	}
}

func (c *Controller) confirmBooking(ctx context.Context) {
	d := &c.state.Draft
	if d.ProposedSlot == nil {
		c.setMode(ModeAwaitingTime)
		c.say(c.opts.Copy.AskTime, Flags{}, nil)
		return
	}
	slot := *d.ProposedSlot

	resp, err := c.backend.ConfirmBooking(ctx, assistant.ConfirmRequest{
		Name:      d.Name,
		Email:     d.Email,
		StartTime: slot.StartTime,
		SessionID: c.state.SessionID,
	})
	if err != nil {
		// Mode is kept so a plain "yes" retries the same slot.
		c.log.Warn("chatbot: booking confirmation failed", zap.Error(err))
		c.say(c.opts.Copy.BookingTrouble, Flags{IsError: true}, c.contactFrom(resp.Contact))
		return
	}
	if !resp.Success {
		c.opts.Listener.BookingFailed(c.state.SessionID, "rejected")
		info := c.fallbackContact()
		if resp.FallbackURL != "" {
			info.ScheduleLink = resp.FallbackURL
		}
		c.say(orDefault(resp.Message, c.opts.Copy.BookingFailed), Flags{IsError: true}, info)
		c.resetDraft()
		return
	}

	lc := c.mergeContact(d.Name, d.Email)
	c.state.LeadContact = &lc
	c.setLead(resp.LeadID, LeadFromBooking)

	info := c.fallbackContact()
	var bookingURL string
	if resp.Booking != nil && resp.Booking.BookingURL != "" {
		bookingURL = resp.Booking.BookingURL
		info.ScheduleLink = bookingURL
		c.opts.OpenLink(bookingURL)
	}
	c.opts.Listener.BookingConfirmed(c.state.SessionID, Booking{
		Name:       d.Name,
		Email:      d.Email,
		Slot:       slot,
		LeadID:     c.state.LeadID,
		BookingURL: bookingURL,
	})
	c.say(fmt.Sprintf(c.opts.Copy.BookingSuccess, slot.DisplayText, d.Email), Flags{IsSuccess: true}, info)
	c.resetDraft()
}

// forwardToChat sends text to the general chat endpoint and appends the reply.
func (c *Controller) forwardToChat(ctx context.Context, text string, offerContact bool) {
	req := assistant.ChatRequest{
		Message:   text,
		SessionID: c.state.SessionID,
		LeadID:    c.state.LeadID,
	}
	if lc := c.state.LeadContact; lc != nil {
		req.Name, req.Email, req.Phone = lc.Name, lc.Email, lc.Phone
	}

	resp, err := c.backend.Chat(ctx, req)
	if err != nil {
		c.log.Warn("chatbot: chat call failed", zap.Error(err))
		c.say(orDefault(resp.Message, c.opts.Copy.ChatFailure), Flags{IsError: true}, c.contactFrom(resp.Contact))
		return
	}
	if !resp.Success {
		c.say(orDefault(resp.Message, c.opts.Copy.ChatFailure), Flags{IsError: true}, c.contactFrom(resp.Contact))
		return
	}

	c.setLead(resp.LeadID, LeadFromChat)
	if strings.TrimSpace(resp.Message) == "" {
		c.say(c.opts.Copy.ChatFailure, Flags{IsError: true}, c.contactFrom(resp.Contact))
		return
	}
	var info *ContactInfo
	if resp.Contact != nil {
		info = c.contactFrom(resp.Contact)
	}
	c.say(resp.Message, Flags{}, info)

	if offerContact && mentionsFollowUp(resp.Message) && !c.hasContactEmail() {
		c.scheduleContactPrompt()
	}
}

func (c *Controller) scheduleContactPrompt() {
	if c.opts.FollowUpDelay <= 0 {
		c.offerContact()
		return
	}
	c.opts.AfterFunc(c.opts.FollowUpDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.offerContact()
	})
}

func (c *Controller) offerContact() {
	if c.hasContactEmail() {
		return
	}
	c.say(c.opts.Copy.ContactPrompt, Flags{ShowContactCTA: true}, nil)
}

func (c *Controller) remind() {
	if c.state.Mode == ModeAwaitingConfirmation && c.state.Draft.ProposedSlot != nil {
		c.say(fmt.Sprintf(c.opts.Copy.ContinueConfirm, c.state.Draft.ProposedSlot.DisplayText), Flags{}, nil)
		return
	}
	c.say(c.opts.Copy.ContinueTime, Flags{}, nil)
}

// ─── State helpers (caller holds c.mu) ────────────────────────────────────────

func (c *Controller) append(e Entry) {
	if e.ID == "" {
		e.ID = newEntryID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.opts.Now()
	}
	c.state.Transcript = append(c.state.Transcript, e)
	if c.pass != nil {
		c.pass = append(c.pass, e.clone())
	}
	c.opts.Listener.EntryAppended(c.state.SessionID, c.state.Mode, e.clone())
}

func (c *Controller) say(text string, flags Flags, contact *ContactInfo) {
	c.append(Entry{Role: RoleAssistant, Text: text, Flags: flags, Contact: contact})
}

func (c *Controller) setMode(to Mode) {
	from := c.state.Mode
	if from == to {
		return
	}
	c.state.Mode = to
	c.log.Debug("chatbot: mode change", zap.Stringer("from", from), zap.Stringer("to", to))
	c.opts.Listener.ModeChanged(c.state.SessionID, from, to)
}

// resetDraft clears the booking draft and returns to ModeNormal.
func (c *Controller) resetDraft() {
	c.state.Draft = BookingDraft{}
	c.setMode(ModeNormal)
}

// setLead records a backend lead id. Invalid ids are ignored.
func (c *Controller) setLead(id assistant.LeadID, source LeadSource) {
	if !id.Valid() || int64(id) == c.state.LeadID {
		return
	}
	c.state.LeadID = int64(id)
	var contact LeadContact
	if c.state.LeadContact != nil {
		contact = *c.state.LeadContact
	}
	c.opts.Listener.LeadCaptured(c.state.SessionID, source, c.state.LeadID, contact)
}

// mergeContact keeps a phone number captured earlier by the contact form.
func (c *Controller) mergeContact(name, email string) LeadContact {
	lc := LeadContact{Name: name, Email: email}
	if c.state.LeadContact != nil {
		lc.Phone = c.state.LeadContact.Phone
	}
	return lc
}

func (c *Controller) hasContactEmail() bool {
	return c.state.LeadContact != nil && c.state.LeadContact.Email != ""
}

func (c *Controller) fallbackContact() *ContactInfo {
	info := c.opts.Contact
	return &info
}

// contactFrom converts a backend contact block, falling back to the
// configured support contact for any missing field.
func (c *Controller) contactFrom(bc *assistant.Contact) *ContactInfo {
	info := c.fallbackContact()
	if bc == nil {
		return info
	}
	info.EmailAddress = orDefault(bc.Email, info.EmailAddress)
	info.EmailLink = orDefault(bc.EmailLink, info.EmailLink)
	info.ScheduleLink = orDefault(bc.Schedule, info.ScheduleLink)
	return info
}

func slotFrom(o assistant.SlotOffer) Slot {
	return Slot{StartTime: o.StartTime, DisplayText: orDefault(o.Formatted, o.StartTime)}
}

func slotsFrom(offers []assistant.SlotOffer) []Slot {
	if len(offers) == 0 {
		return nil
	}
	out := make([]Slot, len(offers))
	for i, o := range offers {
		out[i] = slotFrom(o)
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
