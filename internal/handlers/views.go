package handlers

import (
	"time"

	"dealdesk/internal/chatbot"
	"dealdesk/internal/format"
)

// EntryView is a transcript entry as the widget renders it.
type EntryView struct {
	ID        string               `json:"id"`
	Role      chatbot.Role         `json:"role"`
	Text      string               `json:"text"`
	Blocks    []format.Block       `json:"blocks,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Flags     chatbot.Flags        `json:"flags"`
	Contact   *chatbot.ContactInfo `json:"contact,omitempty"`
}

type SessionView struct {
	SessionID  string       `json:"sessionId"`
	Mode       chatbot.Mode `json:"mode"`
	LeadID     int64        `json:"leadId,omitempty"`
	Busy       bool         `json:"busy"`
	Transcript []EntryView  `json:"transcript"`
}

// PassView is the response to a submission: only the entries it appended.
type PassView struct {
	SessionID string       `json:"sessionId"`
	Mode      chatbot.Mode `json:"mode"`
	LeadID    int64        `json:"leadId,omitempty"`
	Paused    bool         `json:"paused,omitempty"`
	Entries   []EntryView  `json:"entries"`
}

func (e *Env) entryViews(entries []chatbot.Entry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, en := range entries {
		v := EntryView{
			ID:        en.ID,
			Role:      en.Role,
			Text:      en.Text,
			Timestamp: en.Timestamp,
			Flags:     en.Flags,
			Contact:   en.Contact,
		}
		if en.Role == chatbot.RoleAssistant {
			v.Blocks = e.Format.Format(en.Text)
		}
		out = append(out, v)
	}
	return out
}

func (e *Env) sessionView(c *chatbot.Controller) SessionView {
	busy := c.Busy()
	st := c.Snapshot()
	return SessionView{
		SessionID:  st.SessionID,
		Mode:       st.Mode,
		LeadID:     st.LeadID,
		Busy:       busy,
		Transcript: e.entryViews(st.Transcript),
	}
}

func (e *Env) passView(c *chatbot.Controller, entries []chatbot.Entry) PassView {
	st := c.Snapshot()
	return PassView{
		SessionID: st.SessionID,
		Mode:      st.Mode,
		LeadID:    st.LeadID,
		Entries:   e.entryViews(entries),
	}
}
