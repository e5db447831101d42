// chat talks to the assistant backend from a terminal, one controller per run.
// Run with: go run ./cmd/chat
// Reads the same env vars as the main server (source .env.dev first).
//
// Lines starting with "/" are commands:
//
//	/book <name> <email>      one-shot meeting request
//	/contact <name> <email>   send contact details as a lead
//	/state                    print the current mode and lead id
//	/quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dealdesk/internal/assistant"
	"dealdesk/internal/chatbot"
	"dealdesk/internal/config"
	"dealdesk/internal/format"
	"dealdesk/internal/logging"
)

// printer writes assistant entries as they are appended, including the
// delayed contact prompt.
type printer struct {
	chatbot.NopListener
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) EntryAppended(_ string, _ chatbot.Mode, e chatbot.Entry) {
	if e.Role != chatbot.RoleAssistant {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nassistant> %s\n", format.PlainText(e.Text))
	if e.Contact != nil && (e.Flags.IsError || e.Flags.ShowContactCTA) {
		fmt.Fprintf(p.out, "           email %s · schedule %s\n", e.Contact.EmailAddress, e.Contact.ScheduleLink)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// Only warnings and errors reach the terminal.
	logger, err := logging.New(cfg.Env, "warn")
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	catalogue, err := chatbot.LoadCopy(cfg.CopyPath)
	if err != nil {
		catalogue = chatbot.DefaultCopy()
	}

	contact := chatbot.ContactInfo{
		EmailAddress: cfg.SupportEmail,
		EmailLink:    "mailto:" + cfg.SupportEmail,
		ScheduleLink: cfg.SchedulingURL,
	}
	backend := assistant.NewClient(cfg.AssistantAPIURL,
		assistant.Contact{Email: contact.EmailAddress, EmailLink: contact.EmailLink, Schedule: contact.ScheduleLink},
		assistant.WithTimeout(cfg.AssistantTimeout),
		assistant.WithLogger(logger),
	)

	out := &printer{out: os.Stdout}
	c := chatbot.New(backend, chatbot.Options{
		FollowUpDelay: cfg.FollowUpDelay,
		OpenLink:      func(url string) { fmt.Printf("           booking link: %s\n", url) },
		Copy:          catalogue,
		Contact:       contact,
		Listener:      out,
		Logger:        logger,
	})
	// The welcome entry was appended before the printer could see it.
	for _, e := range c.Transcript() {
		out.EntryAppended(c.SessionID(), c.Mode(), e)
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		var err error
		switch {
		case line == "/quit":
			return
		case line == "/state":
			id, _ := c.LeadID()
			fmt.Printf("session %s · mode %s · lead %d\n", c.SessionID(), c.Mode(), id)
			continue
		case strings.HasPrefix(line, "/book "):
			name, email := splitNameEmail(strings.TrimPrefix(line, "/book "))
			_, err = c.BookMeeting(ctx, name, email)
		case strings.HasPrefix(line, "/contact "):
			name, email := splitNameEmail(strings.TrimPrefix(line, "/contact "))
			_, err = c.SubmitContact(ctx, chatbot.ContactForm{Name: name, Email: email})
		default:
			_, err = c.HandleUserMessage(ctx, line)
		}

		switch {
		case errors.Is(err, chatbot.ErrEmptyMessage):
		case err != nil:
			fmt.Printf("error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("chat: read stdin", zap.Error(err))
	}
}

// splitNameEmail treats the last field as the email and the rest as the name.
func splitNameEmail(s string) (string, string) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return s, ""
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
}
