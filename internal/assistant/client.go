// Package assistant is the HTTP transport to the firm's remote assistant
// backend: general chat, availability checks and booking confirmation.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/metrics"
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 15 * time.Second

// fallbackMessage is what the user sees when the backend cannot be reached.
const fallbackMessage = "Sorry, I'm having trouble connecting right now. Please email us or book a time directly and our team will get back to you."

// TransportError reports a call that never produced a usable backend reply:
// timeout, network error, non-2xx status or an undecodable body.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("assistant: %s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("assistant: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	fallback Contact
	logger   *zap.Logger
}

type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client (tests, custom transports).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the backend rooted at baseURL. fallback is
// attached to every normalized failure response.
func NewClient(baseURL string, fallback Contact, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		timeout:  DefaultTimeout,
		fallback: fallback,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Every method below returns a non-nil response. On transport failure the
// response is the normalized fallback and err is a *TransportError.

func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.post(ctx, "chat", req, &out); err != nil {
		return &ChatResponse{Envelope: c.failure()}, err
	}
	return &out, nil
}

func (c *Client) CheckAvailability(ctx context.Context, req AvailabilityRequest) (*AvailabilityResponse, error) {
	var out AvailabilityResponse
	if err := c.post(ctx, "check-availability", req, &out); err != nil {
		return &AvailabilityResponse{Envelope: c.failure()}, err
	}
	return &out, nil
}

func (c *Client) ConfirmBooking(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	var out ConfirmResponse
	if err := c.post(ctx, "confirm-booking", req, &out); err != nil {
		return &ConfirmResponse{Envelope: c.failure()}, err
	}
	return &out, nil
}

func (c *Client) BookMeeting(ctx context.Context, req BookMeetingRequest) (*BookMeetingResponse, error) {
	var out BookMeetingResponse
	if err := c.post(ctx, "book-meeting", req, &out); err != nil {
		return &BookMeetingResponse{Envelope: c.failure()}, err
	}
	return &out, nil
}

func (c *Client) SubmitLead(ctx context.Context, req LeadRequest) (*LeadResponse, error) {
	var out LeadResponse
	if err := c.post(ctx, "lead", req, &out); err != nil {
		return &LeadResponse{Envelope: c.failure()}, err
	}
	return &out, nil
}

// failure returns the normalized response used when a call fails entirely.
func (c *Client) failure() Envelope {
	contact := c.fallback
	return Envelope{
		Success: false,
		Message: fallbackMessage,
		Contact: &contact,
	}
}

func (c *Client) post(ctx context.Context, op string, in, out any) (err error) {
	start := time.Now()
	status := 0
	defer func() {
		label := "ok"
		switch {
		case status != 0 && err != nil:
			label = strconv.Itoa(status)
		case err != nil:
			label = "error"
		}
		metrics.ObserveBackend(op, label, time.Since(start))
		if err != nil {
			c.logger.Warn("assistant: request failed", zap.String("op", op), zap.Error(err))
		}
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		return &TransportError{Op: op, Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
