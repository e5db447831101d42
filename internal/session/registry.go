package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dealdesk/internal/chatbot"
	"dealdesk/internal/models"
)

const whatsAppPrefix = "wa_"

// WhatsAppSessionID is the session id of a WhatsApp sender.
func WhatsAppSessionID(phone string) string { return whatsAppPrefix + phone }

// Registry hands out live controllers, restoring them from the store when
// they are not in memory.
type Registry struct {
	backend  chatbot.Backend
	store    Store
	opts     chatbot.Options
	recorder *Recorder
	log      *zap.Logger

	mu       sync.Mutex
	live     map[string]*chatbot.Controller
	lastSeen map[string]time.Time
	leases   map[string]int
}

// NewRegistry uses opts as the template for every controller it creates.
// opts.Listener, if set, is called before the recorder.
func NewRegistry(backend chatbot.Backend, store Store, opts chatbot.Options, recorder *Recorder) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = NewRecorder(nil, nil, logger)
	}
	return &Registry{
		backend:  backend,
		store:    store,
		opts:     opts,
		recorder: recorder,
		log:      logger,
		live:     make(map[string]*chatbot.Controller),
		lastSeen: make(map[string]time.Time),
		leases:   make(map[string]int),
	}
}

// Create starts a new conversation on channel.
func (r *Registry) Create(ctx context.Context, channel string) (*chatbot.Controller, error) {
	gen := r.opts.NewSessionID
	if gen == nil {
		gen = chatbot.NewSessionID
	}
	return r.start(ctx, gen(), channel, false)
}

// Get returns the live controller for id, restoring it from the store if
// needed. Unknown ids yield ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*chatbot.Controller, error) {
	return r.get(ctx, id, false)
}

// GetOrCreate is Get for channels whose session id is derived from the
// sender; unknown ids start a new conversation.
func (r *Registry) GetOrCreate(ctx context.Context, id, channel string) (*chatbot.Controller, error) {
	c, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return r.start(ctx, id, channel, false)
	}
	return c, err
}

// Acquire is Get with a lease: Sweep keeps the controller in memory until
// release is called, so no second controller is restored for id meanwhile.
func (r *Registry) Acquire(ctx context.Context, id string) (*chatbot.Controller, func(), error) {
	c, err := r.get(ctx, id, true)
	if err != nil {
		return nil, nil, err
	}
	return c, r.releaser(id), nil
}

// AcquireOrCreate is GetOrCreate with a lease.
func (r *Registry) AcquireOrCreate(ctx context.Context, id, channel string) (*chatbot.Controller, func(), error) {
	c, err := r.get(ctx, id, true)
	if errors.Is(err, ErrNotFound) {
		c, err = r.start(ctx, id, channel, true)
	}
	if err != nil {
		return nil, nil, err
	}
	return c, r.releaser(id), nil
}

func (r *Registry) get(ctx context.Context, id string, lease bool) (*chatbot.Controller, error) {
	if c := r.lookup(id, lease); c != nil {
		return c, nil
	}

	st, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c := chatbot.Restore(r.backend, st, r.optionsFor(id, channelOf(id)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if lease {
		r.leases[id]++
	}
	r.lastSeen[id] = time.Now()
	if existing, ok := r.live[id]; ok {
		return existing, nil
	}
	r.live[id] = c
	r.log.Debug("session: restored", zap.String("session_id", id), zap.Stringer("mode", c.Mode()))
	return c, nil
}

func (r *Registry) releaser(id string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.leases[id]--; r.leases[id] <= 0 {
				delete(r.leases, id)
			}
			r.lastSeen[id] = time.Now()
		})
	}
}

// Save snapshots c into the store.
func (r *Registry) Save(ctx context.Context, c *chatbot.Controller) error {
	return r.store.Save(ctx, c.Snapshot())
}

// Sweep drops controllers idle for longer than maxIdle from memory. Leased or
// busy controllers stay. Their snapshots stay in the store.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, seen := range r.lastSeen {
		if seen.Before(cutoff) && r.leases[id] == 0 && !r.live[id].Busy() {
			delete(r.live, id)
			delete(r.lastSeen, id)
			n++
		}
	}
	return n
}

func (r *Registry) start(ctx context.Context, id, channel string, lease bool) (*chatbot.Controller, error) {
	if err := r.recorder.Track(id, channel); err != nil {
		return nil, err
	}
	opts := r.optionsFor(id, channel)
	opts.NewSessionID = func() string { return id }
	c := chatbot.New(r.backend, opts)

	r.mu.Lock()
	r.live[id] = c
	r.lastSeen[id] = time.Now()
	if lease {
		r.leases[id]++
	}
	r.mu.Unlock()

	if err := r.Save(ctx, c); err != nil {
		if lease {
			r.releaser(id)()
		}
		return nil, err
	}
	r.log.Info("session: started", zap.String("session_id", id), zap.String("channel", channel))
	return c, nil
}

func (r *Registry) lookup(id string, lease bool) *chatbot.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live[id]
	if ok {
		r.lastSeen[id] = time.Now()
		if lease {
			r.leases[id]++
		}
	}
	return c
}

func (r *Registry) optionsFor(id, channel string) chatbot.Options {
	opts := r.opts
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	if opts.Listener != nil {
		opts.Listener = chatbot.Listeners{opts.Listener, r.recorder}
	} else {
		opts.Listener = r.recorder
	}

	// WhatsApp replies are sent once per pass, so nothing may arrive later.
	if channel == models.ChannelWhatsApp {
		opts.FollowUpDelay = 0
		return opts
	}

	after := opts.AfterFunc
	if after == nil {
		after = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	opts.AfterFunc = func(d time.Duration, f func()) {
		after(d, func() {
			f()
			r.saveLive(id)
		})
	}
	return opts
}

// saveLive persists a controller after a deferred append.
func (r *Registry) saveLive(id string) {
	c := r.lookup(id, false)
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Save(ctx, c); err != nil {
		r.log.Warn("session: save after follow-up", zap.String("session_id", id), zap.Error(err))
	}
}

func channelOf(id string) string {
	if strings.HasPrefix(id, whatsAppPrefix) {
		return models.ChannelWhatsApp
	}
	return models.ChannelWeb
}
