package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"dealdesk/internal/assistant"
	"dealdesk/internal/chatbot"
	"dealdesk/internal/config"
	"dealdesk/internal/database"
	"dealdesk/internal/format"
	"dealdesk/internal/handlers"
	"dealdesk/internal/logging"
	"dealdesk/internal/notify"
	"dealdesk/internal/session"
)

// sweepEvery is how often idle controllers and rate limiters are dropped
// from memory.
const sweepEvery = 5 * time.Minute

func main() {
	// 1. Load and validate all environment variables. Fail fast.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	// 2. Message catalogue. The file is optional.
	catalogue, err := chatbot.LoadCopy(cfg.CopyPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("copy: no catalogue file, using defaults", zap.String("path", cfg.CopyPath))
		catalogue = chatbot.DefaultCopy()
	} else if err != nil {
		logger.Fatal("copy: load failed", zap.Error(err))
	}

	// 3. SQLite audit store.
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("database: open failed", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer db.Close()

	// 4. Session snapshots: Redis when configured, memory otherwise.
	var store session.Store
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := session.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			logger.Fatal("redis: connect failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer client.Close()
		store = session.NewRedisStore(client, cfg.SessionTTL)
		logger.Info("session: using redis store", zap.String("addr", cfg.RedisAddr))
	} else {
		store = session.NewMemoryStore(cfg.SessionTTL)
		logger.Info("session: using in-memory store")
	}

	// 5. Remote assistant backend.
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

	// 6. Staff notifications and the session registry.
	var notifier notify.Notifier = notify.Nop{}
	if cfg.SlackEnabled() {
		notifier = notify.NewSlack(cfg.SlackWebhookURL)
	}
	recorder := session.NewRecorder(db, notifier, logger)
	registry := session.NewRegistry(backend, store, chatbot.Options{
		FollowUpDelay: cfg.FollowUpDelay,
		Copy:          catalogue,
		Contact:       contact,
		Logger:        logger,
	}, recorder)

	// 7. Router.
	limiter := handlers.NewRateLimiter(cfg.RateLimitPerMinute, logger)
	env := &handlers.Env{
		Cfg:      cfg,
		DB:       db,
		Sessions: registry,
		Format:   format.New(cfg.SupportEmail),
		Limiter:  limiter,
		Log:      logger,
	}
	r := handlers.NewRouter(env)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler(r),
		ReadHeaderTimeout: 10 * time.Second,
		// Long enough for an availability check followed by a chat call.
		WriteTimeout: 3*cfg.AssistantTimeout + 10*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweep(ctx, registry, limiter, cfg.SessionTTL, logger)

	// 8. Start the server.
	go func() {
		logger.Info("server: listening", zap.String("addr", srv.Addr),
			zap.Bool("whatsapp", cfg.WhatsAppEnabled()), zap.Bool("slack", cfg.SlackEnabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server: listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server: shutdown", zap.Error(err))
	}
}

func sweep(ctx context.Context, registry *session.Registry, limiter *handlers.RateLimiter, idle time.Duration, logger *zap.Logger) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := registry.Sweep(idle); n > 0 {
				logger.Debug("session: swept idle controllers", zap.Int("count", n))
			}
			// A limiter idle for a minute has refilled its burst.
			if n := limiter.Prune(time.Minute); n > 0 {
				logger.Debug("http: pruned idle rate limiters", zap.Int("count", n))
			}
		}
	}
}
