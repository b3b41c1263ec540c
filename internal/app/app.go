package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/dialogue"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/metrics"
	"crewline/internal/migrate"
	"crewline/internal/notify"
	"crewline/internal/render"
	"crewline/internal/server"
	"crewline/internal/telegram"
)

// App holds every long-lived component of a running bot.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Admins  *config.AdminSet
	Engine  engine.Engine
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Dispatcher *notify.Dispatcher
	Machine    *dialogue.Machine
	Mailbox    *dialogue.Mailbox
	Bot        *telegram.Bot
}

// Open opens and migrates the store and builds the task engine. The dialogue
// layer is attached later by Wire once an outbound channel exists.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	path := config.StoragePath(cfg.Storage.Path)
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	if applied > 0 {
		logger.Info("applied migrations", zap.Int("count", applied), zap.String("path", path))
	}
	m := metrics.New()
	admins := config.NewAdminSet(cfg.Admins)
	eng := engine.New(conn, admins, logger, m)
	eng.RequireSurname = cfg.Registration.RequireSurname
	return &App{
		Config:  cfg,
		DB:      conn,
		Admins:  admins,
		Engine:  eng,
		Logger:  logger,
		Metrics: m,
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}

// Wire builds the dispatcher, the conversation machine and its mailbox on top of sender.
func (a *App) Wire(sender notify.Sender) {
	cfg := a.Config
	a.Dispatcher = &notify.Dispatcher{
		Sender:      sender,
		Renderer:    render.Renderer{},
		Journal:     events.Writer{DB: a.DB},
		Limiter:     rate.NewLimiter(rate.Limit(cfg.Notify.RatePerSecond), cfg.Notify.Burst),
		Concurrency: cfg.Notify.Concurrency,
		Logger:      a.Logger,
		Metrics:     a.Metrics,
	}
	a.Machine = dialogue.NewMachine(a.Engine, dialogue.NewMemoryStore(), a.Dispatcher, render.Renderer{}, a.Logger, a.Metrics)
	log := a.Logger.Named("mailbox")
	a.Mailbox = dialogue.NewMailbox(a.Machine, func(ev dialogue.Event, err error) {
		log.Warn("event dropped", logging.Identity(ev.Sender), zap.String("event_id", ev.ID), zap.Error(err))
	})
}

// Connect builds the outbound channel selected by bot.transport and wires the
// dialogue layer to it. With the telegram transport the bot also becomes the
// inbound source.
func (a *App) Connect() error {
	cfg := a.Config
	switch cfg.Bot.Transport {
	case config.TransportTG:
		bot, err := telegram.New(cfg.Bot.Token, cfg.Bot.PollTimeout, nil, a.Logger)
		if err != nil {
			return err
		}
		a.Wire(bot)
		bot.Inbox = a.Mailbox
		a.Bot = bot
	case config.TransportWebhook:
		a.Wire(notify.WebhookSender{
			URL:    cfg.Bot.WebhookURL,
			Secret: cfg.Bot.WebhookSecret,
			Client: &http.Client{Timeout: 10 * time.Second},
		})
	default:
		return fmt.Errorf("unknown transport %q", cfg.Bot.Transport)
	}
	return nil
}

// Handler builds the HTTP API. Events posted to it go through the mailbox.
func (a *App) Handler() (http.Handler, error) {
	var sink server.EventSink
	if a.Mailbox != nil {
		sink = a.Mailbox
	}
	return server.New(server.Config{
		Engine:   a.Engine,
		Events:   sink,
		Metrics:  a.Metrics,
		BasePath: a.Config.HTTP.BasePath,
		Auth:     server.AuthConfig{JWTSecret: a.Config.HTTP.JWTSecret},
		Logger:   a.Logger,
	})
}

// Serve runs the HTTP API and, when connected to telegram, the polling loop
// until ctx is cancelled or either fails. Queued events are drained before it returns.
func (a *App) Serve(ctx context.Context, addr string) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http api listening", zap.String("addr", addr), zap.String("base_path", a.Config.HTTP.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.Bot != nil {
		g.Go(func() error {
			return a.Bot.Run(gctx)
		})
	}
	err = g.Wait()
	if a.Mailbox != nil {
		a.Mailbox.Wait()
	}
	return err
}

// WatchAdmins keeps the admin allow-list in sync with the config file at path.
func (a *App) WatchAdmins(path string) {
	log := a.Logger.Named("config")
	config.WatchAdmins(path, a.Admins, func(ids []int64) {
		log.Info("admin list reloaded", zap.Int64s("admins", ids))
	}, func(err error) {
		log.Warn("admin list reload failed", zap.Error(err))
	})
}
