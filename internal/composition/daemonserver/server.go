// Package daemonserver wires the relay daemon: bus, channel router, session
// pool and the long-poll transport.
package daemonserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"pollrelay/go-backend/internal/adapters/longpoll"
	"pollrelay/go-backend/internal/bootstrap/relayconfig"
	"pollrelay/go-backend/internal/channel"
	"pollrelay/go-backend/internal/observability"
	"pollrelay/go-backend/internal/platform/privacylog"
	"pollrelay/go-backend/internal/platform/ratelimiter"
	"pollrelay/go-backend/internal/pubsub"
	"pollrelay/go-backend/internal/relay"
	"pollrelay/go-backend/internal/rooms"
)

const busName = "relayd"

type Daemon struct {
	cfg    relayconfig.Config
	log    *slog.Logger
	bus    *pubsub.Bus
	router *channel.Router
	pool   *relay.Pool
	server *longpoll.Server
}

// NewLogger builds the daemon logger from config. Every handler goes through
// the privacy sanitizer.
func NewLogger(cfg relayconfig.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := relayconfig.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		base = slog.NewJSONHandler(w, opts)
	case "text":
		base = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", relayconfig.ErrInvalidConfig, cfg.Format)
	}
	return privacylog.NewLogger(base), nil
}

func New(cfg relayconfig.Config, log *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	secret := cfg.HTTP.TokenSecret
	if strings.TrimSpace(secret) == "" {
		generated, err := longpoll.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("daemonserver: generate token secret: %w", err)
		}
		secret = generated
		log.Warn("token secret is not configured; session tokens will not survive a restart")
	}
	tokens, err := longpoll.NewTokenCodec(secret)
	if err != nil {
		return nil, err
	}

	bus := pubsub.New(busName)
	router := channel.NewRouter(channel.RouterConfig{
		Name:    cfg.Relay.Router,
		Bus:     bus,
		Logger:  log,
		Limiter: ratelimiter.New(cfg.Limits.DispatchRPS, cfg.Limits.DispatchBurst, 0),
		// A process that cannot take a message within one poll window is stuck.
		SendTimeout: cfg.Relay.PollWindow,
	})
	router.Handle(rooms.TopicPattern, rooms.NewHandler())

	pool, err := relay.NewPool(relay.PoolConfig{
		Bus:         bus,
		Dispatcher:  router,
		MaxSessions: cfg.Relay.MaxSessions,
		TopicPrefix: cfg.Relay.TopicPrefix,
		Logger:      log,
	})
	if err != nil {
		bus.Close()
		return nil, err
	}

	if cfg.HTTP.EnableMetrics {
		observability.RegisterMetrics()
	}
	server, err := longpoll.NewServer(longpoll.Config{
		Addr:               cfg.HTTP.Addr,
		Router:             cfg.Relay.Router,
		PollWindow:         cfg.Relay.PollWindow,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		ClientLimiter:      ratelimiter.New(cfg.Limits.ClientRPS, cfg.Limits.ClientBurst, 0),
		MaxConcurrentPolls: cfg.Limits.MaxConcurrentPolls,
		MaxPollsPerClient:  cfg.Limits.MaxPollsPerClient,
		EnableMetrics:      cfg.HTTP.EnableMetrics,
		ShutdownTimeout:    cfg.HTTP.ShutdownTimeout,
		Logger:             log,
	}, pool, bus, tokens)
	if err != nil {
		bus.Close()
		return nil, err
	}

	return &Daemon{cfg: cfg, log: log, bus: bus, router: router, pool: pool, server: server}, nil
}

func (d *Daemon) Handler() http.Handler {
	return d.server.Handler()
}

func (d *Daemon) Pool() *relay.Pool {
	return d.pool
}

// Run serves until ctx is cancelled or the listener fails, then stops every
// session and closes the bus.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err := d.pool.Shutdown(shutdownCtx)
		d.bus.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daemonserver: stop sessions: %w", err)
		}
		d.log.Info("relay daemon stopped")
		return nil
	})
	d.log.Info("relay daemon starting", "addr", d.server.Addr(), "router", d.cfg.Relay.Router, "poll_window", d.cfg.Relay.PollWindow)
	return g.Wait()
}
