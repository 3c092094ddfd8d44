package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTopicPrefix = "longpoll:"

type PoolConfig struct {
	Bus         Bus
	Dispatcher  Dispatcher
	MaxSessions int
	TopicPrefix string
	Logger      *slog.Logger
}

// Pool supervises session relays. Relays are never restarted: a session
// identity cannot be rebuilt after loss, so abnormal exits are reported and
// the client has to open a new session.
type Pool struct {
	bus         Bus
	dispatcher  Dispatcher
	maxSessions int
	topicPrefix string
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Relay
	closed   bool
	wg       sync.WaitGroup
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Bus == nil {
		return nil, errors.New("relay: pool requires a bus")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("relay: pool requires a dispatcher")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	prefix := strings.TrimSpace(cfg.TopicPrefix)
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Pool{
		bus:         cfg.Bus,
		dispatcher:  cfg.Dispatcher,
		maxSessions: cfg.MaxSessions,
		topicPrefix: prefix,
		log:         log,
		sessions:    make(map[string]*Relay),
	}, nil
}

// StartSession spawns a relay for a new session.
func (p *Pool) StartSession(ctx context.Context, router string, pollWindow time.Duration) (*Relay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.maxSessions > 0 && len(p.sessions) >= p.maxSessions {
		return nil, ErrPoolExhausted
	}

	id := uuid.NewString()
	r, err := Start(SessionConfig{
		ID:           id,
		Router:       router,
		PollWindow:   pollWindow,
		PrivateTopic: p.topicPrefix + id,
		Bus:          p.bus,
		Dispatcher:   p.dispatcher,
		Logger:       p.log,
	})
	if err != nil {
		return nil, err
	}
	p.sessions[id] = r
	p.wg.Add(1)
	go p.supervise(r)
	return r, nil
}

func (p *Pool) supervise(r *Relay) {
	defer p.wg.Done()
	<-r.Done()

	p.mu.Lock()
	if p.sessions[r.ID()] == r {
		delete(p.sessions, r.ID())
	}
	p.mu.Unlock()

	if reason := r.Err(); !IsNormalExit(reason) {
		p.log.Error("session lost", "session_id", r.ID(), "reason", ExitLabel(reason), "error", reason)
	}
}

func (p *Pool) Lookup(id string) (*Relay, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.sessions[strings.TrimSpace(id)]
	return r, ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) Stop(ctx context.Context, id string) error {
	r, ok := p.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return r.Stop(ctx)
}

// Shutdown refuses new sessions, stops every running relay and waits for
// their supervisors to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	running := make([]*Relay, 0, len(p.sessions))
	for _, r := range p.sessions {
		running = append(running, r)
	}
	p.mu.Unlock()

	var errs []error
	for _, r := range running {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
