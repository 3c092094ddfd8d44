package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pollrelay/go-backend/internal/platform/ratelimiter"
	"pollrelay/go-backend/internal/pubsub"
	"pollrelay/go-backend/internal/relay"
)

// Bus is the pub-sub surface channel processes need.
type Bus interface {
	Subscribe(topic, subscriberID string, handler pubsub.Handler) (func(), error)
	PublishFrom(from, topic string, payload any) error
}

type RouterConfig struct {
	Name   string
	Bus    Bus
	Logger *slog.Logger
	// Limiter throttles dispatches per session; nil disables throttling.
	Limiter *ratelimiter.KeyLimiter
	// SendTimeout bounds how long a dispatch waits on a full process inbox.
	SendTimeout time.Duration
}

type route struct {
	pattern string
	prefix  bool
	handler Handler
}

// Router implements relay.Dispatcher.
type Router struct {
	name    string
	bus     Bus
	log     *slog.Logger
	limiter *ratelimiter.KeyLimiter
	sendTTL time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	routes []route
}

func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	sendTTL := cfg.SendTimeout
	if sendTTL <= 0 {
		sendTTL = DefaultSendTimeout
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "default"
	}
	return &Router{
		name:    name,
		bus:     cfg.Bus,
		log:     log.With("component", "channel_router", "router", name),
		limiter: cfg.Limiter,
		sendTTL: sendTTL,
		now:     time.Now,
	}
}

func (r *Router) Name() string {
	return r.name
}

// Handle registers handler for pattern. A trailing "*" matches any suffix.
// Exact patterns win over wildcards, longer wildcards over shorter ones.
func (r *Router) Handle(pattern string, handler Handler) {
	pattern = strings.TrimSpace(pattern)
	rt := route{pattern: pattern, handler: handler}
	if strings.HasSuffix(pattern, "*") {
		rt.prefix = true
		rt.pattern = strings.TrimSuffix(pattern, "*")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
}

func (r *Router) match(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *route
	for i := range r.routes {
		rt := &r.routes[i]
		if !rt.prefix {
			if rt.pattern == topic {
				return rt.handler, true
			}
			continue
		}
		if strings.HasPrefix(topic, rt.pattern) && (best == nil || len(rt.pattern) > len(best.pattern)) {
			best = rt
		}
	}
	if best == nil {
		return nil, false
	}
	return best.handler, true
}

func (r *Router) Dispatch(ctx context.Context, msg relay.Message, dc relay.DispatchContext) (relay.Handle, error) {
	if !r.limiter.Allow(dc.SessionID, r.now()) {
		return nil, ErrRateLimited
	}
	switch {
	case msg.Topic == PhoenixTopic && msg.Event == relay.EventHeartbeat:
		sock := &Socket{Topic: PhoenixTopic, sink: dc.Relay}
		sock.reply(msg.Ref, Reply{Status: StatusOK})
		return nil, nil
	case msg.Event == relay.EventJoin:
		return r.join(ctx, msg, dc)
	}

	h, ok := dc.Channels[msg.Topic]
	if !ok {
		r.log.Debug("ignoring message for unjoined topic", "topic", msg.Topic, "event", msg.Event)
		return nil, relay.ErrIgnored
	}
	proc, ok := h.(*Process)
	if !ok {
		return nil, ErrForeignHandle
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTTL)
	defer cancel()
	if err := proc.send(sendCtx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.log.Warn("channel process not draining its inbox", "topic", msg.Topic, "handle_id", proc.ID())
			return nil, fmt.Errorf("%w: %s", ErrProcessBusy, msg.Topic)
		}
		return nil, err
	}
	return nil, nil
}

func (r *Router) join(ctx context.Context, msg relay.Message, dc relay.DispatchContext) (relay.Handle, error) {
	if _, joined := dc.Channels[msg.Topic]; joined {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJoin, msg.Topic)
	}
	handler, ok := r.match(msg.Topic)
	if !ok {
		r.log.Debug("ignoring join for unrouted topic", "topic", msg.Topic)
		return nil, relay.ErrIgnored
	}
	joinRef := msg.JoinRef
	if joinRef == "" {
		joinRef = msg.Ref
	}
	sock := &Socket{
		Topic:     msg.Topic,
		SessionID: dc.SessionID,
		Router:    dc.Router,
		Transport: dc.Transport,
		JoinRef:   joinRef,
		Assigns:   make(map[string]any),
		sink:      dc.Relay,
		bus:       r.bus,
	}
	response, err := safeJoin(ctx, handler, msg, sock)
	if err != nil {
		sock.reply(msg.Ref, Reply{Status: StatusError, Response: map[string]string{"reason": err.Error()}})
		return nil, err
	}

	proc := newProcess(handler, sock, r.log)
	if err := proc.start(r.bus); err != nil {
		return nil, fmt.Errorf("channel: subscribe %s: %w", msg.Topic, err)
	}
	sock.reply(msg.Ref, Reply{Status: StatusOK, Response: response})
	r.log.Debug("channel joined", "topic", msg.Topic, "session_id", dc.SessionID, "handle_id", proc.ID())
	return proc, nil
}

func safeJoin(ctx context.Context, handler Handler, msg relay.Message, sock *Socket) (resp any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channel: join panic: %v", rec)
		}
	}()
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return handler.Join(ctx, msg.Topic, payload, sock)
}

// NotifyLeave tells every process in channels that its client is gone.
func (r *Router) NotifyLeave(channels map[string]relay.Handle, reason error) {
	for topic, h := range channels {
		proc, ok := h.(*Process)
		if !ok {
			r.log.Warn("leave for foreign handle", "topic", topic)
			continue
		}
		proc.shutdown(fmt.Errorf("%w (%s)", ErrLeft, relay.ExitLabel(reason)))
	}
}
