package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pollrelay/go-backend/internal/observability"
	"pollrelay/go-backend/internal/pubsub"
)

// SessionConfig is required to start a relay. Router, PollWindow,
// PrivateTopic, Bus and Dispatcher have no defaults.
type SessionConfig struct {
	ID           string
	Router       string
	PollWindow   time.Duration
	PrivateTopic string
	Bus          Bus
	Dispatcher   Dispatcher
	Logger       *slog.Logger
}

func (c SessionConfig) validate() error {
	switch {
	case strings.TrimSpace(c.Router) == "":
		return fmt.Errorf("%w: missing router", ErrInvalidSessionConfig)
	case c.PollWindow <= 0:
		return fmt.Errorf("%w: poll window must be positive", ErrInvalidSessionConfig)
	case strings.TrimSpace(c.PrivateTopic) == "":
		return fmt.Errorf("%w: missing private topic", ErrInvalidSessionConfig)
	case c.Bus == nil:
		return fmt.Errorf("%w: missing bus", ErrInvalidSessionConfig)
	case c.Dispatcher == nil:
		return fmt.Errorf("%w: missing dispatcher", ErrInvalidSessionConfig)
	}
	return nil
}

type dispatchMsg struct {
	msg Message
	ref string
}

type deliverMsg struct {
	msg Message
}

type subscribeMsg struct {
	ref string
}

type flushMsg struct {
	ref string
}

type ackMsg struct {
	count int
	ref   string
}

type channelExitMsg struct {
	handle Handle
	reason error
}

type stopMsg struct{}

// Relay is the actor serving one long-poll session. All state below mailbox
// is owned by the run goroutine.
type Relay struct {
	id           string
	router       string
	privateTopic string
	pollWindow   time.Duration
	idleWindow   time.Duration
	dispatcher   Dispatcher
	bus          *busClient
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mbox   *mailbox
	done   chan struct{}
	err    error

	buffer     *outbox
	topics     map[string]Handle
	handles    map[string]string
	pendingRef string
}

// Start creates a relay, subscribes it to its private topic and starts its
// goroutine.
func Start(cfg SessionConfig) (*Relay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "relay", "session_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		id:           id,
		router:       cfg.Router,
		privateTopic: cfg.PrivateTopic,
		pollWindow:   cfg.PollWindow,
		idleWindow:   2 * cfg.PollWindow,
		dispatcher:   cfg.Dispatcher,
		bus:          newBusClient(cfg.Bus, id, cfg.PrivateTopic, log),
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		mbox:         newMailbox(),
		done:         make(chan struct{}),
		buffer:       newOutbox(),
		topics:       make(map[string]Handle),
		handles:      make(map[string]string),
	}
	if err := r.bus.subscribeLinked(r.onEnvelope); err != nil {
		cancel()
		return nil, fmt.Errorf("relay: subscribe %s: %w", cfg.PrivateTopic, err)
	}
	observability.RecordSessionStarted()
	go r.run()
	r.log.Debug("relay started", "private_topic", r.privateTopic, "idle_window", r.idleWindow)
	return r, nil
}

func (r *Relay) ID() string {
	return r.id
}

func (r *Relay) Router() string {
	return r.router
}

func (r *Relay) PrivateTopic() string {
	return r.privateTopic
}

func (r *Relay) PollWindow() time.Duration {
	return r.pollWindow
}

func (r *Relay) IdleWindow() time.Duration {
	return r.idleWindow
}

// Done is closed after the relay has terminated and run its leave fan-out.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the exit reason once Done is closed.
func (r *Relay) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Relay) Dispatch(msg Message, ref string) error {
	return r.enqueue(dispatchMsg{msg: msg, ref: ref})
}

func (r *Relay) Subscribe(ref string) error {
	return r.enqueue(subscribeMsg{ref: ref})
}

func (r *Relay) Flush(ref string) error {
	return r.enqueue(flushMsg{ref: ref})
}

func (r *Relay) Ack(count int, ref string) error {
	return r.enqueue(ackMsg{count: count, ref: ref})
}

// Deliver implements Sink for channel processes.
func (r *Relay) Deliver(msg Message) bool {
	return r.mbox.push(deliverMsg{msg: msg})
}

// Stop terminates the relay and waits until its cleanup has run. Stopping a
// relay that is already gone is a no-op.
func (r *Relay) Stop(ctx context.Context) error {
	r.mbox.push(stopMsg{})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) enqueue(msg any) error {
	if !r.mbox.push(msg) {
		return ErrSessionGone
	}
	return nil
}

func (r *Relay) onEnvelope(env pubsub.Envelope) {
	req, ok := env.Payload.(Request)
	if !ok {
		return
	}
	switch req.Op {
	case OpDispatch:
		r.mbox.push(dispatchMsg{msg: req.Message, ref: req.Ref})
	case OpSubscribe:
		r.mbox.push(subscribeMsg{ref: req.Ref})
	case OpFlush:
		r.mbox.push(flushMsg{ref: req.Ref})
	case OpAck:
		r.mbox.push(ackMsg{count: req.Count, ref: req.Ref})
	}
}

func (r *Relay) run() {
	idle := time.NewTimer(r.idleWindow)
	defer idle.Stop()
	busDone := r.bus.done()

	for {
		select {
		case <-r.mbox.signal():
			for {
				msg, ok := r.mbox.pop()
				if !ok {
					break
				}
				if reason := r.handle(msg); reason != nil {
					r.terminate(reason)
					return
				}
				idle.Reset(r.idleWindow)
			}
		case <-idle.C:
			if r.mbox.len() > 0 {
				// Activity raced the deadline; handle it on the next turn.
				idle.Reset(r.idleWindow)
				continue
			}
			r.terminate(ErrIdleTimeout)
			return
		case <-busDone:
			r.terminate(ErrBusDown)
			return
		}
	}
}

// handle processes one mailbox message. A non-nil result stops the relay.
func (r *Relay) handle(msg any) error {
	switch m := msg.(type) {
	case dispatchMsg:
		r.handleDispatch(m.msg, m.ref)
	case deliverMsg:
		r.bufferReply(m.msg)
	case subscribeMsg:
		r.pendingRef = m.ref
		r.bus.publish(Notification{Kind: NotifyOK, Op: OpSubscribe, Ref: m.ref})
	case flushMsg:
		r.pendingRef = m.ref
		if r.buffer.len() > 0 {
			r.deliverPending()
		}
	case ackMsg:
		evicted := r.buffer.evict(max(m.count, 0))
		observability.RecordAcked(evicted)
		r.bus.publish(Notification{Kind: NotifyOK, Op: OpAck, Ref: m.ref})
	case channelExitMsg:
		r.handleChannelExit(m.handle, m.reason)
	case stopMsg:
		return ErrShutdown
	}
	return nil
}

func (r *Relay) handleDispatch(msg Message, ref string) {
	handle, err := r.dispatcher.Dispatch(r.ctx, msg, DispatchContext{
		SessionID: r.id,
		Channels:  r.channels(),
		Relay:     r,
		Router:    r.router,
		Bus:       r.bus.bus.Name(),
		Transport: TransportLongPoll,
	})
	switch {
	case err == nil && handle != nil:
		r.register(msg.Topic, handle)
		observability.RecordDispatch("joined")
		r.bus.publish(Notification{Kind: NotifyOK, Op: OpDispatch, Ref: ref, HandleID: handle.ID()})
	case err == nil:
		observability.RecordDispatch("ok")
		r.bus.publish(Notification{Kind: NotifyOK, Op: OpDispatch, Ref: ref})
	case errors.Is(err, ErrIgnored):
		observability.RecordDispatch("ignored")
		r.bus.publish(Notification{Kind: NotifyError, Op: OpDispatch, Ref: ref, Reason: IgnoredReason})
	default:
		observability.RecordDispatch("rejected")
		r.log.Debug("dispatch rejected", "topic", msg.Topic, "event", msg.Event, "error", err)
		r.bus.publish(Notification{Kind: NotifyError, Op: OpDispatch, Ref: ref, Reason: err.Error()})
	}
}

func (r *Relay) register(topic string, handle Handle) {
	if prev, ok := r.topics[topic]; ok {
		delete(r.handles, prev.ID())
	}
	r.topics[topic] = handle
	r.handles[handle.ID()] = topic
	go r.monitor(handle)
}

// monitor turns a channel exit into a mailbox message.
func (r *Relay) monitor(handle Handle) {
	select {
	case <-handle.Done():
		r.mbox.push(channelExitMsg{handle: handle, reason: handle.Err()})
	case <-r.done:
	}
}

func (r *Relay) handleChannelExit(handle Handle, reason error) {
	topic, ok := r.handles[handle.ID()]
	if !ok {
		return
	}
	delete(r.handles, handle.ID())
	if current, ok := r.topics[topic]; ok && current.ID() == handle.ID() {
		delete(r.topics, topic)
	}
	graceful := IsGracefulExit(reason)
	observability.RecordChannelExit(graceful)
	event := EventClose
	if !graceful {
		event = EventError
		r.log.Warn("channel exited with error", "topic", topic, "handle_id", handle.ID(), "error", reason)
	}
	r.bufferReply(Message{Topic: topic, Event: event, Payload: []byte("{}")})
}

func (r *Relay) bufferReply(msg Message) {
	r.buffer.push(msg)
	observability.RecordBuffered()
	if r.pendingRef != "" {
		r.deliverPending()
	}
}

// deliverPending answers the outstanding poll with the whole buffer. Each
// poll is answered at most once; the buffer stays until acknowledged.
func (r *Relay) deliverPending() {
	r.bus.publish(Notification{Kind: NotifyMessages, Ref: r.pendingRef, Messages: r.buffer.snapshot()})
	r.pendingRef = ""
}

func (r *Relay) channels() map[string]Handle {
	out := make(map[string]Handle, len(r.topics))
	for topic, handle := range r.topics {
		out[topic] = handle
	}
	return out
}

func (r *Relay) terminate(reason error) {
	dropped := r.mbox.close()
	r.bus.unsubscribe()
	r.dispatcher.NotifyLeave(r.channels(), reason)
	r.cancel()

	r.err = reason
	close(r.done)

	observability.RecordSessionEnded(ExitLabel(reason))
	attrs := []any{"reason", ExitLabel(reason), "channels", len(r.topics), "buffered", r.buffer.len(), "dropped", dropped}
	if IsNormalExit(reason) {
		r.log.Debug("relay stopped", attrs...)
		return
	}
	r.log.Error("relay stopped abnormally", attrs...)
}
