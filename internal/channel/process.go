package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"pollrelay/go-backend/internal/pubsub"
	"pollrelay/go-backend/internal/relay"
)

const inboxSize = 64

// Process owns one joined topic for one session. It implements relay.Handle.
type Process struct {
	id      string
	handler Handler
	sock    *Socket
	log     *slog.Logger

	inbox     chan relay.Message
	quit      chan struct{}
	quitOnce  sync.Once
	quitErr   error
	busCancel func()

	// Broadcasts for an interceptor wait here for the process goroutine.
	outMu   sync.Mutex
	outQ    *queue.Queue
	outWake chan struct{}

	done chan struct{}
	err  error
}

func newProcess(handler Handler, sock *Socket, log *slog.Logger) *Process {
	id := uuid.NewString()
	sock.processID = id
	return &Process{
		id:      id,
		handler: handler,
		sock:    sock,
		log:     log.With("topic", sock.Topic, "handle_id", id),
		inbox:   make(chan relay.Message, inboxSize),
		quit:    make(chan struct{}),
		outQ:    queue.New(),
		outWake: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *Process) ID() string {
	return p.id
}

func (p *Process) Topic() string {
	return p.sock.Topic
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// start subscribes to the topic's broadcasts and runs the process loop.
func (p *Process) start(bus Bus) error {
	cancel, err := bus.Subscribe(p.sock.Topic, p.id, p.onBroadcast)
	if err != nil {
		return err
	}
	p.busCancel = cancel
	go p.run()
	return nil
}

// send queues a client message for the process.
func (p *Process) send(ctx context.Context, msg relay.Message) error {
	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return ErrProcessExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown asks the process to exit with reason. Safe to call repeatedly.
func (p *Process) shutdown(reason error) {
	p.quitOnce.Do(func() {
		p.quitErr = reason
		close(p.quit)
	})
}

// onBroadcast runs on the publisher's goroutine. Broadcasts that pass
// through HandleOut are handed to the process loop so the handler never
// sees its socket from two goroutines.
func (p *Process) onBroadcast(env pubsub.Envelope) {
	b, ok := env.Payload.(Broadcast)
	if !ok {
		return
	}
	if _, ok := p.handler.(BroadcastInterceptor); !ok {
		p.sock.deliver(relay.Message{Topic: p.sock.Topic, Event: b.Event, Payload: b.Payload, JoinRef: p.sock.JoinRef})
		return
	}
	p.outMu.Lock()
	p.outQ.Add(b)
	p.outMu.Unlock()
	select {
	case p.outWake <- struct{}{}:
	default:
	}
}

func (p *Process) nextOut() (Broadcast, bool) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if p.outQ.Length() == 0 {
		return Broadcast{}, false
	}
	return p.outQ.Remove().(Broadcast), true
}

func (p *Process) handleOut(b Broadcast) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channel: handler panic on outgoing %q: %v", b.Event, rec)
		}
	}()
	payload, keep := p.handler.(BroadcastInterceptor).HandleOut(b.Event, b.Payload, p.sock)
	if keep {
		p.sock.deliver(relay.Message{Topic: p.sock.Topic, Event: b.Event, Payload: payload, JoinRef: p.sock.JoinRef})
	}
	return nil
}

func (p *Process) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case msg := <-p.inbox:
			if err := p.handleIn(ctx, msg); err != nil {
				p.exit(err)
				return
			}
		case <-p.outWake:
			for {
				b, ok := p.nextOut()
				if !ok {
					break
				}
				if err := p.handleOut(b); err != nil {
					p.exit(err)
					return
				}
			}
		case <-p.quit:
			p.exit(p.quitErr)
			return
		}
	}
}

func (p *Process) handleIn(ctx context.Context, msg relay.Message) (err error) {
	if msg.Event == relay.EventLeave {
		p.sock.reply(msg.Ref, Reply{Status: StatusOK})
		return ErrLeft
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channel: handler panic on %q: %v", msg.Event, rec)
		}
	}()
	reply, err := p.handler.HandleIn(ctx, msg, p.sock)
	if reply != nil {
		p.sock.reply(msg.Ref, *reply)
	}
	return err
}

func (p *Process) exit(reason error) {
	if p.busCancel != nil {
		p.busCancel()
	}
	if t, ok := p.handler.(Terminator); ok {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					p.log.Error("channel terminate panicked", "panic", rec)
				}
			}()
			t.Terminate(reason, p.sock)
		}()
	}
	if relay.IsGracefulExit(reason) {
		p.log.Debug("channel process exited", "reason", reason)
	} else {
		p.log.Warn("channel process crashed", "error", reason)
	}
	p.err = reason
	close(p.done)
}
