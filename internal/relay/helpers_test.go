package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pollrelay/go-backend/internal/pubsub"
)

const testWait = 2 * time.Second

type fakeHandle struct {
	id   string
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, done: make(chan struct{})}
}

func (h *fakeHandle) ID() string {
	return h.id
}

func (h *fakeHandle) Done() <-chan struct{} {
	return h.done
}

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

type leaveCall struct {
	channels map[string]Handle
	reason   error
}

type fakeDispatcher struct {
	mu       sync.Mutex
	respond  func(msg Message, dc DispatchContext) (Handle, error)
	contexts []DispatchContext
	leaves   []leaveCall
}

func (d *fakeDispatcher) Dispatch(_ context.Context, msg Message, dc DispatchContext) (Handle, error) {
	d.mu.Lock()
	d.contexts = append(d.contexts, dc)
	respond := d.respond
	d.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(msg, dc)
}

func (d *fakeDispatcher) NotifyLeave(channels map[string]Handle, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaves = append(d.leaves, leaveCall{channels: channels, reason: reason})
}

func (d *fakeDispatcher) setRespond(fn func(msg Message, dc DispatchContext) (Handle, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respond = fn
}

func (d *fakeDispatcher) lastContext(t *testing.T) DispatchContext {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.contexts) == 0 {
		t.Fatal("dispatcher was never called")
	}
	return d.contexts[len(d.contexts)-1]
}

func (d *fakeDispatcher) leaveCalls() []leaveCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]leaveCall(nil), d.leaves...)
}

// clientWatcher plays the transport endpoint listening on a private topic.
type clientWatcher struct {
	ch chan Notification
}

func watchTopic(t *testing.T, bus *pubsub.Bus, topic string) *clientWatcher {
	t.Helper()
	w := &clientWatcher{ch: make(chan Notification, 64)}
	cancel, err := bus.Subscribe(topic, "client", func(env pubsub.Envelope) {
		if n, ok := env.Payload.(Notification); ok {
			w.ch <- n
		}
	})
	if err != nil {
		t.Fatalf("watch %s: %v", topic, err)
	}
	t.Cleanup(cancel)
	return w
}

func (w *clientWatcher) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-w.ch:
		return n
	case <-time.After(testWait):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

// nextFor skips notifications that are not tagged with ref.
func (w *clientWatcher) nextFor(t *testing.T, ref string) Notification {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case n := <-w.ch:
			if n.Ref == ref {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification ref=%s", ref)
			return Notification{}
		}
	}
}

func (w *clientWatcher) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case n := <-w.ch:
		t.Fatalf("unexpected notification: %#v", n)
	case <-time.After(d):
	}
}

func startTestRelay(t *testing.T, window time.Duration) (*Relay, *pubsub.Bus, *fakeDispatcher, *clientWatcher) {
	t.Helper()
	bus := pubsub.New("test-bus")
	disp := &fakeDispatcher{}
	topic := "longpoll:" + t.Name()
	w := watchTopic(t, bus, topic)
	r, err := Start(SessionConfig{
		ID:           "sess-" + t.Name(),
		Router:       "test-router",
		PollWindow:   window,
		PrivateTopic: topic,
		Bus:          bus,
		Dispatcher:   disp,
	})
	if err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r, bus, disp, w
}

func textMessage(topic, event, body string) Message {
	payload, _ := json.Marshal(map[string]string{"body": body})
	return Message{Topic: topic, Event: event, Payload: payload}
}

func waitDone(t *testing.T, r *Relay) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(testWait):
		t.Fatal("relay did not terminate")
	}
}

func messageBodies(t *testing.T, msgs []Message) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var p map[string]string
		if err := json.Unmarshal(m.Payload, &p); err != nil || p["body"] == "" {
			out = append(out, m.Event)
			continue
		}
		out = append(out, p["body"])
	}
	return out
}
