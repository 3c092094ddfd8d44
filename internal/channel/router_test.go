package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pollrelay/go-backend/internal/platform/ratelimiter"
	"pollrelay/go-backend/internal/pubsub"
	"pollrelay/go-backend/internal/relay"
)

const testWait = 2 * time.Second

type fakeSink struct {
	id string
	ch chan relay.Message
}

func newFakeSink(id string) *fakeSink {
	return &fakeSink{id: id, ch: make(chan relay.Message, 64)}
}

func (s *fakeSink) ID() string {
	return s.id
}

func (s *fakeSink) Deliver(msg relay.Message) bool {
	s.ch <- msg
	return true
}

func (s *fakeSink) next(t *testing.T) relay.Message {
	t.Helper()
	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(testWait):
		t.Fatal("timed out waiting for delivered message")
		return relay.Message{}
	}
}

type testHandler struct {
	mu         sync.Mutex
	terminated []error
}

func (h *testHandler) Join(_ context.Context, topic string, _ json.RawMessage, sock *Socket) (any, error) {
	if strings.HasSuffix(topic, "forbidden") {
		return nil, errors.New("unauthorized")
	}
	sock.Assigns["joined"] = true
	return map[string]string{"topic": topic}, nil
}

func (h *testHandler) HandleIn(_ context.Context, msg relay.Message, sock *Socket) (*Reply, error) {
	switch msg.Event {
	case "ping":
		return OK(map[string]bool{"pong": sock.Assigns["joined"] == true}), nil
	case "shout":
		return nil, sock.Broadcast("shout", msg.Payload)
	case "whisper":
		return nil, sock.BroadcastFrom("whisper", msg.Payload)
	case "crash":
		return Error(map[string]string{"reason": "boom"}), errors.New("boom")
	case "panic":
		panic("handler exploded")
	case "stop":
		return nil, ErrStop
	}
	return nil, nil
}

func (h *testHandler) Terminate(reason error, _ *Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, reason)
}

func (h *testHandler) terminations() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.terminated...)
}

func newTestRouter(t *testing.T) (*Router, *testHandler, *pubsub.Bus) {
	t.Helper()
	bus := pubsub.New("channel-test")
	r := NewRouter(RouterConfig{Name: "test", Bus: bus})
	h := &testHandler{}
	r.Handle("room:*", h)
	return r, h, bus
}

func dispatchContext(sessionID string, sink relay.Sink, channels map[string]relay.Handle) relay.DispatchContext {
	if channels == nil {
		channels = map[string]relay.Handle{}
	}
	return relay.DispatchContext{
		SessionID: sessionID,
		Channels:  channels,
		Relay:     sink,
		Router:    "test",
		Bus:       "channel-test",
		Transport: relay.TransportLongPoll,
	}
}

func joinTopic(t *testing.T, r *Router, sink *fakeSink, topic string) *Process {
	t.Helper()
	h, err := r.Dispatch(context.Background(), relay.Message{Topic: topic, Event: relay.EventJoin, Ref: "j"}, dispatchContext(sink.id, sink, nil))
	if err != nil {
		t.Fatalf("join %s: %v", topic, err)
	}
	proc, ok := h.(*Process)
	if !ok || proc == nil {
		t.Fatalf("join must return a process handle, got %#v", h)
	}
	reply := sink.next(t)
	if reply.Event != relay.EventReply || reply.Ref != "j" || !strings.Contains(string(reply.Payload), `"status":"ok"`) {
		t.Fatalf("unexpected join reply: %#v", reply)
	}
	t.Cleanup(func() { proc.shutdown(ErrLeft) })
	return proc
}

func waitExit(t *testing.T, p *Process) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(testWait):
		t.Fatal("process did not exit")
		return nil
	}
}

func TestRouterJoinAndHandleIn(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sink := newFakeSink("s1")
	proc := joinTopic(t, r, sink, "room:1")
	if proc.Topic() != "room:1" {
		t.Fatalf("unexpected process topic %q", proc.Topic())
	}

	channels := map[string]relay.Handle{"room:1": proc}
	h, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "ping", Ref: "p1"}, dispatchContext("s1", sink, channels))
	if err != nil || h != nil {
		t.Fatalf("ping must be accepted without a new handle: h=%v err=%v", h, err)
	}
	reply := sink.next(t)
	if reply.Ref != "p1" || !strings.Contains(string(reply.Payload), `"pong":true`) {
		t.Fatalf("unexpected ping reply: %#v", reply)
	}
}

func TestRouterJoinOutcomes(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sink := newFakeSink("s1")
	proc := joinTopic(t, r, sink, "room:1")
	ctx := context.Background()

	_, err := r.Dispatch(ctx, relay.Message{Topic: "room:1", Event: relay.EventJoin}, dispatchContext("s1", sink, map[string]relay.Handle{"room:1": proc}))
	if !errors.Is(err, ErrDuplicateJoin) {
		t.Fatalf("expected ErrDuplicateJoin, got %v", err)
	}

	_, err = r.Dispatch(ctx, relay.Message{Topic: "lobby", Event: relay.EventJoin}, dispatchContext("s1", sink, nil))
	if !errors.Is(err, relay.ErrIgnored) {
		t.Fatalf("unrouted join must be ignored, got %v", err)
	}
	_, err = r.Dispatch(ctx, relay.Message{Topic: "room:9", Event: "ping"}, dispatchContext("s1", sink, nil))
	if !errors.Is(err, relay.ErrIgnored) {
		t.Fatalf("message for unjoined topic must be ignored, got %v", err)
	}

	h, err := r.Dispatch(ctx, relay.Message{Topic: "room:forbidden", Event: relay.EventJoin, Ref: "x"}, dispatchContext("s1", sink, nil))
	if err == nil || h != nil || err.Error() != "unauthorized" {
		t.Fatalf("expected rejection, got h=%v err=%v", h, err)
	}
	reply := sink.next(t)
	if reply.Ref != "x" || !strings.Contains(string(reply.Payload), `"status":"error"`) {
		t.Fatalf("rejected join must reply with an error: %#v", reply)
	}
}

func TestRouterHeartbeat(t *testing.T) {
	r, _, _ := newTestRouter(t)
	sink := newFakeSink("s1")
	h, err := r.Dispatch(context.Background(), relay.Message{Topic: PhoenixTopic, Event: relay.EventHeartbeat, Ref: "hb"}, dispatchContext("s1", sink, nil))
	if err != nil || h != nil {
		t.Fatalf("heartbeat must be accepted: h=%v err=%v", h, err)
	}
	if reply := sink.next(t); reply.Topic != PhoenixTopic || reply.Ref != "hb" {
		t.Fatalf("unexpected heartbeat reply: %#v", reply)
	}
}

func TestProcessExitReasons(t *testing.T) {
	cases := []struct {
		event    string
		graceful bool
		contains string
	}{
		{event: "crash", graceful: false, contains: "boom"},
		{event: "panic", graceful: false, contains: "handler exploded"},
		{event: "stop", graceful: true},
		{event: relay.EventLeave, graceful: true},
	}
	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			r, h, _ := newTestRouter(t)
			sink := newFakeSink("s1")
			proc := joinTopic(t, r, sink, "room:1")
			channels := map[string]relay.Handle{"room:1": proc}
			if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: tc.event, Ref: "e"}, dispatchContext("s1", sink, channels)); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			reason := waitExit(t, proc)
			if relay.IsGracefulExit(reason) != tc.graceful {
				t.Fatalf("graceful=%v for reason %v", relay.IsGracefulExit(reason), reason)
			}
			if tc.contains != "" && !strings.Contains(reason.Error(), tc.contains) {
				t.Fatalf("reason %q does not mention %q", reason, tc.contains)
			}
			if got := h.terminations(); len(got) != 1 {
				t.Fatalf("terminate must run once, got %d", len(got))
			}
			if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "ping"}, dispatchContext("s1", sink, channels)); !errors.Is(err, ErrProcessExited) {
				t.Fatalf("expected ErrProcessExited, got %v", err)
			}
		})
	}
}

func TestBroadcastReachesEveryJoinedSession(t *testing.T) {
	r, _, _ := newTestRouter(t)
	a := newFakeSink("a")
	b := newFakeSink("b")
	procA := joinTopic(t, r, a, "room:1")
	joinTopic(t, r, b, "room:1")

	chans := map[string]relay.Handle{"room:1": procA}
	if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "shout", Payload: json.RawMessage(`{"body":"hi"}`)}, dispatchContext("a", a, chans)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, sink := range []*fakeSink{a, b} {
		msg := sink.next(t)
		if msg.Event != "shout" || string(msg.Payload) != `{"body":"hi"}` {
			t.Fatalf("sink %s got %#v", sink.id, msg)
		}
	}

	if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "whisper", Payload: json.RawMessage(`{"body":"psst"}`)}, dispatchContext("a", a, chans)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if msg := b.next(t); msg.Event != "whisper" {
		t.Fatalf("unexpected message for b: %#v", msg)
	}
	select {
	case msg := <-a.ch:
		t.Fatalf("sender must not receive broadcast_from: %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// countingHandler tallies kept broadcasts in its socket assigns and drops
// "secret" ones.
type countingHandler struct {
	testHandler
}

func (h *countingHandler) HandleIn(ctx context.Context, msg relay.Message, sock *Socket) (*Reply, error) {
	switch msg.Event {
	case "hush":
		return nil, sock.Broadcast("secret", msg.Payload)
	case "count":
		seen, _ := sock.Assigns["seen"].(int)
		return OK(map[string]int{"seen": seen}), nil
	}
	return h.testHandler.HandleIn(ctx, msg, sock)
}

func (h *countingHandler) HandleOut(event string, payload json.RawMessage, sock *Socket) (json.RawMessage, bool) {
	if event == "secret" {
		return nil, false
	}
	seen, _ := sock.Assigns["seen"].(int)
	sock.Assigns["seen"] = seen + 1
	return payload, true
}

func TestHandleOutRunsOnTheProcessGoroutine(t *testing.T) {
	r := NewRouter(RouterConfig{Name: "test", Bus: pubsub.New("out")})
	r.Handle("room:*", &countingHandler{})
	a := newFakeSink("a")
	b := newFakeSink("b")
	procA := joinTopic(t, r, a, "room:1")
	procB := joinTopic(t, r, b, "room:1")

	chansA := map[string]relay.Handle{"room:1": procA}
	if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "hush", Payload: json.RawMessage(`{}`)}, dispatchContext("a", a, chansA)); err != nil {
		t.Fatalf("dispatch hush: %v", err)
	}
	const shouts = 20
	for i := 0; i < shouts; i++ {
		if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "shout", Payload: json.RawMessage(`{"body":"hi"}`)}, dispatchContext("a", a, chansA)); err != nil {
			t.Fatalf("dispatch shout %d: %v", i, err)
		}
	}
	for i := 0; i < shouts; i++ {
		if msg := b.next(t); msg.Event != "shout" {
			t.Fatalf("broadcast %d: expected shout, got %#v", i, msg)
		}
	}

	chansB := map[string]relay.Handle{"room:1": procB}
	if _, err := r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "count", Ref: "c"}, dispatchContext("b", b, chansB)); err != nil {
		t.Fatalf("dispatch count: %v", err)
	}
	reply := b.next(t)
	if reply.Event != relay.EventReply || reply.Ref != "c" || !strings.Contains(string(reply.Payload), `"seen":20`) {
		t.Fatalf("unexpected count reply: %#v", reply)
	}
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) Join(context.Context, string, json.RawMessage, *Socket) (any, error) {
	return nil, nil
}

func (h *blockingHandler) HandleIn(context.Context, relay.Message, *Socket) (*Reply, error) {
	<-h.release
	return nil, nil
}

func TestDispatchRejectsWhenProcessStopsDraining(t *testing.T) {
	r := NewRouter(RouterConfig{Name: "test", Bus: pubsub.New("busy"), SendTimeout: 50 * time.Millisecond})
	h := &blockingHandler{release: make(chan struct{})}
	r.Handle("room:*", h)
	sink := newFakeSink("s1")
	proc := joinTopic(t, r, sink, "room:1")
	t.Cleanup(func() { close(h.release) })

	chans := map[string]relay.Handle{"room:1": proc}
	start := time.Now()
	var err error
	for i := 0; i < inboxSize+2 && err == nil; i++ {
		_, err = r.Dispatch(context.Background(), relay.Message{Topic: "room:1", Event: "work"}, dispatchContext("s1", sink, chans))
	}
	if !errors.Is(err, ErrProcessBusy) {
		t.Fatalf("expected ErrProcessBusy once the inbox is full, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > testWait {
		t.Fatalf("dispatch blocked for %v", elapsed)
	}
}

func TestNotifyLeaveStopsProcessesGracefully(t *testing.T) {
	r, h, _ := newTestRouter(t)
	sink := newFakeSink("s1")
	p1 := joinTopic(t, r, sink, "room:1")
	p2 := joinTopic(t, r, sink, "room:2")

	r.NotifyLeave(map[string]relay.Handle{"room:1": p1, "room:2": p2}, relay.ErrIdleTimeout)
	for _, p := range []*Process{p1, p2} {
		reason := waitExit(t, p)
		if !errors.Is(reason, ErrLeft) || !relay.IsGracefulExit(reason) {
			t.Fatalf("expected graceful leave, got %v", reason)
		}
	}
	if got := h.terminations(); len(got) != 2 {
		t.Fatalf("expected 2 terminations, got %d", len(got))
	}
}

func TestRouterRateLimitsPerSession(t *testing.T) {
	bus := pubsub.New("rl")
	r := NewRouter(RouterConfig{Bus: bus, Limiter: ratelimiter.New(1, 1, time.Minute)})
	fixed := time.Now()
	r.now = func() time.Time { return fixed }
	sink := newFakeSink("s1")
	msg := relay.Message{Topic: PhoenixTopic, Event: relay.EventHeartbeat}

	if _, err := r.Dispatch(context.Background(), msg, dispatchContext("s1", sink, nil)); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := r.Dispatch(context.Background(), msg, dispatchContext("s1", sink, nil)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := r.Dispatch(context.Background(), msg, dispatchContext("s2", sink, nil)); err != nil {
		t.Fatalf("other session must not be throttled: %v", err)
	}
}

func TestRouteMatching(t *testing.T) {
	r := NewRouter(RouterConfig{Bus: pubsub.New("m")})
	exact := &testHandler{}
	long := &testHandler{}
	short := &testHandler{}
	r.Handle("room:*", short)
	r.Handle("room:vip:*", long)
	r.Handle("room:lobby", exact)

	cases := map[string]Handler{
		"room:lobby": exact,
		"room:vip:1": long,
		"room:7":     short,
	}
	for topic, want := range cases {
		got, ok := r.match(topic)
		if !ok || got != want {
			t.Fatalf("topic %s matched the wrong handler", topic)
		}
	}
	if _, ok := r.match("chat:1"); ok {
		t.Fatal("unrouted topic must not match")
	}
}
