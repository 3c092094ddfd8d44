package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pollrelay/go-backend/internal/channel"
	"pollrelay/go-backend/internal/pubsub"
	"pollrelay/go-backend/internal/relay"
)

type collectSink struct {
	ch chan relay.Message
}

func (s *collectSink) ID() string {
	return "sink"
}

func (s *collectSink) Deliver(msg relay.Message) bool {
	s.ch <- msg
	return true
}

func (s *collectSink) next(t *testing.T) relay.Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return relay.Message{}
	}
}

func join(t *testing.T, router *channel.Router, sink *collectSink, topic, payload string) relay.Handle {
	t.Helper()
	h, err := router.Dispatch(context.Background(), relay.Message{Topic: topic, Event: relay.EventJoin, Ref: "j", Payload: json.RawMessage(payload)}, relay.DispatchContext{
		SessionID: "s1",
		Channels:  map[string]relay.Handle{},
		Relay:     sink,
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	sink.next(t)
	return h
}

func TestRoomJoinAndNewMessage(t *testing.T) {
	bus := pubsub.New("rooms")
	router := channel.NewRouter(channel.RouterConfig{Bus: bus})
	handler := NewHandler()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	handler.now = func() time.Time { return fixed }
	router.Handle(TopicPattern, handler)
	sink := &collectSink{ch: make(chan relay.Message, 16)}

	h := join(t, router, sink, "room:42", `{"nick":"ada"}`)
	chans := map[string]relay.Handle{"room:42": h}
	t.Cleanup(func() { router.NotifyLeave(chans, nil) })
	_, err := router.Dispatch(context.Background(), relay.Message{Topic: "room:42", Event: EventNewMsg, Ref: "m", Payload: json.RawMessage(`{"body":" hello "}`)}, relay.DispatchContext{
		SessionID: "s1", Channels: chans, Relay: sink,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var sawBroadcast, sawReply bool
	for i := 0; i < 2; i++ {
		msg := sink.next(t)
		switch msg.Event {
		case EventNewMsg:
			var out Outbound
			if err := json.Unmarshal(msg.Payload, &out); err != nil {
				t.Fatalf("decode broadcast: %v", err)
			}
			if out.Body != "hello" || out.Nick != "ada" || !out.SentAt.Equal(fixed) {
				t.Fatalf("unexpected broadcast: %#v", out)
			}
			sawBroadcast = true
		case relay.EventReply:
			if msg.Ref != "m" || !strings.Contains(string(msg.Payload), `"status":"ok"`) {
				t.Fatalf("unexpected reply: %#v", msg)
			}
			sawReply = true
		}
	}
	if !sawBroadcast || !sawReply {
		t.Fatalf("broadcast=%v reply=%v", sawBroadcast, sawReply)
	}
}

func TestRoomRejectsEmptyIDAndBody(t *testing.T) {
	handler := NewHandler()
	sock := &channel.Socket{Assigns: map[string]any{}}
	if _, err := handler.Join(context.Background(), "room:", nil, sock); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("expected ErrInvalidRoom, got %v", err)
	}
	reply, err := handler.HandleIn(context.Background(), relay.Message{Event: EventNewMsg, Payload: json.RawMessage(`{"body":"  "}`)}, sock)
	if err != nil || reply == nil || reply.Status != channel.StatusError {
		t.Fatalf("empty body must be answered with an error reply: %#v %v", reply, err)
	}
	reply, err = handler.HandleIn(context.Background(), relay.Message{Event: EventNewMsg, Payload: json.RawMessage(`{"body":"` + strings.Repeat("x", MaxBodyRunes+1) + `"}`)}, sock)
	if err != nil || reply == nil || reply.Status != channel.StatusError {
		t.Fatalf("oversized body must be rejected: %#v %v", reply, err)
	}
	if _, err := handler.HandleIn(context.Background(), relay.Message{Event: EventCrash}, sock); err == nil {
		t.Fatal("crash must end the process with an error")
	}
}
