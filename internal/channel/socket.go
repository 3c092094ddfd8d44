package channel

import (
	"encoding/json"

	"pollrelay/go-backend/internal/relay"
)

// Socket is the view of one joined topic that handlers work with.
type Socket struct {
	Topic     string
	SessionID string
	Router    string
	Transport string
	JoinRef   string

	// Assigns is private handler state; only the owning process touches it.
	Assigns map[string]any

	processID string
	sink      relay.Sink
	bus       Bus
}

// Push sends an event to this socket's client only.
func (s *Socket) Push(event string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	s.deliver(relay.Message{Topic: s.Topic, Event: event, Payload: raw, JoinRef: s.JoinRef})
	return nil
}

// Broadcast sends an event to every client joined to the topic, this one
// included.
func (s *Socket) Broadcast(event string, payload any) error {
	return s.broadcast("", event, payload)
}

// BroadcastFrom sends an event to every client joined to the topic except
// this one.
func (s *Socket) BroadcastFrom(event string, payload any) error {
	return s.broadcast(s.processID, event, payload)
}

func (s *Socket) broadcast(from, event string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return s.bus.PublishFrom(from, s.Topic, Broadcast{Topic: s.Topic, Event: event, Payload: raw})
}

func (s *Socket) reply(ref string, r Reply) {
	raw, err := json.Marshal(map[string]any{"status": r.Status, "response": nonNil(r.Response)})
	if err != nil {
		raw = []byte(`{"status":"error","response":{}}`)
	}
	s.deliver(relay.Message{Topic: s.Topic, Event: relay.EventReply, Ref: ref, JoinRef: s.JoinRef, Payload: raw})
}

func (s *Socket) deliver(msg relay.Message) {
	s.sink.Deliver(msg)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	case nil:
		return json.RawMessage("{}"), nil
	default:
		return json.Marshal(v)
	}
}

func nonNil(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
