// Package rooms is the chat-room channel served by the daemon on "room:*".
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pollrelay/go-backend/internal/channel"
	"pollrelay/go-backend/internal/relay"
)

const (
	TopicPattern = "room:*"

	EventNewMsg = "new_msg"
	EventPing   = "ping"
	EventCrash  = "crash"

	MaxBodyRunes = 4096
)

var (
	ErrInvalidRoom = errors.New("rooms: invalid room id")
	ErrInvalidBody = errors.New("rooms: message body is required")
	ErrBodyTooLong = errors.New("rooms: message body too long")
)

type Handler struct {
	now func() time.Time
}

func NewHandler() *Handler {
	return &Handler{now: func() time.Time { return time.Now().UTC() }}
}

type joinPayload struct {
	Nick string `json:"nick"`
}

type newMsgPayload struct {
	Body string `json:"body"`
}

// Outbound is what room members receive for new_msg.
type Outbound struct {
	Body   string    `json:"body"`
	Nick   string    `json:"nick,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

func (h *Handler) Join(_ context.Context, topic string, payload json.RawMessage, sock *channel.Socket) (any, error) {
	roomID := strings.TrimSpace(strings.TrimPrefix(topic, "room:"))
	if roomID == "" {
		return nil, ErrInvalidRoom
	}
	var p joinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("rooms: invalid join payload: %w", err)
		}
	}
	sock.Assigns["room_id"] = roomID
	sock.Assigns["nick"] = strings.TrimSpace(p.Nick)
	return map[string]string{"room_id": roomID}, nil
}

func (h *Handler) HandleIn(_ context.Context, msg relay.Message, sock *channel.Socket) (*channel.Reply, error) {
	switch msg.Event {
	case EventNewMsg:
		var p newMsgPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return channel.Error(map[string]string{"reason": "invalid payload"}), nil
		}
		body := strings.TrimSpace(p.Body)
		switch {
		case body == "":
			return channel.Error(map[string]string{"reason": ErrInvalidBody.Error()}), nil
		case utf8.RuneCountInString(body) > MaxBodyRunes:
			return channel.Error(map[string]string{"reason": ErrBodyTooLong.Error()}), nil
		}
		nick, _ := sock.Assigns["nick"].(string)
		if err := sock.Broadcast(EventNewMsg, Outbound{Body: body, Nick: nick, SentAt: h.now()}); err != nil {
			return nil, err
		}
		return channel.OK(nil), nil
	case EventPing:
		roomID, _ := sock.Assigns["room_id"].(string)
		return channel.OK(map[string]string{"pong": roomID}), nil
	case EventCrash:
		return nil, errors.New("rooms: crash requested")
	}
	return channel.Error(map[string]string{"reason": "unknown event"}), nil
}
