package relay

import (
	"context"
	"encoding/json"
	"errors"

	"pollrelay/go-backend/internal/pubsub"
)

const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"

	// TransportLongPoll tags dispatches coming from the long-poll transport.
	TransportLongPoll = "longpoll"

	// IgnoredReason is reported for dispatches the channel layer ignored.
	IgnoredReason = "ignored"
)

var (
	ErrInvalidSessionConfig = errors.New("relay: invalid session config")
	ErrSessionGone          = errors.New("relay: session is not running")
	ErrSessionNotFound      = errors.New("relay: session not found")
	ErrPoolExhausted        = errors.New("relay: session pool exhausted")
	ErrPoolClosed           = errors.New("relay: session pool closed")

	// Exit reasons.
	ErrIdleTimeout = errors.New("relay: idle timeout")
	ErrShutdown    = errors.New("relay: shutdown")
	ErrBusDown     = errors.New("relay: bus terminated")

	// ErrIgnored is returned by a Dispatcher that chose not to handle a message.
	ErrIgnored = errors.New("relay: message ignored")
	// ErrChannelClosed marks a graceful channel exit. Channel implementations
	// wrap it in their own leave/close reasons.
	ErrChannelClosed = errors.New("relay: channel closed")
)

// Message is the unit exchanged between the client, the relay and channels.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Handle is the address of a running channel process.
type Handle interface {
	ID() string
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err reports the exit reason once Done is closed. nil means normal exit.
	Err() error
}

// Sink is how channel processes push outbound messages to a relay.
type Sink interface {
	ID() string
	// Deliver queues msg for the client. It reports false once the relay
	// has terminated.
	Deliver(msg Message) bool
}

// DispatchContext carries everything a Dispatcher needs besides the message.
type DispatchContext struct {
	SessionID string
	Channels  map[string]Handle
	Relay     Sink
	Router    string
	Bus       string
	Transport string
}

// Dispatcher is the channel-dispatch layer.
//
// Dispatch returns a non-nil Handle when the message created a new channel
// process, (nil, nil) when the message was accepted, ErrIgnored when it was
// ignored, and any other error when it was rejected.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message, dc DispatchContext) (Handle, error)
	NotifyLeave(channels map[string]Handle, reason error)
}

// Bus is the pub-sub surface a relay needs.
type Bus interface {
	Name() string
	Subscribe(topic, subscriberID string, handler pubsub.Handler) (func(), error)
	PublishFrom(from, topic string, payload any) error
	Done() <-chan struct{}
}

type NotificationKind string

const (
	NotifyOK       NotificationKind = "ok"
	NotifyError    NotificationKind = "error"
	NotifyMessages NotificationKind = "messages"
)

type Op string

const (
	OpDispatch  Op = "dispatch"
	OpSubscribe Op = "subscribe"
	OpFlush     Op = "flush"
	OpAck       Op = "ack"
)

// Notification is published by a relay on its private topic, tagged with the
// ref the caller supplied.
type Notification struct {
	Kind     NotificationKind
	Op       Op
	Ref      string
	HandleID string
	Reason   string
	Messages []Message
}

// Request is the bus form of the relay entry points.
type Request struct {
	Op      Op
	Ref     string
	Message Message
	Count   int
}

// IsGracefulExit reports whether a channel exit reason is a normal close.
func IsGracefulExit(reason error) bool {
	return reason == nil || errors.Is(reason, ErrChannelClosed)
}

// IsNormalExit reports whether a relay exit reason is part of its designed
// stop path.
func IsNormalExit(reason error) bool {
	return reason == nil || errors.Is(reason, ErrIdleTimeout) || errors.Is(reason, ErrShutdown)
}

// ExitLabel maps a relay exit reason to a short label for logs and metrics.
func ExitLabel(reason error) string {
	switch {
	case reason == nil:
		return "normal"
	case errors.Is(reason, ErrIdleTimeout):
		return "idle"
	case errors.Is(reason, ErrShutdown):
		return "shutdown"
	case errors.Is(reason, ErrBusDown):
		return "bus_down"
	default:
		return "abnormal"
	}
}
