package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pollrelay/go-backend/internal/relay"
)

const (
	PhoenixTopic = "phoenix"

	DefaultSendTimeout = 5 * time.Second

	StatusOK    = "ok"
	StatusError = "error"
)

var (
	ErrDuplicateJoin = errors.New("channel: topic already joined")
	ErrRateLimited   = errors.New("channel: dispatch rate limited")
	ErrProcessExited = errors.New("channel: process exited")
	ErrForeignHandle = errors.New("channel: handle not owned by this router")
	ErrProcessBusy   = errors.New("channel: process inbox full")

	// ErrLeft is the exit reason of a process whose client left. It is a
	// graceful exit for the relay.
	ErrLeft = fmt.Errorf("channel: client left: %w", relay.ErrChannelClosed)
	// ErrStop may be returned by HandleIn to stop the process gracefully.
	ErrStop = fmt.Errorf("channel: stopped: %w", relay.ErrChannelClosed)
)

// Reply is sent back to the client as a phx_reply for the triggering message.
type Reply struct {
	Status   string
	Response any
}

func OK(response any) *Reply {
	return &Reply{Status: StatusOK, Response: response}
}

func Error(response any) *Reply {
	return &Reply{Status: StatusError, Response: response}
}

// Handler implements one kind of channel.
//
// Join authorizes a client joining topic and returns the join response.
// HandleIn runs for every later client event; returning an error ends the
// process (ErrStop gracefully, anything else as a crash).
type Handler interface {
	Join(ctx context.Context, topic string, payload json.RawMessage, sock *Socket) (any, error)
	HandleIn(ctx context.Context, msg relay.Message, sock *Socket) (*Reply, error)
}

// Terminator is implemented by handlers that want to observe process exit.
type Terminator interface {
	Terminate(reason error, sock *Socket)
}

// BroadcastInterceptor lets a handler filter or rewrite broadcasts before
// they reach its client. Returning false drops the broadcast.
type BroadcastInterceptor interface {
	HandleOut(event string, payload json.RawMessage, sock *Socket) (json.RawMessage, bool)
}

// Broadcast is the bus payload for topic-wide fan-out.
type Broadcast struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}
