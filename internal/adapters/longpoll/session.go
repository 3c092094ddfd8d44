package longpoll

import (
	"context"
	"errors"
	"sync"
	"time"

	"pollrelay/go-backend/internal/pubsub"
	"pollrelay/go-backend/internal/relay"
)

const subscriberPrefix = "longpoll-http:"

var errAnswerTimeout = errors.New("longpoll: relay did not answer in time")

// session is the transport side of one relay: a subscription to the relay's
// private topic that routes notifications to the request waiting on their ref.
type session struct {
	relay        *relay.Relay
	bus          relay.Bus
	subscriberID string
	cancel       func()

	mu      sync.Mutex
	waiters map[string]chan relay.Notification
}

func attachSession(bus relay.Bus, r *relay.Relay) (*session, error) {
	s := &session{
		relay:        r,
		bus:          bus,
		subscriberID: subscriberPrefix + r.ID(),
		waiters:      make(map[string]chan relay.Notification),
	}
	cancel, err := bus.Subscribe(r.PrivateTopic(), s.subscriberID, s.onEnvelope)
	if err != nil {
		return nil, err
	}
	s.cancel = cancel
	return s, nil
}

func (s *session) onEnvelope(env pubsub.Envelope) {
	n, ok := env.Payload.(relay.Notification)
	if !ok {
		return
	}
	s.mu.Lock()
	ch, ok := s.waiters[n.Ref]
	if ok {
		delete(s.waiters, n.Ref)
	}
	s.mu.Unlock()
	if ok {
		ch <- n
	}
}

func (s *session) expect(ref string) <-chan relay.Notification {
	ch := make(chan relay.Notification, 1)
	s.mu.Lock()
	s.waiters[ref] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forget(ref string) {
	s.mu.Lock()
	delete(s.waiters, ref)
	s.mu.Unlock()
}

// call publishes req on the private topic and waits for the notification
// carrying its ref.
func (s *session) call(ctx context.Context, req relay.Request, timeout time.Duration) (relay.Notification, error) {
	answer := s.expect(req.Ref)
	defer s.forget(req.Ref)

	if err := s.bus.PublishFrom(s.subscriberID, s.relay.PrivateTopic(), req); err != nil {
		return relay.Notification{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n := <-answer:
		return n, nil
	case <-s.relay.Done():
		return relay.Notification{}, relay.ErrSessionGone
	case <-ctx.Done():
		return relay.Notification{}, ctx.Err()
	case <-timer.C:
		return relay.Notification{}, errAnswerTimeout
	}
}

func (s *session) detach() {
	if s.cancel != nil {
		s.cancel()
	}
}
