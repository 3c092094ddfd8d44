// Package pubsub provides the in-process topic bus shared by session relays,
// channel processes and the long-poll transport.
//
// Handlers run on the publisher's goroutine, outside the bus lock, and must
// not block. Subscribers that need to do work hand the envelope off to their
// own queue.
package pubsub

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrClosed          = errors.New("pubsub: bus closed")
	ErrInvalidTopic    = errors.New("pubsub: topic is required")
	ErrInvalidHandler  = errors.New("pubsub: handler is required")
	ErrDuplicateClient = errors.New("pubsub: subscriber already registered on topic")
)

// Envelope is one published payload as seen by a subscriber.
type Envelope struct {
	Topic   string
	From    string
	Payload any
}

type Handler func(Envelope)

type subscriber struct {
	id      string
	handler Handler
}

type Bus struct {
	name string

	mu     sync.RWMutex
	topics map[string]map[string]*subscriber
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func New(name string) *Bus {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	return &Bus{
		name:   name,
		topics: make(map[string]map[string]*subscriber),
		done:   make(chan struct{}),
	}
}

func (b *Bus) Name() string {
	return b.name
}

// Done is closed once the bus has been closed. Linked subscribers watch it.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Subscribe registers handler for topic under subscriberID. The returned
// cancel func is idempotent.
func (b *Bus) Subscribe(topic, subscriberID string, handler Handler) (func(), error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*subscriber)
		b.topics[topic] = subs
	}
	if _, exists := subs[subscriberID]; exists {
		return nil, ErrDuplicateClient
	}
	sub := &subscriber{id: subscriberID, handler: handler}
	subs[subscriberID] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			current, ok := b.topics[topic]
			if !ok {
				return
			}
			if current[subscriberID] == sub {
				delete(current, subscriberID)
			}
			if len(current) == 0 {
				delete(b.topics, topic)
			}
		})
	}
	return cancel, nil
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic string, payload any) error {
	return b.PublishFrom("", topic, payload)
}

// PublishFrom delivers payload to every subscriber of topic except from.
func (b *Bus) PublishFrom(from, topic string, payload any) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidTopic
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(b.topics[topic]))
	for id, sub := range b.topics[topic] {
		if from != "" && id == from {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	env := Envelope{Topic: topic, From: from, Payload: payload}
	for _, sub := range targets {
		sub.handler(env)
	}
	return nil
}

// SubscriberCount reports how many subscribers topic currently has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[strings.TrimSpace(topic)])
}

// Close drops every subscription and signals Done.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.topics = make(map[string]map[string]*subscriber)
		b.mu.Unlock()
		close(b.done)
	})
}
