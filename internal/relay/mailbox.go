package relay

import (
	"sync"

	"github.com/eapache/queue"
)

// mailbox is an unbounded FIFO with a wake signal. Senders never block.
type mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
	}
}

func (m *mailbox) push(msg any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.q.Add(msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.Length() == 0 {
		return nil, false
	}
	return m.q.Remove(), true
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

func (m *mailbox) signal() <-chan struct{} {
	return m.wake
}

// close rejects further pushes and drops anything still queued.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	dropped := m.q.Length()
	m.q = queue.New()
	return dropped
}
