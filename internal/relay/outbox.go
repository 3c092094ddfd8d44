package relay

import "github.com/eapache/queue"

// outbox holds messages produced for the client, oldest first. Entries leave
// only through acknowledgment.
type outbox struct {
	q *queue.Queue
}

func newOutbox() *outbox {
	return &outbox{q: queue.New()}
}

func (o *outbox) push(msg Message) {
	o.q.Add(msg)
}

func (o *outbox) len() int {
	return o.q.Length()
}

// snapshot returns the buffered messages in production order.
func (o *outbox) snapshot() []Message {
	out := make([]Message, o.q.Length())
	for i := range out {
		out[i] = o.q.Get(i).(Message)
	}
	return out
}

// evict drops up to n of the oldest messages and returns how many went.
func (o *outbox) evict(n int) int {
	evicted := 0
	for evicted < n && o.q.Length() > 0 {
		o.q.Remove()
		evicted++
	}
	return evicted
}
