package relay

import (
	"log/slog"

	"pollrelay/go-backend/internal/pubsub"
)

// busClient binds a Bus to one relay identity and its private topic.
type busClient struct {
	bus    Bus
	selfID string
	topic  string
	cancel func()
	log    *slog.Logger
}

func newBusClient(bus Bus, selfID, topic string, log *slog.Logger) *busClient {
	return &busClient{bus: bus, selfID: selfID, topic: topic, log: log}
}

// subscribeLinked subscribes to the private topic. Termination of the bus is
// observed through done().
func (c *busClient) subscribeLinked(handler pubsub.Handler) error {
	cancel, err := c.bus.Subscribe(c.topic, c.selfID, handler)
	if err != nil {
		return err
	}
	c.cancel = cancel
	return nil
}

func (c *busClient) done() <-chan struct{} {
	return c.bus.Done()
}

// publish sends n to every private-topic subscriber except the relay itself.
func (c *busClient) publish(n Notification) {
	if err := c.bus.PublishFrom(c.selfID, c.topic, n); err != nil {
		c.log.Debug("relay notification dropped", "op", string(n.Op), "kind", string(n.Kind), "error", err)
	}
}

func (c *busClient) unsubscribe() {
	if c.cancel != nil {
		c.cancel()
	}
}
