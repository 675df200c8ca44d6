// Package bus mirrors accepted webhook deliveries onto external brokers.
// The relay's own fanout is in-memory and ephemeral; the mirror gives
// downstream systems a durable copy of the same events via watermill
// publishers, selected per event by a small rule engine.
package bus

import (
	"context"
	"encoding/json"
	"expvar"
	"log"

	"prrelay/pkg/relay"
)

var publishErrors = expvar.NewMap("prrelay_publish_errors_total")

// Event is one accepted delivery as handed to publishers. Raw carries the
// serialized envelope so every driver forwards byte-identical payloads.
type Event struct {
	Kind       string
	Action     string
	DeliveryID string
	Envelope   relay.Envelope
	Raw        []byte
}

// Mirror couples the rule engine to a publisher. With no rules configured
// every event goes to the default topic on all drivers.
type Mirror struct {
	engine    *RuleEngine
	publisher Publisher
	topic     string
	logger    *log.Logger
}

func NewMirror(engine *RuleEngine, publisher Publisher, defaultTopic string, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.Default()
	}
	if defaultTopic == "" {
		defaultTopic = "relay.events"
	}
	return &Mirror{engine: engine, publisher: publisher, topic: defaultTopic, logger: logger}
}

// Publish mirrors one envelope. Failures are logged and counted, never
// propagated: the relay's HTTP response does not depend on broker health.
func (m *Mirror) Publish(ctx context.Context, env relay.Envelope, deliveryID string) {
	raw, err := json.Marshal(env)
	if err != nil {
		m.logger.Printf("mirror: encode envelope for %s: %v", env.Key, err)
		return
	}
	event := Event{
		Kind:       env.Event.Kind,
		Action:     env.Event.Action(),
		DeliveryID: deliveryID,
		Envelope:   env,
		Raw:        raw,
	}

	targets := []Match{{Topic: m.topic}}
	if m.engine != nil {
		if matches := m.engine.Evaluate(event); len(matches) > 0 {
			targets = matches
		} else if len(m.engine.rules) > 0 {
			return
		}
	}
	for _, match := range targets {
		if err := m.publisher.PublishForDrivers(ctx, match.Topic, event, match.Drivers); err != nil {
			publishErrors.Add(match.Topic, 1)
			m.logger.Printf("mirror: publish %s to %s: %v", env.Key, match.Topic, err)
		}
	}
}

// Close releases the underlying publisher.
func (m *Mirror) Close() error {
	if m.publisher == nil {
		return nil
	}
	return m.publisher.Close()
}
