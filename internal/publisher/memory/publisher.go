// Package memory contains an in-process publisher used by tests and by
// deployments that run without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Publisher keeps every published payload for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failWith error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. A nil err restores normal behavior.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded pipeline events, optionally filtered by type.
func (p *Publisher) Events(types ...pipeline.EventType) []pipeline.Event {
	want := make(map[pipeline.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []pipeline.Event
	for _, msg := range p.Messages() {
		event, ok := msg.Payload.(pipeline.Event)
		if !ok {
			continue
		}
		if len(want) > 0 && !want[event.Type] {
			continue
		}
		out = append(out, event)
	}
	return out
}
