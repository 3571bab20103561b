package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/optiflows/tukio/pkg/event"
)

// Memory is an in-process broker keeping subscriptions in maps. Global
// handlers (registered with no topic) receive every dispatched event.
// Handlers are invoked synchronously, outside the broker lock, in an
// unspecified order.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*Registration]struct{}
	global map[*Registration]struct{}
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]map[*Registration]struct{}),
		global: make(map[*Registration]struct{}),
	}
}

// Register subscribes a handler to the given topics, or to every topic
// when none is given.
func (m *Memory) Register(h Handler, topics ...string) *Registration {
	reg := &Registration{handler: h, topics: append([]string(nil), topics...)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(topics) == 0 {
		m.global[reg] = struct{}{}
		log.Debug().Msg("broker: registered global handler")
		return reg
	}
	for _, topic := range topics {
		set, ok := m.topics[topic]
		if !ok {
			set = make(map[*Registration]struct{})
			m.topics[topic] = set
		}
		set[reg] = struct{}{}
	}
	log.Debug().Strs("topics", topics).Msg("broker: registered handler")
	return reg
}

// Unregister removes a registration made on this broker.
func (m *Memory) Unregister(reg *Registration) error {
	if reg == nil {
		return fmt.Errorf("nil registration")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(reg.topics) == 0 {
		if _, ok := m.global[reg]; !ok {
			return fmt.Errorf("handler not registered")
		}
		delete(m.global, reg)
		return nil
	}
	found := false
	for _, topic := range reg.topics {
		if set, ok := m.topics[topic]; ok {
			if _, ok := set[reg]; ok {
				delete(set, reg)
				found = true
				if len(set) == 0 {
					delete(m.topics, topic)
				}
			}
		}
	}
	if !found {
		return fmt.Errorf("handler not registered")
	}
	return nil
}

// Dispatch delivers the event to the topic's handlers and to every
// global handler. A panicking handler is recovered and logged, it never
// takes down the dispatcher.
func (m *Memory) Dispatch(ctx context.Context, ev *event.Event, topic string) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.global)+len(m.topics[topic]))
	for reg := range m.global {
		handlers = append(handlers, reg.handler)
	}
	for reg := range m.topics[topic] {
		handlers = append(handlers, reg.handler)
	}
	m.mu.RUnlock()

	if ev.Topic != topic {
		stamped := *ev
		stamped.Topic = topic
		ev = &stamped
	}
	log.Debug().Str("topic", topic).Int("handlers", len(handlers)).
		Msg("broker: dispatching event")
	for _, h := range handlers {
		safeHandle(ctx, h, ev, topic)
	}
}
