package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/optiflows/tukio/pkg/event"
)

// ExecTopic is the reserved topic on which the workflow engine
// publishes its execution events (workflow-begin, workflow-end,
// workflow-error, workflow-progress).
const ExecTopic = "tukio-exec"

// Handler consumes events dispatched on a topic.
type Handler func(ctx context.Context, ev *event.Event)

// Registration is the opaque handle returned by Register. It is the
// identity used to unregister a handler.
type Registration struct {
	handler Handler
	topics  []string
}

// Topics returns the topics the registration was made for. Nil means
// the handler receives events from every topic.
func (r *Registration) Topics() []string {
	return append([]string(nil), r.topics...)
}

// Broker is the narrow publish/subscribe facade the workflow engine
// depends on. Implementations must be safe for concurrent Register,
// Unregister and Dispatch calls.
type Broker interface {
	// Register subscribes a handler. With no topics the handler
	// receives events dispatched on any topic.
	Register(h Handler, topics ...string) *Registration

	// Unregister removes a previous registration. It fails if the
	// registration is unknown (e.g. already unregistered).
	Unregister(reg *Registration) error

	// Dispatch delivers an event to every handler registered for the
	// topic, plus every catch-all handler.
	Dispatch(ctx context.Context, ev *event.Event, topic string)
}

var (
	defaultMu     sync.Mutex
	defaultBroker Broker
)

// Default returns the process-wide broker, creating an in-memory one on
// first use. Workflows fall back to it when none is injected.
func Default() Broker {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBroker == nil {
		defaultBroker = NewMemory()
	}
	return defaultBroker
}

// SetDefault replaces the process-wide broker.
func SetDefault(b Broker) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBroker = b
}

func safeHandle(ctx context.Context, h Handler, ev *event.Event, topic string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", topic).
				Msg("event handler panicked")
		}
	}()
	h(ctx, ev)
}
