package task

import (
	"context"

	"github.com/optiflows/tukio/pkg/event"
)

// Holder implements the business logic of a task. A holder instance is
// created per task execution by the factory registered under the task
// name, configured from the template's config map.
type Holder interface {
	// Execute runs the task against its seed event. It must honor ctx
	// cancellation: a cancelled or timed out task has its context
	// cancelled and is expected to return promptly.
	Execute(ctx context.Context, ev *event.Event) (any, error)
}

// DataReceiver is implemented by holders that consume events delivered
// while the task runs: join events from upstream tasks and broker
// events from the topics the task template listens to. Events arrive in
// delivery order, one at a time.
type DataReceiver interface {
	DataReceived(ctx context.Context, ev *event.Event)
}

// Reporter is implemented by holders that augment the task's entry in
// workflow execution reports.
type Reporter interface {
	Report() map[string]any
}

// Factory builds a holder from a template config map. It may fail, e.g.
// on a missing or malformed config key; the engine treats that as a
// task creation failure.
type Factory func(config map[string]any) (Holder, error)
