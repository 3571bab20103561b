package workflow

import "context"

// contextKey is a private type for context keys so they cannot collide
// with keys from other packages.
type contextKey int

const (
	workflowKey contextKey = iota
	taskKey
)

// FromContext returns the workflow owning the currently executing task,
// or nil when the context does not belong to a workflow. The engine
// installs the workflow into the context passed to every holder entry
// point (Execute and DataReceived).
func FromContext(ctx context.Context) *Workflow {
	wf, _ := ctx.Value(workflowKey).(*Workflow)
	return wf
}

// TaskFromContext returns the currently executing task, or nil.
func TaskFromContext(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey).(*Task)
	return t
}

func withTask(ctx context.Context, t *Task) context.Context {
	ctx = context.WithValue(ctx, workflowKey, t.wf)
	return context.WithValue(ctx, taskKey, t)
}
