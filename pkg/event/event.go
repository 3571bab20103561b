package event

// Source identifies where an event was emitted from. All fields are
// optional: an event produced outside any workflow has an empty source,
// an event produced by the engine itself carries only the workflow IDs,
// and an event produced by a task carries all four.
type Source struct {
	WorkflowTemplateID string `json:"workflow_template_id,omitempty"`
	WorkflowExecID     string `json:"workflow_exec_id,omitempty"`
	TaskTemplateID     string `json:"task_template_id,omitempty"`
	TaskExecID         string `json:"task_exec_id,omitempty"`
}

// Event is the unit of data routed between tasks, workflows and the
// broker. Data is an opaque payload owned by the producer. Topic is
// stamped by the broker at dispatch time and is empty on events that
// never went through it (seed and join events).
type Event struct {
	Data   any    `json:"data"`
	Source Source `json:"source"`
	Topic  string `json:"topic,omitempty"`
}

// New creates an event from an opaque payload.
func New(data any) *Event {
	return &Event{Data: data}
}

// Wrap returns data unchanged if it already is an *Event, otherwise it
// wraps the payload into a new event stamped with the given source.
func Wrap(data any, source Source) *Event {
	if ev, ok := data.(*Event); ok {
		return ev
	}
	return &Event{Data: data, Source: source}
}
