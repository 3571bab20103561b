package task

import (
	"fmt"
	"time"
)

// Def is the declarative form of a task template, as found in the
// "tasks" list of a workflow definition. Timeout is in seconds; a nil
// Topics listens to everything, an empty one to nothing. Topics must
// not carry omitempty: it would collapse the empty list into null on
// the wire and flip the listen mode.
type Def struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Config  map[string]any `json:"config,omitempty"`
	Timeout float64        `json:"timeout,omitempty"`
	Topics  []string       `json:"topics"`
}

// Template is an immutable task node of a workflow template.
type Template struct {
	uid     string
	name    string
	config  map[string]any
	timeout time.Duration
	topics  []string
}

// FromDef builds a template from its declarative form.
func FromDef(def Def) (*Template, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("task template has no id")
	}
	if def.Name == "" {
		return nil, fmt.Errorf("task template %q has no name", def.ID)
	}
	if def.Timeout < 0 {
		return nil, fmt.Errorf("task template %q has a negative timeout", def.ID)
	}
	return &Template{
		uid:     def.ID,
		name:    def.Name,
		config:  def.Config,
		timeout: time.Duration(def.Timeout * float64(time.Second)),
		topics:  def.Topics,
	}, nil
}

// UID returns the template ID.
func (t *Template) UID() string { return t.uid }

// Name returns the registered task name the template refers to.
func (t *Template) Name() string { return t.name }

// Config returns the opaque config map passed to the holder factory.
func (t *Template) Config() map[string]any { return t.config }

// Timeout returns the per-task timeout, zero when none is set.
func (t *Template) Timeout() time.Duration { return t.timeout }

// Topics returns the topics field as declared (nil = everything).
func (t *Template) Topics() []string { return t.topics }

// Listen returns the broker subscription mode derived from Topics.
func (t *Template) Listen() Listen { return ListenFor(t.topics) }

// AsDef returns the declarative form of the template.
func (t *Template) AsDef() Def {
	return Def{
		ID:      t.uid,
		Name:    t.name,
		Config:  t.config,
		Timeout: t.timeout.Seconds(),
		Topics:  t.topics,
	}
}

// NewHolder resolves the task name in the registry and invokes the
// factory with the template config. Both steps may fail; the workflow
// engine treats either failure as a task creation failure.
func (t *Template) NewHolder(registry *Registry) (Holder, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	factory, err := registry.Get(t.name)
	if err != nil {
		return nil, err
	}
	holder, err := factory(t.config)
	if err != nil {
		return nil, fmt.Errorf("task %q (%s): %w", t.uid, t.name, err)
	}
	if holder == nil {
		return nil, fmt.Errorf("task %q (%s): factory returned no holder", t.uid, t.name)
	}
	return holder, nil
}

func (t *Template) String() string {
	return fmt.Sprintf("<TaskTemplate uid=%s name=%s>", t.uid, t.name)
}
