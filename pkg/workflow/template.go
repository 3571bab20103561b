package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/optiflows/tukio/pkg/dag"
	"github.com/optiflows/tukio/pkg/task"
)

// TemplateDef is the declarative form of a workflow template. Topics
// follows the usual tri-state (nil = trigger on anything, empty =
// never trigger on data, list = whitelist) and must not carry
// omitempty, which would turn the empty list into null on the wire;
// Timeout is the optional workflow-level timeout in seconds; Schema is
// an opaque version tag passed through untouched.
type TemplateDef struct {
	ID      string              `json:"id,omitempty"`
	Schema  int                 `json:"schema,omitempty"`
	Policy  string              `json:"policy,omitempty"`
	Topics  []string            `json:"topics"`
	Timeout float64             `json:"timeout,omitempty"`
	Tasks   []task.Def          `json:"tasks"`
	Graph   map[string][]string `json:"graph"`
}

// Template is a validated DAG of task templates, ready to be
// instantiated into Workflow executions.
type Template struct {
	uid     string
	schema  int
	policy  OverrunPolicy
	topics  []string
	timeout time.Duration
	graph   *dag.Graph
	tasks   map[string]*task.Template
	order   []string
}

// FromDef parses a declarative workflow definition into a template.
// The resulting DAG is guaranteed acyclic; single-root and registered
// task names are checked separately by Validate.
func FromDef(def TemplateDef) (*Template, error) {
	policy, err := ParsePolicy(def.Policy)
	if err != nil {
		return nil, err
	}
	if def.Timeout < 0 {
		return nil, fmt.Errorf("workflow template %q has a negative timeout", def.ID)
	}
	tmpl := &Template{
		uid:     def.ID,
		schema:  def.Schema,
		policy:  policy,
		topics:  def.Topics,
		timeout: time.Duration(def.Timeout * float64(time.Second)),
		graph:   dag.New(),
		tasks:   make(map[string]*task.Template, len(def.Tasks)),
	}
	if tmpl.uid == "" {
		tmpl.uid = uuid.New().String()
	}

	for _, taskDef := range def.Tasks {
		taskTmpl, err := task.FromDef(taskDef)
		if err != nil {
			return nil, err
		}
		if _, ok := tmpl.tasks[taskTmpl.UID()]; ok {
			return nil, fmt.Errorf("duplicate task id %q", taskTmpl.UID())
		}
		tmpl.tasks[taskTmpl.UID()] = taskTmpl
		tmpl.order = append(tmpl.order, taskTmpl.UID())
		if err := tmpl.graph.AddNode(taskTmpl.UID()); err != nil {
			return nil, err
		}
	}

	for _, upID := range tmpl.order {
		downIDs, ok := def.Graph[upID]
		if !ok {
			continue
		}
		for _, downID := range downIDs {
			if _, ok := tmpl.tasks[downID]; !ok {
				return nil, &GraphError{TaskID: downID}
			}
			if err := tmpl.graph.AddEdge(upID, downID); err != nil {
				return nil, err
			}
		}
	}
	// Graph keys that name no known task are structural errors too.
	for upID := range def.Graph {
		if _, ok := tmpl.tasks[upID]; !ok {
			return nil, &GraphError{TaskID: upID}
		}
	}
	return tmpl, nil
}

// ParseJSON decodes a JSON document into a template.
func ParseJSON(data []byte) (*Template, error) {
	var def TemplateDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow template: %w", err)
	}
	return FromDef(def)
}

// UID returns the template ID.
func (t *Template) UID() string { return t.uid }

// Policy returns the template's overrun policy.
func (t *Template) Policy() OverrunPolicy { return t.policy }

// Topics returns the trigger topics as declared (nil = everything).
func (t *Template) Topics() []string { return t.topics }

// Listen returns the trigger mode derived from Topics. It gates when a
// new instance of the workflow may be triggered by incoming data, not
// what its tasks subscribe to.
func (t *Template) Listen() task.Listen { return task.ListenFor(t.topics) }

// Timeout returns the workflow-level timeout, zero when none is set.
func (t *Template) Timeout() time.Duration { return t.timeout }

// Graph returns the underlying DAG.
func (t *Template) Graph() *dag.Graph { return t.graph }

// Tasks returns the task templates in declaration order.
func (t *Template) Tasks() []*task.Template {
	out := make([]*task.Template, 0, len(t.order))
	for _, uid := range t.order {
		out = append(out, t.tasks[uid])
	}
	return out
}

// Task returns the task template with the given id, or nil.
func (t *Template) Task(uid string) *task.Template {
	return t.tasks[uid]
}

// Root returns the single root task template. It fails when the graph
// has zero or several roots.
func (t *Template) Root() (*task.Template, error) {
	roots := t.graph.Roots()
	if len(roots) != 1 {
		return nil, &RootTaskError{Count: len(roots)}
	}
	return t.tasks[roots[0]], nil
}

// Validate checks the template is runnable: the DAG has a single root
// and every task name resolves in the registry (the default one when
// registry is nil).
func (t *Template) Validate(registry *task.Registry) error {
	if err := t.graph.Validate(); err != nil {
		return err
	}
	if _, err := t.Root(); err != nil {
		return err
	}
	if registry == nil {
		registry = task.DefaultRegistry()
	}
	for _, uid := range t.order {
		if _, err := registry.Get(t.tasks[uid].Name()); err != nil {
			return err
		}
	}
	return nil
}

// AsDef round-trips the template back to its declarative form, tasks in
// declaration order and the graph as a full adjacency map.
func (t *Template) AsDef() TemplateDef {
	def := TemplateDef{
		ID:      t.uid,
		Schema:  t.schema,
		Policy:  string(t.policy),
		Topics:  t.topics,
		Timeout: t.timeout.Seconds(),
		Graph:   t.graph.AsMap(),
	}
	for _, uid := range t.order {
		def.Tasks = append(def.Tasks, t.tasks[uid].AsDef())
	}
	return def
}

func (t *Template) String() string {
	return fmt.Sprintf("<WorkflowTemplate uid=%s>", t.uid)
}
