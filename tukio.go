// Package tukio is an event-driven workflow execution engine: workflow
// templates are declarative DAGs of task templates, instantiated into
// workflow executions that schedule tasks along the graph edges, route
// events between tasks and the broker, and enforce lifecycle policies
// (cancellation, timeouts, overrun policies, runtime branch selection).
//
// The root package only re-exports the commonly used types; the
// implementation lives under pkg/.
package tukio

import (
	"github.com/optiflows/tukio/pkg/broker"
	"github.com/optiflows/tukio/pkg/engine"
	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
	"github.com/optiflows/tukio/pkg/workflow"
)

// Event types.
type (
	Event  = event.Event
	Source = event.Source
)

// Broker types.
type Broker = broker.Broker

// ExecTopic is the reserved topic carrying workflow execution events.
const ExecTopic = broker.ExecTopic

// Task types.
type (
	Holder       = task.Holder
	DataReceiver = task.DataReceiver
	Factory      = task.Factory
	TaskRegistry = task.Registry
	TaskTemplate = task.Template
)

// RegisterTask adds a holder factory to the default registry.
func RegisterTask(name string, factory task.Factory) error {
	return task.Register(name, factory)
}

// Workflow types.
type (
	Workflow         = workflow.Workflow
	WorkflowTemplate = workflow.Template
	TemplateDef      = workflow.TemplateDef
	Task             = workflow.Task
	FutureState      = workflow.FutureState
	OverrunPolicy    = workflow.OverrunPolicy
)

// Engine is the trigger layer running instances of loaded templates.
type Engine = engine.Engine

// NewEngine creates an engine with no templates loaded.
func NewEngine(opts ...engine.Option) *engine.Engine {
	return engine.New(opts...)
}

// NewWorkflow creates a workflow execution instance bound to a
// template.
func NewWorkflow(tmpl *workflow.Template, opts ...workflow.Option) *workflow.Workflow {
	return workflow.New(tmpl, opts...)
}

// CurrentWorkflow returns the workflow owning the task currently
// executing in ctx, or nil.
var CurrentWorkflow = workflow.FromContext
