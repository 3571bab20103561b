// Package engine ties templates, the broker and the overrun policies
// together: it keeps a store of loaded workflow templates, triggers new
// workflow instances when data is received on a matching topic and
// tracks the running instances of each template.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/optiflows/tukio/pkg/broker"
	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
	"github.com/optiflows/tukio/pkg/workflow"
)

// Engine triggers and tracks workflow executions.
type Engine struct {
	broker   broker.Broker
	registry *task.Registry
	cron     *cron.Cron

	mu        sync.Mutex
	templates map[string]*workflow.Template
	running   map[string][]*workflow.Workflow
	attached  *broker.Registration
}

// Option configures an engine.
type Option func(*Engine)

// WithBroker injects the broker shared by the engine and the workflows
// it runs. Defaults to the process-wide broker.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithRegistry injects the task registry used by loaded templates.
// Defaults to the process-wide registry.
func WithRegistry(r *task.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// New creates an engine with no templates loaded. The cron scheduler
// is created stopped; see StartScheduler.
func New(opts ...Option) *Engine {
	e := &Engine{
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		templates: make(map[string]*workflow.Template),
		running:   make(map[string][]*workflow.Workflow),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.broker == nil {
		e.broker = broker.Default()
	}
	return e
}

// Load validates a template and stores it, replacing any previous
// template with the same uid (reload).
func (e *Engine) Load(tmpl *workflow.Template) error {
	if err := tmpl.Validate(e.registry); err != nil {
		return fmt.Errorf("cannot load template %s: %w", tmpl.UID(), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.UID()] = tmpl
	log.Info().Str("template", tmpl.UID()).Msg("workflow template loaded")
	return nil
}

// Unload removes a template from the store. Running instances are left
// untouched.
func (e *Engine) Unload(uid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.templates[uid]; !ok {
		return fmt.Errorf("no template loaded under id %q", uid)
	}
	delete(e.templates, uid)
	return nil
}

// Template returns the loaded template with the given uid, or nil.
func (e *Engine) Template(uid string) *workflow.Template {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.templates[uid]
}

// Templates returns all loaded templates sorted by uid.
func (e *Engine) Templates() []*workflow.Template {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*workflow.Template, 0, len(e.templates))
	for _, tmpl := range e.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out
}

// Running returns the running instances of a template, pruned of
// terminal ones.
func (e *Engine) Running(uid string) []*workflow.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*workflow.Workflow(nil), e.pruneLocked(uid)...)
}

// DataReceived triggers a new instance of every loaded template whose
// topics match the one data was received on: templates with no topics
// list trigger on anything, templates with an empty list never trigger
// on data, others only on a whitelisted topic. The reserved exec topic
// never triggers anything. Returns the workflows actually started.
func (e *Engine) DataReceived(ctx context.Context, data any, topic string) []*workflow.Workflow {
	if topic == broker.ExecTopic {
		return nil
	}
	var triggered []*workflow.Workflow
	for _, tmpl := range e.Templates() {
		switch tmpl.Listen() {
		case task.ListenNothing:
			continue
		case task.ListenTopics:
			if topic == "" || !contains(tmpl.Topics(), topic) {
				continue
			}
		}
		wf, err := e.trigger(ctx, tmpl, data)
		if err != nil {
			log.Error().Err(err).Str("template", tmpl.UID()).
				Msg("failed to trigger workflow")
			continue
		}
		if wf != nil {
			triggered = append(triggered, wf)
		}
	}
	return triggered
}

// Run triggers one instance of a loaded template directly, going
// through its overrun policy. A nil workflow with a nil error means the
// policy skipped this run.
func (e *Engine) Run(ctx context.Context, uid string, data any) (*workflow.Workflow, error) {
	e.mu.Lock()
	tmpl, ok := e.templates[uid]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no template loaded under id %q", uid)
	}
	return e.trigger(ctx, tmpl, data)
}

// Attach subscribes the engine to every topic of its broker, so that
// dispatched events trigger workflows without an explicit DataReceived
// call.
func (e *Engine) Attach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached != nil {
		return
	}
	e.attached = e.broker.Register(func(ctx context.Context, ev *event.Event) {
		e.DataReceived(ctx, ev.Data, ev.Topic)
	})
}

// Detach removes the subscription made by Attach.
func (e *Engine) Detach() error {
	e.mu.Lock()
	reg := e.attached
	e.attached = nil
	e.mu.Unlock()
	if reg == nil {
		return nil
	}
	return e.broker.Unregister(reg)
}

// trigger runs the template's overrun policy against its live instances
// and starts the admitted workflow, if any.
func (e *Engine) trigger(ctx context.Context, tmpl *workflow.Template, data any) (*workflow.Workflow, error) {
	e.mu.Lock()
	running := e.pruneLocked(tmpl.UID())
	handler := workflow.NewPolicyHandler(tmpl,
		workflow.WithBroker(e.broker), workflow.WithRegistry(e.registry))
	wf, err := handler.NewWorkflow(running)
	if err != nil || wf == nil {
		e.mu.Unlock()
		return nil, err
	}
	e.running[tmpl.UID()] = append(e.running[tmpl.UID()], wf)
	e.mu.Unlock()

	if _, err := wf.Run(ctx, data); err != nil {
		e.remove(tmpl.UID(), wf)
		return nil, err
	}
	go func() {
		<-wf.Done()
		e.remove(tmpl.UID(), wf)
	}()
	return wf, nil
}

// pruneLocked drops terminal instances from the running list of a
// template and returns what is left. Callers hold e.mu.
func (e *Engine) pruneLocked(uid string) []*workflow.Workflow {
	live := e.running[uid][:0]
	for _, wf := range e.running[uid] {
		if !wf.State().Terminal() {
			live = append(live, wf)
		}
	}
	if len(live) == 0 {
		delete(e.running, uid)
		return nil
	}
	e.running[uid] = live
	return live
}

func (e *Engine) remove(uid string, wf *workflow.Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.running[uid][:0]
	for _, running := range e.running[uid] {
		if running != wf {
			list = append(list, running)
		}
	}
	if len(list) == 0 {
		delete(e.running, uid)
		return
	}
	e.running[uid] = list
}

func contains(list []string, item string) bool {
	for _, candidate := range list {
		if candidate == item {
			return true
		}
	}
	return false
}
