package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/optiflows/tukio/pkg/broker"
	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
)

// Workflow executes one instance of a template. Tasks are created along
// the way of the execution: each completed task expands its effective
// successor set, joins deliver events to successors already running.
// A workflow is started at most once and reaches exactly one terminal
// state.
type Workflow struct {
	uid      string
	tmpl     *Template
	broker   broker.Broker
	registry *task.Registry
	source   event.Source

	mu            sync.Mutex
	parent        context.Context
	started       bool
	bootstrapping bool
	terminal      bool
	state         FutureState
	err           error
	tasks         map[*Task]struct{}
	tasksByID     map[string]*Task
	doneTasks     map[*Task]struct{}
	nextOverrides map[*Task][]string
	unlockOn      map[*Task]struct{}
	internalErr   error
	mustCancel    bool
	cancelCause   FutureState
	locked        bool
	startedAt     time.Time
	endedAt       time.Time
	timer         *time.Timer

	done chan struct{}
}

// Option configures a workflow instance.
type Option func(*Workflow)

// WithBroker injects the broker the workflow publishes to and
// subscribes its tasks on. Defaults to the process-wide broker.
func WithBroker(b broker.Broker) Option {
	return func(wf *Workflow) { wf.broker = b }
}

// WithRegistry injects the task registry used to build holders.
// Defaults to the process-wide registry.
func WithRegistry(r *task.Registry) Option {
	return func(wf *Workflow) { wf.registry = r }
}

// New creates a workflow execution instance bound to a template. Under
// the skip-until-unlock overrun policy the instance starts locked and
// blocks new sibling instances until it is unlocked.
func New(tmpl *Template, opts ...Option) *Workflow {
	wf := &Workflow{
		uid:           uuid.New().String(),
		tmpl:          tmpl,
		state:         StatePending,
		tasks:         make(map[*Task]struct{}),
		tasksByID:     make(map[string]*Task),
		doneTasks:     make(map[*Task]struct{}),
		nextOverrides: make(map[*Task][]string),
		unlockOn:      make(map[*Task]struct{}),
		locked:        tmpl.Policy() == OverrunSkipUntilUnlock,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(wf)
	}
	if wf.broker == nil {
		wf.broker = broker.Default()
	}
	wf.source = event.Source{
		WorkflowTemplateID: tmpl.UID(),
		WorkflowExecID:     wf.uid,
	}
	return wf
}

// UID returns the execution id of this instance.
func (wf *Workflow) UID() string { return wf.uid }

// Template returns the template this instance executes.
func (wf *Workflow) Template() *Template { return wf.tmpl }

// Done returns a channel closed when the workflow reaches a terminal
// state.
func (wf *Workflow) Done() <-chan struct{} { return wf.done }

// State returns the current lifecycle state.
func (wf *Workflow) State() FutureState {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.state
}

// Err returns the workflow's terminal error: nil when finished, the
// internal error on exception, ErrCancelled or ErrTimedOut on
// cancellation.
func (wf *Workflow) Err() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.err
}

// Wait blocks until the workflow is terminal or ctx expires, and
// returns the terminal error.
func (wf *Workflow) Wait(ctx context.Context) error {
	select {
	case <-wf.done:
		return wf.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tasks returns every task started so far, in template declaration
// order.
func (wf *Workflow) Tasks() []*Task {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	out := make([]*Task, 0, len(wf.tasks))
	for _, tmplTask := range wf.tmpl.Tasks() {
		if t, ok := wf.tasksByID[tmplTask.UID()]; ok {
			out = append(out, t)
		}
	}
	return out
}

// TaskByID returns the task started from the given template id, or nil
// when that template was never started.
func (wf *Workflow) TaskByID(templateID string) *Task {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.tasksByID[templateID]
}

// StartedAt returns the UTC time Run was called.
func (wf *Workflow) StartedAt() time.Time {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.startedAt
}

// EndedAt returns the UTC time the workflow reached its terminal state.
func (wf *Workflow) EndedAt() time.Time {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.endedAt
}

// Locked reports whether the instance still blocks new sibling
// instances under the skip-until-unlock policy.
func (wf *Workflow) Locked() bool {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.locked
}

// Unlock releases the overrun lock, allowing a new sibling instance to
// be admitted under skip-until-unlock.
func (wf *Workflow) Unlock() {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.locked = false
}

// UnlockWhenTaskDone unlocks the workflow as soon as the given task
// completes. The task must belong to this workflow.
func (wf *Workflow) UnlockWhenTaskDone(t *Task) error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if t == nil || t.wf != wf {
		return ErrNotOwnedTask
	}
	if _, ok := wf.tasks[t]; !ok {
		return ErrNotOwnedTask
	}
	if _, done := wf.doneTasks[t]; done {
		wf.locked = false
		return nil
	}
	wf.unlockOn[t] = struct{}{}
	return nil
}

// Run starts the execution: it publishes workflow-begin on the reserved
// exec topic, wraps data into an event and starts the single root task.
// It fails with ErrAlreadyRun when called twice. On a startup failure
// the returned task is nil and the workflow still reaches a terminal
// exception state.
func (wf *Workflow) Run(ctx context.Context, data any) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	wf.mu.Lock()
	if wf.started || wf.terminal {
		wf.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	wf.started = true
	wf.bootstrapping = true
	wf.parent = ctx
	wf.startedAt = time.Now().UTC()
	wf.mu.Unlock()

	root, err := wf.tmpl.Root()
	if err != nil {
		wf.mu.Lock()
		wf.internalErr = err
		wf.bootstrapping = false
		wf.mu.Unlock()
		wf.tryMarkDone()
		return nil, err
	}

	wf.dispatchExec(ExecBegin, data)
	log.Info().Str("workflow", wf.uid).Str("template", wf.tmpl.UID()).
		Msg("workflow started")
	ev := event.Wrap(data, wf.source)

	if timeout := wf.tmpl.Timeout(); timeout > 0 {
		wf.mu.Lock()
		wf.timer = time.AfterFunc(timeout, func() { wf.cancelWith(StateTimeout) })
		wf.mu.Unlock()
	}

	wf.mu.Lock()
	rootTask, err := wf.newTaskLocked(root, ev)
	if err != nil {
		// The workflow failed to start at once.
		wf.internalErr = err
		wf.cancelPendingLocked(StateCancelled)
	}
	wf.bootstrapping = false
	wf.mu.Unlock()
	wf.tryMarkDone()
	if err != nil {
		return nil, err
	}
	return rootTask, nil
}

// Cancel requests best-effort cancellation: every started task that is
// not done yet is asked to cancel, and the workflow turns terminal once
// all completion handlers have run.
func (wf *Workflow) Cancel() bool {
	return wf.cancelWith(StateCancelled)
}

func (wf *Workflow) cancelWith(cause FutureState) bool {
	wf.mu.Lock()
	if wf.terminal {
		wf.mu.Unlock()
		return false
	}
	if !wf.started {
		// Nothing running: turn terminal right away.
		wf.state = StateCancelled
		wf.err = ErrCancelled
		wf.terminal = true
		wf.endedAt = time.Now().UTC()
		wf.mu.Unlock()
		close(wf.done)
		return true
	}
	wf.cancelPendingLocked(cause)
	wf.mu.Unlock()
	wf.tryMarkDone()
	return true
}

// cancelPendingLocked flags the workflow for cancellation and requests
// cancel on every started-but-not-done task. Callers hold wf.mu.
func (wf *Workflow) cancelPendingLocked(cause FutureState) int {
	wf.mustCancel = true
	if wf.cancelCause == "" {
		wf.cancelCause = cause
	}
	cancelled := 0
	for t := range wf.tasks {
		if _, done := wf.doneTasks[t]; done {
			continue
		}
		if t.cancelWith(StateCancelled) {
			cancelled++
		}
	}
	log.Debug().Str("workflow", wf.uid).Int("cancelled", cancelled).
		Msg("workflow cancellation requested")
	return cancelled
}

// SetNextTasks narrows the downstream branch set of the task currently
// executing in ctx. Only ids among the template successors of that task
// are honored, unknown ids are dropped at expansion time. It fails when
// ctx does not carry a task of this workflow.
func (wf *Workflow) SetNextTasks(ctx context.Context, ids ...string) error {
	t := TaskFromContext(ctx)
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if t == nil || t.wf != wf {
		return ErrNotOwnedTask
	}
	if _, ok := wf.tasks[t]; !ok {
		return ErrNotOwnedTask
	}
	wf.nextOverrides[t] = append([]string(nil), ids...)
	return nil
}

// DispatchProgress publishes a workflow-progress event on the reserved
// exec topic on behalf of a running task.
func (wf *Workflow) DispatchProgress(data any) {
	wf.dispatchExec(ExecProgress, data)
}

// newTaskLocked creates a task from a template: builds the holder,
// registers its broker subscriptions and starts it. Callers hold wf.mu
// and decide how a creation failure propagates.
func (wf *Workflow) newTaskLocked(tmplTask *task.Template, ev *event.Event) (*Task, error) {
	holder, err := tmplTask.NewHolder(wf.registry)
	if err != nil {
		log.Error().Err(err).Str("workflow", wf.uid).Str("task", tmplTask.UID()).
			Msg("failed to create task from template")
		return nil, err
	}
	t := newTask(wf, tmplTask, holder, ev)
	wf.registerToBroker(t)
	wf.tasks[t] = struct{}{}
	wf.tasksByID[tmplTask.UID()] = t
	t.start(wf.parent)
	if wf.mustCancel {
		// Cancellation raced with the creation of this task.
		t.cancelWith(StateCancelled)
	}
	log.Debug().Str("workflow", wf.uid).Str("task", tmplTask.UID()).
		Str("name", tmplTask.Name()).Msg("new task created")
	return t, nil
}

// registerToBroker subscribes the task's inbox to the topics its
// template listens to. The subscriptions are removed as soon as the
// task completes.
func (wf *Workflow) registerToBroker(t *Task) {
	sink := func(_ context.Context, ev *event.Event) { t.deliver(ev) }
	switch t.tmpl.Listen() {
	case task.ListenNothing:
	case task.ListenEverything:
		t.brokerRegs = append(t.brokerRegs, wf.broker.Register(sink))
	case task.ListenTopics:
		t.brokerRegs = append(t.brokerRegs, wf.broker.Register(sink, t.tmpl.Topics()...))
	}
}

// taskDone is the completion path of every task: unregister the broker
// subscriptions, then run the scheduler step. Failing to unregister is
// an internal error that cancels the remaining tasks.
func (wf *Workflow) taskDone(t *Task) {
	var unregErr error
	for _, reg := range t.brokerRegs {
		if err := wf.broker.Unregister(reg); err != nil {
			log.Error().Err(err).Str("workflow", wf.uid).Str("task", t.tmpl.UID()).
				Msg("failed to unregister task from broker")
			unregErr = err
		}
	}
	if unregErr != nil {
		wf.mu.Lock()
		wf.internalErr = unregErr
		wf.cancelPendingLocked(StateCancelled)
		wf.mu.Unlock()
	}
	wf.runNext(t)
}

// runNext selects and schedules the downstream tasks of a completed
// task: successors not started yet are created, successors already
// running receive the event through their inbox (join), done successors
// drop it. A failed or cancelled task does not expand its branch, the
// other branches keep going.
func (wf *Workflow) runNext(t *Task) {
	wf.mu.Lock()
	wf.doneTasks[t] = struct{}{}
	if _, ok := wf.unlockOn[t]; ok {
		delete(wf.unlockOn, t)
		wf.locked = false
	}

	if wf.mustCancel {
		wf.mu.Unlock()
		wf.tryMarkDone()
		return
	}
	if state := t.State(); state != StateFinished {
		log.Warn().Str("workflow", wf.uid).Str("task", t.tmpl.UID()).
			Str("state", string(state)).Err(t.Err()).
			Msg("task ended on error, branch not expanded")
		wf.mu.Unlock()
		wf.tryMarkDone()
		return
	}

	ev := event.Wrap(t.Result(), event.Source{
		WorkflowTemplateID: wf.tmpl.UID(),
		WorkflowExecID:     wf.uid,
		TaskTemplateID:     t.tmpl.UID(),
		TaskExecID:         t.uid,
	})
	for _, next := range wf.nextTemplatesLocked(t) {
		if running := wf.tasksByID[next.UID()]; running != nil {
			if running.State().Terminal() {
				// A join event arriving after the task ended is dropped.
				continue
			}
			running.deliver(ev)
			continue
		}
		if _, err := wf.newTaskLocked(next, ev); err != nil {
			var unknown *task.UnknownNameError
			if errors.As(err, &unknown) {
				// Only template validation should have caught this:
				// give up on the whole workflow.
				wf.internalErr = err
				wf.cancelPendingLocked(StateCancelled)
				break
			}
			// The holder rejected the template config: this branch is
			// pruned, the sibling branches keep going.
			continue
		}
	}
	wf.mu.Unlock()
	wf.tryMarkDone()
}

// nextTemplatesLocked returns the effective successor set of a task:
// the template successors, filtered by the runtime override when the
// task narrowed its own branch set. Callers hold wf.mu.
func (wf *Workflow) nextTemplatesLocked(t *Task) []*task.Template {
	succIDs, err := wf.tmpl.Graph().Successors(t.tmpl.UID())
	if err != nil {
		return nil
	}
	overrideIDs, overridden := wf.nextOverrides[t]
	if !overridden {
		out := make([]*task.Template, 0, len(succIDs))
		for _, id := range succIDs {
			out = append(out, wf.tmpl.Task(id))
		}
		return out
	}
	var out []*task.Template
	for _, id := range overrideIDs {
		found := false
		for _, succID := range succIDs {
			if succID == id {
				out = append(out, wf.tmpl.Task(id))
				found = true
				break
			}
		}
		if !found {
			// Misconfiguration from the task: keep executing the rest.
			log.Error().Str("workflow", wf.uid).Str("task", t.tmpl.UID()).
				Str("id", id).Msg("id not in downstream tasks, ignored")
		}
	}
	return out
}

// tryMarkDone turns the workflow terminal once every started task is
// done and its completion handler has run. Precedence: internal error,
// then cancellation, then finished.
func (wf *Workflow) tryMarkDone() {
	wf.mu.Lock()
	if !wf.started || wf.bootstrapping || wf.terminal || len(wf.tasks) != len(wf.doneTasks) {
		wf.mu.Unlock()
		return
	}
	var execState ExecState
	var content any
	switch {
	case wf.internalErr != nil:
		wf.state = StateException
		wf.err = wf.internalErr
		execState = ExecError
		content = wf.internalErr.Error()
	case wf.mustCancel:
		wf.state = wf.cancelCause
		wf.err = terminalErr(wf.cancelCause)
		execState = ExecEnd
		content = map[string]any{"cancel": true}
	default:
		wf.state = StateFinished
		execState = ExecEnd
	}
	wf.terminal = true
	wf.endedAt = time.Now().UTC()
	state := wf.state
	timer := wf.timer
	wf.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	log.Info().Str("workflow", wf.uid).Str("state", string(state)).
		Msg("workflow reached terminal state")
	wf.dispatchExec(execState, content)
	close(wf.done)
}

func (wf *Workflow) newExecID() string {
	return uuid.New().String()
}

// dispatchExec publishes an execution event on the reserved exec topic.
func (wf *Workflow) dispatchExec(state ExecState, content any) {
	ev := &event.Event{
		Data:   ExecEvent{Type: state, Content: content},
		Source: wf.source,
	}
	wf.broker.Dispatch(context.Background(), ev, broker.ExecTopic)
}
