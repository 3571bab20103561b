package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optiflows/tukio/pkg/broker"
	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
)

// Task is the running handle of a task template inside a workflow
// execution. It is created by the engine with a seed event and
// completes exactly once with a result, a failure, a cancellation or a
// timeout cancellation.
type Task struct {
	uid    string
	tmpl   *task.Template
	holder task.Holder
	wf     *Workflow
	seed   *event.Event

	ctx    context.Context
	cancel context.CancelFunc

	receiver   task.DataReceiver
	brokerRegs []*broker.Registration

	mu              sync.Mutex
	queue           []*event.Event
	wake            chan struct{}
	cancelRequested bool
	cancelState     FutureState
	state           FutureState
	result          any
	err             error
	started, ended  time.Time

	done chan struct{}
}

func newTask(wf *Workflow, tmpl *task.Template, holder task.Holder, seed *event.Event) *Task {
	t := &Task{
		uid:    wf.newExecID(),
		tmpl:   tmpl,
		holder: holder,
		wf:     wf,
		seed:   seed,
		state:  StatePending,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.receiver, _ = holder.(task.DataReceiver)
	return t
}

// UID returns the task execution id.
func (t *Task) UID() string { return t.uid }

// Template returns the task template this task was created from.
func (t *Task) Template() *task.Template { return t.tmpl }

// Workflow returns the workflow owning this task.
func (t *Task) Workflow() *Workflow { return t.wf }

// Holder returns the task-logic instance.
func (t *Task) Holder() task.Holder { return t.holder }

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// State returns the current lifecycle state.
func (t *Task) State() FutureState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the holder's result once the task finished.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the task's terminal error: nil when finished, the
// holder's error on exception, ErrCancelled or ErrTimedOut on
// cancellation.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel requests cancellation of this single task. Cancellation is
// cooperative: the holder observes it through its context.
func (t *Task) Cancel() bool {
	return t.cancelWith(StateCancelled)
}

func (t *Task) cancelWith(state FutureState) bool {
	t.mu.Lock()
	if t.state.Terminal() || t.cancelRequested {
		t.mu.Unlock()
		return false
	}
	t.cancelRequested = true
	t.cancelState = state
	t.mu.Unlock()
	t.cancel()
	return true
}

// start builds the task context and launches the execution goroutine.
// The context carries the workflow and task for the ambient lookups and
// the per-task timeout when the template declares one.
func (t *Task) start(parent context.Context) {
	base := withTask(parent, t)
	if timeout := t.tmpl.Timeout(); timeout > 0 {
		t.ctx, t.cancel = context.WithTimeout(base, timeout)
	} else {
		t.ctx, t.cancel = context.WithCancel(base)
	}
	t.mu.Lock()
	t.started = time.Now().UTC()
	t.mu.Unlock()
	if t.receiver != nil {
		go t.pump()
	}
	go t.run()
}

func (t *Task) run() {
	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		result, err = t.holder.Execute(t.ctx, t.seed)
	}()
	t.finish(result, err)
}

func (t *Task) finish(result any, err error) {
	t.mu.Lock()
	t.ended = time.Now().UTC()
	switch {
	case err == nil:
		t.state = StateFinished
		t.result = result
	case t.cancelRequested:
		t.state = t.cancelState
		t.err = terminalErr(t.cancelState)
	case errors.Is(err, context.DeadlineExceeded) && t.tmpl.Timeout() > 0:
		t.state = StateTimeout
		t.err = ErrTimedOut
	default:
		t.state = StateException
		t.err = err
	}
	state := t.state
	t.mu.Unlock()

	log.Debug().Str("task", t.tmpl.UID()).Str("state", string(state)).
		Str("workflow", t.wf.uid).Msg("task reached terminal state")
	t.cancel()
	close(t.done)
	t.wf.taskDone(t)
}

// deliver queues an event for the holder's DataReceived entry point.
// Events delivered to a holder without one, or after the task ended,
// are dropped.
func (t *Task) deliver(ev *event.Event) {
	if t.receiver == nil {
		log.Debug().Str("task", t.tmpl.UID()).
			Msg("dropping event: holder has no DataReceived")
		return
	}
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, ev)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// pump drains the inbox queue in delivery order, invoking the holder's
// DataReceived once per event. It stops when the task context ends.
func (t *Task) pump() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			ev := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			t.receiver.DataReceived(t.ctx, ev)
		}
	}
}

// StartedAt returns the UTC time the task was started.
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// EndedAt returns the UTC time the task reached its terminal state.
func (t *Task) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func terminalErr(state FutureState) error {
	if state == StateTimeout {
		return ErrTimedOut
	}
	return ErrCancelled
}
