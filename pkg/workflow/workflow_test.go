package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiflows/tukio/pkg/broker"
	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
	"github.com/optiflows/tukio/pkg/workflow"
)

// testRegistry holds the task holders used by the workflow tests.
var testRegistry = task.NewRegistry()

type basicHolder struct{}

func (basicHolder) Execute(_ context.Context, ev *event.Event) (any, error) {
	return ev.Data, nil
}

type crashExecHolder struct{}

func (crashExecHolder) Execute(context.Context, *event.Event) (any, error) {
	return nil, errors.New("task blew up")
}

type cancelHolder struct{}

func (cancelHolder) Execute(ctx context.Context, _ *event.Event) (any, error) {
	workflow.FromContext(ctx).Cancel()
	select {
	case <-time.After(time.Second):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type sleepHolder struct {
	duration time.Duration
}

func (s sleepHolder) Execute(ctx context.Context, ev *event.Event) (any, error) {
	select {
	case <-time.After(s.duration):
		return ev.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type selectHolder struct {
	ids []string
}

func (s selectHolder) Execute(ctx context.Context, ev *event.Event) (any, error) {
	wf := workflow.FromContext(ctx)
	if wf == nil {
		return nil, errors.New("no ambient workflow")
	}
	if err := wf.SetNextTasks(ctx, s.ids...); err != nil {
		return nil, err
	}
	return ev.Data, nil
}

func init() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(testRegistry.Register("basic", func(map[string]any) (task.Holder, error) {
		return basicHolder{}, nil
	}))
	must(testRegistry.Register("crash", func(config map[string]any) (task.Holder, error) {
		if _, ok := config["required"]; !ok {
			return nil, errors.New("missing required config key")
		}
		return basicHolder{}, nil
	}))
	must(testRegistry.Register("crash-exec", func(map[string]any) (task.Holder, error) {
		return crashExecHolder{}, nil
	}))
	must(testRegistry.Register("cancel", func(map[string]any) (task.Holder, error) {
		return cancelHolder{}, nil
	}))
	must(testRegistry.Register("slow", func(config map[string]any) (task.Holder, error) {
		duration, _ := config["duration"].(float64)
		return sleepHolder{duration: time.Duration(duration * float64(time.Second))}, nil
	}))
	must(testRegistry.Register("select", func(config map[string]any) (task.Holder, error) {
		holder := selectHolder{}
		if raw, ok := config["next"].([]string); ok {
			holder.ids = raw
		}
		return holder, nil
	}))
}

// execRecorder counts the execution events published on the reserved
// exec topic.
type execRecorder struct {
	mu     sync.Mutex
	events []workflow.ExecEvent
}

func (r *execRecorder) watch(b broker.Broker) {
	b.Register(func(_ context.Context, ev *event.Event) {
		execEvent, ok := ev.Data.(workflow.ExecEvent)
		if !ok {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, execEvent)
	}, broker.ExecTopic)
}

func (r *execRecorder) count(state workflow.ExecState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == state {
			n++
		}
	}
	return n
}

type testEnv struct {
	rec    *execRecorder
	broker broker.Broker
}

func newWorkflow(t *testing.T, def workflow.TemplateDef) (*workflow.Workflow, *testEnv) {
	t.Helper()
	tmpl, err := workflow.FromDef(def)
	require.NoError(t, err)
	require.NoError(t, tmpl.Validate(testRegistry))

	b := broker.NewMemory()
	rec := &execRecorder{}
	rec.watch(b)
	wf := workflow.New(tmpl, workflow.WithBroker(b), workflow.WithRegistry(testRegistry))
	return wf, &testEnv{rec: rec, broker: b}
}

func wait(t *testing.T, wf *workflow.Workflow) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := wf.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "workflow did not terminate")
	return err
}

func okDef() workflow.TemplateDef {
	return workflow.TemplateDef{
		ID: "ok",
		Tasks: []task.Def{
			{ID: "1", Name: "basic"},
			{ID: "2", Name: "basic"},
			{ID: "3", Name: "basic"},
			{ID: "4", Name: "basic"},
		},
		Graph: map[string][]string{
			"1": {"2", "3"},
			"2": {"4"},
			"3": {},
			"4": {},
		},
	}
}

func TestWorkflow_Basic(t *testing.T) {
	wf, env := newWorkflow(t, okDef())
	root, err := wf.Run(context.Background(), map[string]any{"initial": "data"})
	require.NoError(t, err)
	require.NotNil(t, root)
	require.NoError(t, wait(t, wf))

	for _, tid := range []string{"1", "2", "3", "4"} {
		started := wf.TaskByID(tid)
		require.NotNil(t, started, "task %s was not started", tid)
		assert.Equal(t, workflow.StateFinished, started.State())
		assert.NoError(t, started.Err())
	}
	assert.Equal(t, workflow.StateFinished, wf.State())
	assert.Equal(t, 1, env.rec.count(workflow.ExecBegin))
	assert.Equal(t, 1, env.rec.count(workflow.ExecEnd))
	assert.Zero(t, env.rec.count(workflow.ExecError))
}

func TestWorkflow_RunOnlyOnce(t *testing.T) {
	wf, _ := newWorkflow(t, okDef())
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	_, err = wf.Run(context.Background(), nil)
	assert.ErrorIs(t, err, workflow.ErrAlreadyRun)
	require.NoError(t, wait(t, wf))
}

func TestWorkflow_TaskIndexInvariants(t *testing.T) {
	wf, _ := newWorkflow(t, okDef())
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))

	tasks := wf.Tasks()
	require.Len(t, tasks, 4)
	seen := make(map[string]bool)
	for _, started := range tasks {
		tid := started.Template().UID()
		assert.Same(t, started, wf.TaskByID(tid))
		assert.False(t, seen[tid], "task %s started twice", tid)
		seen[tid] = true
	}
	assert.Nil(t, wf.TaskByID("ghost"))
}

func TestWorkflow_TaskCreationFailureBranch(t *testing.T) {
	wf, env := newWorkflow(t, workflow.TemplateDef{
		ID: "crash_test",
		Tasks: []task.Def{
			{ID: "1", Name: "basic"},
			{ID: "crash", Name: "crash"},
			{ID: "2", Name: "basic"},
			{ID: "wont_run", Name: "basic"},
		},
		Graph: map[string][]string{
			"1":        {"crash", "2"},
			"crash":    {"wont_run"},
			"2":        {},
			"wont_run": {},
		},
	})
	_, err := wf.Run(context.Background(), map[string]any{"initial": "data"})
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))

	// The crash branch is pruned, the sibling survives.
	for _, tid := range []string{"1", "2"} {
		started := wf.TaskByID(tid)
		require.NotNil(t, started)
		assert.Equal(t, workflow.StateFinished, started.State())
	}
	for _, tid := range []string{"crash", "wont_run"} {
		assert.Nil(t, wf.TaskByID(tid), "task %s must never start", tid)
	}
	assert.Equal(t, workflow.StateFinished, wf.State())
	assert.Equal(t, 1, env.rec.count(workflow.ExecEnd))
}

func TestWorkflow_TaskExecutionFailureBranch(t *testing.T) {
	wf, _ := newWorkflow(t, workflow.TemplateDef{
		ID: "crash_test",
		Tasks: []task.Def{
			{ID: "1", Name: "basic"},
			{ID: "crash", Name: "crash-exec"},
			{ID: "2", Name: "basic"},
			{ID: "wont_run", Name: "basic"},
		},
		Graph: map[string][]string{
			"1":        {"crash", "2"},
			"crash":    {"wont_run"},
			"2":        {},
			"wont_run": {},
		},
	})
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))

	for _, tid := range []string{"1", "2"} {
		started := wf.TaskByID(tid)
		require.NotNil(t, started)
		assert.Equal(t, workflow.StateFinished, started.State())
	}
	crashed := wf.TaskByID("crash")
	require.NotNil(t, crashed)
	assert.Equal(t, workflow.StateException, crashed.State())
	assert.ErrorContains(t, crashed.Err(), "task blew up")
	assert.Nil(t, wf.TaskByID("wont_run"))
	assert.Equal(t, workflow.StateFinished, wf.State())
}

func TestWorkflow_RootCreationFailure(t *testing.T) {
	wf, env := newWorkflow(t, workflow.TemplateDef{
		ID:    "root_crash",
		Tasks: []task.Def{{ID: "crash", Name: "crash"}},
		Graph: map[string][]string{"crash": {}},
	})
	root, err := wf.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, root)
	assert.ErrorContains(t, wait(t, wf), "missing required config key")

	assert.Equal(t, workflow.StateException, wf.State())
	assert.Equal(t, 1, env.rec.count(workflow.ExecError))
	assert.Zero(t, env.rec.count(workflow.ExecEnd))
}

func TestWorkflow_CancelFromWithin(t *testing.T) {
	wf, env := newWorkflow(t, workflow.TemplateDef{
		ID: "workflow_cancel",
		Tasks: []task.Def{
			{ID: "cancel", Name: "cancel"},
			{ID: "2", Name: "basic"},
			{ID: "3", Name: "basic"},
			{ID: "4", Name: "basic"},
		},
		Graph: map[string][]string{
			"cancel": {"2", "3"},
			"2":      {"4"},
			"3":      {},
			"4":      {},
		},
	})
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, wf), workflow.ErrCancelled)

	assert.Equal(t, workflow.StateCancelled, wf.State())
	cancelled := wf.TaskByID("cancel")
	require.NotNil(t, cancelled)
	assert.Equal(t, workflow.StateCancelled, cancelled.State())
	for _, tid := range []string{"2", "3", "4"} {
		assert.Nil(t, wf.TaskByID(tid), "task %s must never start", tid)
	}
	assert.Equal(t, 1, env.rec.count(workflow.ExecEnd))
}

func TestWorkflow_Timeout(t *testing.T) {
	wf, _ := newWorkflow(t, workflow.TemplateDef{
		ID:      "slow",
		Timeout: 0.1,
		Tasks:   []task.Def{{ID: "1", Name: "slow", Config: map[string]any{"duration": 1.0}}},
		Graph:   map[string][]string{"1": {}},
	})
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, wf), workflow.ErrTimedOut)

	assert.Equal(t, workflow.StateTimeout, wf.State())
	slow := wf.TaskByID("1")
	require.NotNil(t, slow)
	assert.Equal(t, workflow.StateCancelled, slow.State())
}

func TestWorkflow_PerTaskTimeout(t *testing.T) {
	wf, _ := newWorkflow(t, workflow.TemplateDef{
		ID: "slow_task",
		Tasks: []task.Def{
			{ID: "1", Name: "slow", Timeout: 0.1, Config: map[string]any{"duration": 1.0}},
		},
		Graph: map[string][]string{"1": {}},
	})
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))

	assert.Equal(t, workflow.StateFinished, wf.State())
	slow := wf.TaskByID("1")
	require.NotNil(t, slow)
	assert.Equal(t, workflow.StateTimeout, slow.State())
	assert.ErrorIs(t, slow.Err(), workflow.ErrTimedOut)
}

func TestWorkflow_SetNextTasks(t *testing.T) {
	wf, _ := newWorkflow(t, workflow.TemplateDef{
		ID: "select",
		Tasks: []task.Def{
			{ID: "1", Name: "select", Config: map[string]any{"next": []string{"2", "ghost"}}},
			{ID: "2", Name: "basic"},
			{ID: "3", Name: "basic"},
		},
		Graph: map[string][]string{
			"1": {"2", "3"},
			"2": {},
			"3": {},
		},
	})
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))

	assert.Equal(t, workflow.StateFinished, wf.State())
	assert.NotNil(t, wf.TaskByID("2"))
	// Branch 3 was narrowed out, the unknown id was ignored.
	assert.Nil(t, wf.TaskByID("3"))
}

func TestWorkflow_SetNextTasksOutsideTask(t *testing.T) {
	wf, _ := newWorkflow(t, okDef())
	err := wf.SetNextTasks(context.Background(), "2")
	assert.ErrorIs(t, err, workflow.ErrNotOwnedTask)
}

func TestWorkflow_CancelBeforeRun(t *testing.T) {
	wf, _ := newWorkflow(t, okDef())
	require.True(t, wf.Cancel())
	assert.Equal(t, workflow.StateCancelled, wf.State())
	_, err := wf.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestWorkflow_Report(t *testing.T) {
	wf, _ := newWorkflow(t, workflow.TemplateDef{
		ID: "crash_test",
		Tasks: []task.Def{
			{ID: "1", Name: "basic"},
			{ID: "crash", Name: "crash"},
			{ID: "2", Name: "basic"},
			{ID: "wont_run", Name: "basic"},
		},
		Graph: map[string][]string{
			"1":        {"crash", "2"},
			"crash":    {"wont_run"},
			"2":        {},
			"wont_run": {},
		},
	})
	_, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))

	report := wf.Report()
	assert.Equal(t, "crash_test", report.Template.ID)
	assert.Equal(t, wf.UID(), report.Exec.ID)
	assert.Equal(t, workflow.StateFinished, report.Exec.State)
	require.Len(t, report.Tasks, 4)

	byID := make(map[string]workflow.TaskReport)
	for _, taskReport := range report.Tasks {
		byID[taskReport.ID] = taskReport
	}
	require.NotNil(t, byID["1"].Exec)
	assert.Equal(t, workflow.StateFinished, byID["1"].Exec.State)
	assert.Nil(t, byID["crash"].Exec, "never-started task has no exec entry")
	assert.Nil(t, byID["wont_run"].Exec)
}
