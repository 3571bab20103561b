package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiflows/tukio/pkg/broker"
	"github.com/optiflows/tukio/pkg/task"
	"github.com/optiflows/tukio/pkg/workflow"
)

func TestBuilder(t *testing.T) {
	tmpl, err := workflow.NewBuilder("built").
		Policy(workflow.OverrunStartNew).
		Topics("blob").
		Timeout(30 * time.Second).
		Task(task.Def{ID: "1", Name: "basic"}).
		Task(task.Def{ID: "2", Name: "basic"}).
		Task(task.Def{ID: "3", Name: "basic"}).
		Link("1", "2").
		Link("1", "3").
		Build()
	require.NoError(t, err)
	require.NoError(t, tmpl.Validate(testRegistry))

	assert.Equal(t, "built", tmpl.UID())
	assert.Equal(t, workflow.OverrunStartNew, tmpl.Policy())
	assert.Equal(t, 30*time.Second, tmpl.Timeout())
	root, err := tmpl.Root()
	require.NoError(t, err)
	assert.Equal(t, "1", root.UID())

	wf := workflow.New(tmpl,
		workflow.WithBroker(broker.NewMemory()), workflow.WithRegistry(testRegistry))
	_, err = wf.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, wait(t, wf))
	assert.Equal(t, workflow.StateFinished, wf.State())
	assert.Len(t, wf.Tasks(), 3)
}

func TestBuilder_CycleFails(t *testing.T) {
	_, err := workflow.NewBuilder("cyclic").
		Task(task.Def{ID: "1", Name: "basic"}).
		Task(task.Def{ID: "2", Name: "basic"}).
		Link("1", "2").
		Link("2", "1").
		Build()
	assert.Error(t, err)
}
