package workflow_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiflows/tukio/pkg/dag"
	"github.com/optiflows/tukio/pkg/task"
	"github.com/optiflows/tukio/pkg/workflow"
)

func TestTemplateFromDef(t *testing.T) {
	tmpl, err := workflow.FromDef(okDef())
	require.NoError(t, err)

	assert.Equal(t, "ok", tmpl.UID())
	assert.Equal(t, workflow.OverrunSkipUntilUnlock, tmpl.Policy(), "default policy")
	assert.Len(t, tmpl.Tasks(), 4)
	require.NoError(t, tmpl.Validate(testRegistry))

	root, err := tmpl.Root()
	require.NoError(t, err)
	assert.Equal(t, "1", root.UID())
}

func TestTemplateFromDef_GeneratesUID(t *testing.T) {
	def := okDef()
	def.ID = ""
	tmpl, err := workflow.FromDef(def)
	require.NoError(t, err)
	assert.NotEmpty(t, tmpl.UID())
}

func TestTemplateFromDef_GraphErrors(t *testing.T) {
	def := okDef()
	def.Graph["1"] = append(def.Graph["1"], "ghost")
	_, err := workflow.FromDef(def)
	var gerr *workflow.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "ghost", gerr.TaskID)

	def = okDef()
	def.Graph["ghost"] = []string{}
	_, err = workflow.FromDef(def)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "ghost", gerr.TaskID)
}

func TestTemplateFromDef_CycleFails(t *testing.T) {
	def := okDef()
	def.Graph["4"] = []string{"1"}
	_, err := workflow.FromDef(def)
	var verr *dag.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTemplateFromDef_DuplicateTaskID(t *testing.T) {
	def := okDef()
	def.Tasks = append(def.Tasks, task.Def{ID: "1", Name: "basic"})
	_, err := workflow.FromDef(def)
	assert.Error(t, err)
}

func TestTemplateFromDef_UnknownPolicy(t *testing.T) {
	def := okDef()
	def.Policy = "whenever"
	_, err := workflow.FromDef(def)
	assert.Error(t, err)
}

func TestTemplateValidate_MultipleRoots(t *testing.T) {
	def := okDef()
	def.Graph["1"] = []string{"2"} // 3 loses its predecessor
	tmpl, err := workflow.FromDef(def)
	require.NoError(t, err)

	err = tmpl.Validate(testRegistry)
	var rerr *workflow.RootTaskError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.Count)
}

func TestTemplateValidate_UnknownTaskName(t *testing.T) {
	def := okDef()
	def.Tasks[3].Name = "ghost"
	tmpl, err := workflow.FromDef(def)
	require.NoError(t, err)

	err = tmpl.Validate(testRegistry)
	var unknown *task.UnknownNameError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Name)
}

func TestTemplate_AsDefRoundTrip(t *testing.T) {
	def := workflow.TemplateDef{
		ID:     "round",
		Schema: 2,
		Policy: "skip",
		Topics: []string{"blob"},
		Tasks: []task.Def{
			{ID: "1", Name: "basic", Config: map[string]any{"key": "value"}},
			{ID: "2", Name: "basic", Topics: []string{}},
		},
		Graph: map[string][]string{
			"1": {"2"},
			"2": {},
		},
	}
	tmpl, err := workflow.FromDef(def)
	require.NoError(t, err)

	got := tmpl.AsDef()
	assert.Equal(t, def, got)

	// The round trip is a fixed point.
	again, err := workflow.FromDef(got)
	require.NoError(t, err)
	assert.Equal(t, got, again.AsDef())
}

func TestTemplate_EmptyTopicsSurviveJSONRoundTrip(t *testing.T) {
	def := okDef()
	def.Topics = []string{}
	def.Tasks[0].Topics = []string{}

	raw, err := json.Marshal(def)
	require.NoError(t, err)
	tmpl, err := workflow.ParseJSON(raw)
	require.NoError(t, err)

	// The empty lists must not collapse into null on the wire: the
	// workflow still never triggers on data and task 1 still listens
	// to nothing.
	assert.Equal(t, task.ListenNothing, tmpl.Listen())
	assert.Equal(t, task.ListenNothing, tmpl.Task("1").Listen())
	assert.Equal(t, task.ListenEverything, tmpl.Task("2").Listen())

	// And the round trip back to JSON is a fixed point.
	again, err := json.Marshal(tmpl.AsDef())
	require.NoError(t, err)
	reparsed, err := workflow.ParseJSON(again)
	require.NoError(t, err)
	assert.Equal(t, task.ListenNothing, reparsed.Listen())
	assert.Equal(t, task.ListenNothing, reparsed.Task("1").Listen())
}

func TestTemplate_ParseJSON(t *testing.T) {
	raw, err := json.Marshal(okDef())
	require.NoError(t, err)

	tmpl, err := workflow.ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", tmpl.UID())

	_, err = workflow.ParseJSON([]byte("{"))
	assert.Error(t, err)
}
