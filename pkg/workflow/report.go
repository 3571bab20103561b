package workflow

import (
	"time"

	"github.com/optiflows/tukio/pkg/task"
)

// ExecSummary describes one execution (workflow or task) in a report.
type ExecSummary struct {
	ID    string      `json:"id"`
	Start time.Time   `json:"start"`
	End   time.Time   `json:"end,omitzero"`
	State FutureState `json:"state"`
}

// TaskReport is a task template enriched with its execution metadata.
// Exec is nil for tasks that were never started, and Holder carries the
// holder's own report when it implements one.
type TaskReport struct {
	task.Def
	Exec   *ExecSummary   `json:"exec"`
	Holder map[string]any `json:"holder,omitempty"`
}

// Report is a serializable snapshot of a workflow execution: the
// template, the overall state and the per-task execution metadata.
type Report struct {
	Template TemplateDef  `json:"template"`
	Exec     ExecSummary  `json:"exec"`
	Tasks    []TaskReport `json:"tasks"`
}

// Report builds an execution report of the workflow in its current
// state. It can be called at any time, including before the workflow is
// terminal.
func (wf *Workflow) Report() Report {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	report := Report{
		Template: wf.tmpl.AsDef(),
		Exec: ExecSummary{
			ID:    wf.uid,
			Start: wf.startedAt,
			End:   wf.endedAt,
			State: wf.state,
		},
	}
	for _, tmplTask := range wf.tmpl.Tasks() {
		taskReport := TaskReport{Def: tmplTask.AsDef()}
		if t, ok := wf.tasksByID[tmplTask.UID()]; ok {
			taskReport.Exec = &ExecSummary{
				ID:    t.uid,
				Start: t.StartedAt(),
				End:   t.EndedAt(),
				State: t.State(),
			}
			if reporter, ok := t.holder.(task.Reporter); ok {
				taskReport.Holder = reporter.Report()
			}
		}
		report.Tasks = append(report.Tasks, taskReport)
	}
	return report
}
