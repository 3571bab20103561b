package workflow

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// OverrunPolicy defines what to do when a new instance of a workflow
// template must start while previous instances are still running.
type OverrunPolicy string

const (
	// OverrunSkip skips the new instance until all running instances
	// are finished.
	OverrunSkip OverrunPolicy = "skip"
	// OverrunStartNew always starts a new instance.
	OverrunStartNew OverrunPolicy = "start-new"
	// OverrunSkipUntilUnlock skips the new instance until every
	// running instance has been unlocked.
	OverrunSkipUntilUnlock OverrunPolicy = "skip-until-unlock"
	// OverrunAbortRunning cancels all running instances before
	// starting a new one.
	OverrunAbortRunning OverrunPolicy = "abort-running"
)

// DefaultPolicy is applied when a template declares no policy.
const DefaultPolicy = OverrunSkipUntilUnlock

// ParsePolicy maps the declarative policy string to an OverrunPolicy.
// The empty string maps to DefaultPolicy.
func ParsePolicy(s string) (OverrunPolicy, error) {
	switch OverrunPolicy(s) {
	case "":
		return DefaultPolicy, nil
	case OverrunSkip, OverrunStartNew, OverrunSkipUntilUnlock, OverrunAbortRunning:
		return OverrunPolicy(s), nil
	}
	return "", fmt.Errorf("unknown overrun policy %q", s)
}

// PolicyHandler decides whether a new workflow instance of a template
// may be created given the instances currently running.
type PolicyHandler struct {
	tmpl *Template
	opts []Option
}

// NewPolicyHandler creates a handler for the template. The options are
// forwarded to every workflow instance the handler creates.
func NewPolicyHandler(tmpl *Template, opts ...Option) *PolicyHandler {
	return &PolicyHandler{tmpl: tmpl, opts: opts}
}

// policyFuncs is the per-variant decision table.
var policyFuncs = map[OverrunPolicy]func(*PolicyHandler, []*Workflow) *Workflow{
	OverrunSkip:            (*PolicyHandler).skip,
	OverrunStartNew:        (*PolicyHandler).startNew,
	OverrunSkipUntilUnlock: (*PolicyHandler).skipUntilUnlock,
	OverrunAbortRunning:    (*PolicyHandler).abortRunning,
}

// NewWorkflow applies the template's overrun policy to the running
// instances and returns either a new workflow instance or nil when the
// policy skips this run. Every running instance must share the
// handler's template uid.
func (h *PolicyHandler) NewWorkflow(running []*Workflow) (*Workflow, error) {
	for _, wf := range running {
		if wf.Template().UID() != h.tmpl.uid {
			return nil, fmt.Errorf("expected template ID %s, got %s",
				h.tmpl.uid, wf.Template().UID())
		}
	}
	decide, ok := policyFuncs[h.tmpl.policy]
	if !ok {
		return nil, fmt.Errorf("unknown overrun policy %q", h.tmpl.policy)
	}
	wf := decide(h, running)
	if wf == nil {
		log.Debug().Str("template", h.tmpl.uid).Str("policy", string(h.tmpl.policy)).
			Msg("overrun policy skipped new workflow instance")
	}
	return wf, nil
}

func (h *PolicyHandler) newInstance() *Workflow {
	return New(h.tmpl, h.opts...)
}

func (h *PolicyHandler) skip(running []*Workflow) *Workflow {
	if len(running) > 0 {
		return nil
	}
	return h.newInstance()
}

func (h *PolicyHandler) startNew([]*Workflow) *Workflow {
	return h.newInstance()
}

func (h *PolicyHandler) skipUntilUnlock(running []*Workflow) *Workflow {
	for _, wf := range running {
		if wf.Locked() {
			return nil
		}
	}
	return h.newInstance()
}

func (h *PolicyHandler) abortRunning(running []*Workflow) *Workflow {
	for _, wf := range running {
		wf.Cancel()
	}
	return h.newInstance()
}

// NewWorkflowInstance is a shorthand applying the template's overrun
// policy in one call.
func NewWorkflowInstance(tmpl *Template, running []*Workflow, opts ...Option) (*Workflow, error) {
	return NewPolicyHandler(tmpl, opts...).NewWorkflow(running)
}
