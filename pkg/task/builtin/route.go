package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
	"github.com/optiflows/tukio/pkg/workflow"
)

func init() {
	task.MustRegister("route", NewRoute)
}

type routeConfig struct {
	Routes []struct {
		When string   `json:"when"`
		Next []string `json:"next"`
	} `json:"routes"`
	Default []string `json:"default"`
}

type route struct {
	program *vm.Program
	next    []string
}

// Route narrows the downstream branch set of its task at runtime: the
// event data is evaluated against an ordered list of boolean
// expressions and the first match selects the next task ids. With no
// match the optional default applies; without a default every template
// successor runs. Expressions are compiled at construction, so a broken
// route config fails the task creation, not the execution.
type Route struct {
	routes     []route
	def        []string
	hasDefault bool
}

// NewRoute builds a route holder from
// {"routes": [{"when": <expr>, "next": [<task-id>...]}...],
// "default": [<task-id>...]}.
func NewRoute(config map[string]any) (task.Holder, error) {
	cfg, err := decodeConfig[routeConfig](config)
	if err != nil {
		return nil, err
	}
	if len(cfg.Routes) == 0 && cfg.Default == nil {
		return nil, fmt.Errorf("route config has no routes and no default")
	}
	holder := &Route{def: cfg.Default, hasDefault: cfg.Default != nil}
	for _, r := range cfg.Routes {
		program, err := expr.Compile(r.When, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile route condition %q: %w", r.When, err)
		}
		holder.routes = append(holder.routes, route{program: program, next: r.Next})
	}
	return holder, nil
}

// Execute evaluates the routes against the event data and narrows the
// branch set of the current task. The event data is passed through as
// the task result.
func (r *Route) Execute(ctx context.Context, ev *event.Event) (any, error) {
	wf := workflow.FromContext(ctx)
	if wf == nil {
		return nil, fmt.Errorf("route task is not running inside a workflow")
	}
	env := exprEnv(ev.Data)
	for _, route := range r.routes {
		matched, err := expr.Run(route.program, env)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate route condition: %w", err)
		}
		if matched.(bool) {
			log.Debug().Strs("next", route.next).Msg("route matched")
			if err := wf.SetNextTasks(ctx, route.next...); err != nil {
				return nil, err
			}
			return ev.Data, nil
		}
	}
	if r.hasDefault {
		if err := wf.SetNextTasks(ctx, r.def...); err != nil {
			return nil, err
		}
	}
	return ev.Data, nil
}

// exprEnv exposes the event data to the expressions: maps are the
// environment itself, anything else is reachable as "data".
func exprEnv(data any) map[string]any {
	if env, ok := data.(map[string]any); ok {
		return env
	}
	return map[string]any{"data": data}
}
