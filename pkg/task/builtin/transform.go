package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/optiflows/tukio/pkg/event"
	"github.com/optiflows/tukio/pkg/task"
)

func init() {
	task.MustRegister("transform", NewTransform)
}

type transformConfig struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
	Filter     string `json:"filter"`
}

// Transform reshapes the event data before passing it downstream.
// Three modes: "passthrough" (the default) forwards the data untouched,
// "expression" evaluates an expr expression against it, "jq" applies a
// jq filter. Expressions and filters are compiled at construction, so a
// broken config fails the task creation, not the execution.
type Transform struct {
	program *vm.Program
	code    *gojq.Code
}

// NewTransform builds a transform holder from
// {"type": "passthrough"|"expression"|"jq",
// "expression": <expr>, "filter": <jq-filter>}.
func NewTransform(config map[string]any) (task.Holder, error) {
	cfg, err := decodeConfig[transformConfig](config)
	if err != nil {
		return nil, err
	}
	holder := &Transform{}
	switch cfg.Type {
	case "", "passthrough":
	case "expression":
		if cfg.Expression == "" {
			return nil, fmt.Errorf("transform expression is empty")
		}
		program, err := expr.Compile(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile transform expression %q: %w", cfg.Expression, err)
		}
		holder.program = program
	case "jq":
		if cfg.Filter == "" {
			return nil, fmt.Errorf("transform jq filter is empty")
		}
		query, err := gojq.Parse(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", cfg.Filter, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", cfg.Filter, err)
		}
		holder.code = code
	default:
		return nil, fmt.Errorf("unknown transform type %q", cfg.Type)
	}
	return holder, nil
}

// Execute applies the configured transformation to the event data and
// returns the reshaped value as the task result.
func (tr *Transform) Execute(ctx context.Context, ev *event.Event) (any, error) {
	switch {
	case tr.program != nil:
		out, err := expr.Run(tr.program, exprEnv(ev.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate transform expression: %w", err)
		}
		return out, nil
	case tr.code != nil:
		return tr.runJQ(ctx, ev.Data)
	default:
		return ev.Data, nil
	}
}

// runJQ applies the compiled filter. A single result is returned as the
// value itself, several results as a slice, none as nil.
func (tr *Transform) runJQ(ctx context.Context, data any) (any, error) {
	var results []any
	iter := tr.code.RunWithContext(ctx, jqInput(data))
	for {
		value, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := value.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		results = append(results, value)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqInput normalizes the event data into the value types jq operates
// on. Strings and byte slices holding JSON documents are decoded; nil,
// bool, int, float64, []any and map[string]any pass through unchanged;
// other values go through a JSON round trip.
func jqInput(data any) any {
	switch v := data.(type) {
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return decoded
		}
		return v
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			return decoded
		}
		return string(v)
	case nil, bool, int, float64, []any, map[string]any:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return string(raw)
		}
		return decoded
	}
}
