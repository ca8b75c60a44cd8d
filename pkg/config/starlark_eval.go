package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"
)

// DefaultConditionTimeout bounds a single condition evaluation.
const DefaultConditionTimeout = 5 * time.Second

// maxExecutionSteps stops runaway expressions even without a deadline.
const maxExecutionSteps = 1_000_000

// StarlarkEvaluator evaluates Starlark condition expressions safely.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultConditionTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Check parses expr without evaluating it.
func (se *StarlarkEvaluator) Check(expr string) error {
	if _, err := syntax.ParseExpr("condition.star", expr, 0); err != nil {
		return fmt.Errorf("invalid condition expression %q: %w", expr, err)
	}
	return nil
}

// EvalBool evaluates expr with input predeclared. The expression must yield a
// bool.
func (se *StarlarkEvaluator) EvalBool(ctx context.Context, expr string, input map[string]interface{}) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "converge",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	type outcome struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		env, err := predeclared(input)
		if err != nil {
			resultCh <- outcome{err: err}
			return
		}
		v, err := starlark.Eval(thread, "condition.star", expr, env)
		resultCh <- outcome{value: v, err: err}
	}()

	var res outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return false, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case res = <-resultCh:
	}

	if res.err != nil {
		return false, fmt.Errorf("starlark evaluation of %q failed: %w", expr, res.err)
	}
	b, ok := res.value.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %s, want bool", expr, res.value.Type())
	}
	return bool(b), nil
}

func predeclared(input map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Duration:
		return starlark.String(val.String()), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SpecHolder is implemented by primaries that expose a declarative spec to
// condition expressions.
type SpecHolder interface {
	Spec() map[string]interface{}
	Labels() map[string]string
}

// StarlarkCondition is a workflow.Condition backed by a Starlark expression.
// The expression sees name, namespace, spec, labels and values (the values
// shared through the workflow context).
type StarlarkCondition struct {
	expr string
	eval *StarlarkEvaluator
}

var _ workflow.Condition = (*StarlarkCondition)(nil)

// NewStarlarkCondition checks expr and returns a condition evaluating it.
func NewStarlarkCondition(eval *StarlarkEvaluator, expr string) (*StarlarkCondition, error) {
	if err := eval.Check(expr); err != nil {
		return nil, err
	}
	return &StarlarkCondition{expr: expr, eval: eval}, nil
}

// Expression returns the source expression.
func (c *StarlarkCondition) Expression() string {
	return c.expr
}

// IsMet evaluates the expression against primary.
func (c *StarlarkCondition) IsMet(ctx context.Context, primary engine.Resource, wc *workflow.Context) (bool, error) {
	id := primary.ResourceID()
	input := map[string]interface{}{
		"name":      id.Name,
		"namespace": id.Namespace,
		"spec":      map[string]interface{}{},
		"labels":    map[string]string{},
		"values":    map[string]interface{}{},
	}
	if h, ok := primary.(SpecHolder); ok {
		if spec := h.Spec(); spec != nil {
			input["spec"] = spec
		}
		if labels := h.Labels(); labels != nil {
			input["labels"] = labels
		}
	}
	if wc != nil {
		input["values"] = convertibleValues(wc.Values())
	}

	return c.eval.EvalBool(ctx, c.expr, input)
}

// convertibleValues drops context values Starlark cannot represent.
func convertibleValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if _, err := toStarlarkValue(v); err == nil {
			out[k] = v
		}
	}
	return out
}
