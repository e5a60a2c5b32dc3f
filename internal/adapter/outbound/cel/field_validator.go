// Package cel provides a CEL-based validator for workflow field values.
package cel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	"github.com/formbridge/formbridge/internal/domain/workflow"
)

// maxCostBudget is the CEL runtime cost limit; rules are operator-supplied
// but still bounded to keep a bad expression from stalling a request.
const maxCostBudget = 100_000

// evalTimeout is the maximum time allowed for a single rule evaluation.
const evalTimeout = 5 * time.Second

// Rule validates one field's value within one phase. Expr must evaluate to
// a bool; the variables available are `phase`, `field`, `value` and the
// whole `fields` map.
type Rule struct {
	Phase workflow.Phase
	Field string
	Expr  string
}

// FieldValidator compiles and evaluates field validation rules.
// Compiled programs are cached by expression hash, so repeated phases do
// not re-compile.
type FieldValidator struct {
	env   *cel.Env
	rules []Rule

	mu    sync.Mutex
	progs map[uint64]cel.Program
}

// NewFieldValidator builds a validator for the given rules. Every
// expression is compiled eagerly so malformed rules fail at startup, not
// mid-workflow.
func NewFieldValidator(rules []Rule) (*FieldValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("phase", cel.StringType),
		cel.Variable("field", cel.StringType),
		cel.Variable("value", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation environment: %w", err)
	}
	v := &FieldValidator{
		env:   env,
		rules: rules,
		progs: make(map[uint64]cel.Program),
	}
	for _, r := range rules {
		if _, err := v.compile(r.Expr); err != nil {
			return nil, fmt.Errorf("rule for %s/%s: %w", r.Phase, r.Field, err)
		}
	}
	return v, nil
}

// Validate evaluates every rule bound to the phase against fields that are
// present, and returns the names of fields whose values failed. Absent
// fields are skipped; presence is the engine's job, not the validator's.
func (v *FieldValidator) Validate(ctx context.Context, phase workflow.Phase, fields map[string]string) ([]string, error) {
	var invalid []string
	for _, r := range v.rules {
		if r.Phase != phase {
			continue
		}
		value, ok := fields[r.Field]
		if !ok {
			continue
		}
		prg, err := v.compile(r.Expr)
		if err != nil {
			return nil, err
		}
		ectx, cancel := context.WithTimeout(ctx, evalTimeout)
		out, _, err := prg.ContextEval(ectx, map[string]any{
			"phase":  string(phase),
			"field":  r.Field,
			"value":  value,
			"fields": fields,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("evaluate rule for %s/%s: %w", r.Phase, r.Field, err)
		}
		pass, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("rule for %s/%s did not return bool", r.Phase, r.Field)
		}
		if !pass {
			invalid = append(invalid, r.Field)
		}
	}
	return invalid, nil
}

// compile parses and type-checks an expression, caching the program by the
// xxhash of its source.
func (v *FieldValidator) compile(expr string) (cel.Program, error) {
	key := xxhash.Sum64String(expr)
	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, ok := v.progs[key]; ok {
		return prg, nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := v.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	v.progs[key] = prg
	return prg, nil
}

// Compile-time interface verification.
var _ workflow.FieldValidator = (*FieldValidator)(nil)
