package evaluator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

var errShape = errors.New("shape mismatch")

func (e *Evaluator) matchShape(c contracts.MessageConstraint, msg contracts.Message) error {
	if msg.Kind != c.Kind {
		return fmt.Errorf("%w: expected %s message, got %s", errShape, c.Kind, msg.Kind)
	}

	if c.Kind == contracts.MessageRaw {
		if !bytes.Equal(msg.Raw, c.Bytes) {
			return fmt.Errorf("%w: raw payload differs from the authorized bytes", errShape)
		}
		return nil
	}

	if msg.Name != c.Name {
		return fmt.Errorf("%w: expected entry point %q, got %q", errShape, c.Name, msg.Name)
	}
	for _, r := range c.Restrictions {
		if err := checkRestriction(r, msg.Params); err != nil {
			return err
		}
	}
	if c.Expression != "" {
		ok, err := e.exprs.eval(c.Expression, msg)
		if err != nil {
			return fmt.Errorf("%w: expression: %v", errShape, err)
		}
		if !ok {
			return fmt.Errorf("%w: expression %q is false", errShape, c.Expression)
		}
	}
	return nil
}

func checkRestriction(r contracts.ParamRestriction, params map[string]any) error {
	path := strings.Join(r.Path, ".")
	v, found := lookup(params, r.Path)
	switch r.Kind {
	case contracts.MustBeIncluded:
		if !found {
			return fmt.Errorf("%w: parameter %q must be included", errShape, path)
		}
	case contracts.CannotBeIncluded:
		if found {
			return fmt.Errorf("%w: parameter %q cannot be included", errShape, path)
		}
	case contracts.MustBeValue:
		if !found {
			return fmt.Errorf("%w: parameter %q must be included", errShape, path)
		}
		eq, err := canonicalEqual(v, r.Value)
		if err != nil {
			return fmt.Errorf("%w: parameter %q: %v", errShape, path, err)
		}
		if !eq {
			return fmt.Errorf("%w: parameter %q has a value other than the authorized one", errShape, path)
		}
	default:
		return fmt.Errorf("%w: unknown restriction %q", errShape, r.Kind)
	}
	return nil
}

func lookup(params map[string]any, path []string) (any, bool) {
	var cur any = params
	for _, seg := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// canonicalEqual compares two values by their RFC 8785 encoding so that
// numerically equal values decoded from different sources compare equal.
func canonicalEqual(a, b any) (bool, error) {
	ca, err := canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

type expressionCache struct {
	env  *cel.Env
	mu   sync.RWMutex
	prgs map[string]cel.Program
}

func newExpressionCache() (*expressionCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &expressionCache{env: env, prgs: make(map[string]cel.Program)}, nil
}

func (c *expressionCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.prgs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.prgs[expr]; hit {
		return prg, nil
	}
	parsed, issues := c.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse: %w", issues.Err())
	}
	if err := lint(parsed); err != nil {
		return nil, err
	}
	ast, issues := c.env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.prgs[expr] = prg
	return prg, nil
}

func (c *expressionCache) eval(expr string, msg contracts.Message) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	params := msg.Params
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"name": msg.Name, "params": params})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// CompileExpression reports whether expr is a valid constraint expression.
func (e *Evaluator) CompileExpression(expr string) error {
	_, err := e.exprs.program(expr)
	return err
}
