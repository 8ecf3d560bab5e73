// Package expr evaluates trigger filter and template expressions in a
// sandboxed JavaScript runtime. Every evaluation runs in a fresh runtime
// seeded only with the event's name bindings, under a hard time budget.
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 1 * time.Second

// expressionSuffix marks template keys whose values are evaluated rather
// than passed through.
const expressionSuffix = ".="

// Engine evaluates expressions for trigger pollers. The zero value is not
// usable; construct with New.
type Engine struct {
	timeout time.Duration
}

// New creates an Engine. A non-positive timeout falls back to
// DefaultTimeout.
func New(timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{timeout: timeout}
}

// EvalFilter evaluates a trigger's event filter. The event matches only if
// the expression yields exactly boolean true; any other value, including
// truthy ones, does not match.
func (e *Engine) EvalFilter(src string, names map[string]any) (bool, error) {
	v, err := e.eval(src, names, "filter"+expressionSuffix)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

// EvalTemplate walks a trigger's event template and returns the action body.
// Keys ending in ".=" have their (string) values evaluated and are emitted
// under the key with the suffix stripped. Other entries pass through, with
// nested objects, and objects inside arrays, walked recursively.
//
// Evaluation failures are collected across the whole template and reported
// as one error joined with ";". Failures inside a nested object abort the
// walk immediately.
func (e *Engine) EvalTemplate(template map[string]any, names map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(template))
	var errs []string

	for _, key := range sortedKeys(template) {
		val := template[key]
		if !strings.HasSuffix(key, expressionSuffix) {
			switch v := val.(type) {
			case map[string]any:
				nested, err := e.EvalTemplate(v, names)
				if err != nil {
					return nil, err
				}
				val = nested
			case []any:
				items := make([]any, 0, len(v))
				for _, item := range v {
					if m, ok := item.(map[string]any); ok {
						nested, err := e.EvalTemplate(m, names)
						if err != nil {
							return nil, err
						}
						items = append(items, nested)
					} else {
						items = append(items, item)
					}
				}
				val = items
			}
			result[key] = val
			continue
		}

		src, ok := val.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf(
				"TypeError 'expression must be a string when evaluating expression (%v) for Parameter %s", val, key))
			continue
		}
		out, err := e.eval(src, names, key)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		result[strings.TrimSuffix(key, expressionSuffix)] = out
	}

	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, ";"))
	}
	return result, nil
}

// eval runs one expression. param is the template key the expression came
// from; it appears in error messages.
func (e *Engine) eval(src string, names map[string]any, param string) (any, error) {
	prog, err := parser.ParseFile(nil, "", src, 0)
	if err != nil {
		// A bare object literal parses as a block statement. Retry wrapped in
		// parentheses so `{"k": body.v}` works as a template expression.
		wrapped, werr := parser.ParseFile(nil, "", "("+src+")", 0)
		if werr != nil {
			return nil, fmt.Errorf("Invalid Syntax on expression (%s) occurred at position %d for Parameter %s",
				src, parsePosition(err), param)
		}
		prog = wrapped
	}

	program, err := goja.CompileAST(prog, false)
	if err != nil {
		return nil, fmt.Errorf("Invalid Syntax on expression (%s) occurred at position %d for Parameter %s",
			src, parsePosition(err), param)
	}

	vm := goja.New()
	for k, v := range names {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("InvalidExpression '%s when evaluating expression (%s) for Parameter %s", err, src, param)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("evaluation timed out")
	})
	defer timer.Stop()

	v, err := vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("InvalidExpression 'evaluation timed out after %s when evaluating expression (%s) for Parameter %s",
				e.timeout, src, param)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			msg := exc.Value().String()
			if rest, ok := strings.CutPrefix(msg, "TypeError:"); ok {
				return nil, fmt.Errorf("TypeError '%s when evaluating expression (%s) for Parameter %s",
					strings.TrimSpace(rest), src, param)
			}
			return nil, fmt.Errorf("InvalidExpression '%s when evaluating expression (%s) for Parameter %s", msg, src, param)
		}
		return nil, fmt.Errorf("InvalidExpression '%s when evaluating expression (%s) for Parameter %s", err, src, param)
	}
	return v.Export(), nil
}

// parsePosition extracts the column of the first parse error, for the
// position reported in syntax error messages.
func parsePosition(err error) int {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return list[0].Position.Column
	}
	return 0
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
