package config

import (
	"encoding/json"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openconverge/openconverge/pkg/engine"
)

// StarlarkEvaluator executes Starlark desired state scripts. A script must
// assign a global named "desired" holding the document as a dict; everything
// else in the script is free to use loops, functions and conditionals to
// build it.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator. A zero timeout
// defaults to 30 seconds.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Eval executes a script and converts its "desired" global to the engine's
// model.
func (e *StarlarkEvaluator) Eval(filename string, src []byte) (*engine.DesiredState, error) {
	type evalResult struct {
		globals starlark.StringDict
		err     error
	}
	ch := make(chan evalResult, 1)

	thread := &starlark.Thread{Name: "desired-state"}

	go func() {
		predeclared := starlark.StringDict{
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		}
		globals, err := starlark.ExecFile(thread, filename, src, predeclared)
		ch <- evalResult{globals: globals, err: err}
	}()

	var result evalResult
	select {
	case result = <-ch:
	case <-time.After(e.timeout):
		thread.Cancel("evaluation timeout")
		result = <-ch
		if result.err == nil {
			return nil, fmt.Errorf("starlark evaluation exceeded %v", e.timeout)
		}
	}
	if result.err != nil {
		return nil, fmt.Errorf("starlark evaluation failed: %w", result.err)
	}

	desired, ok := result.globals["desired"]
	if !ok {
		return nil, fmt.Errorf("script %s does not define a global named %q", filename, "desired")
	}

	goValue, err := fromStarlarkValue(desired)
	if err != nil {
		return nil, fmt.Errorf("failed to convert desired state: %w", err)
	}

	// Round-trip through JSON to reuse the Document field mapping.
	encoded, err := json.Marshal(goValue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode desired state: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("desired state has the wrong shape: %w", err)
	}

	return doc.ToDesiredState()
}

// fromStarlarkValue converts a Starlark value to a plain Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil

	case starlark.Bool:
		return bool(val), nil

	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val.String())
		}
		return i, nil

	case starlark.Float:
		return float64(val), nil

	case starlark.String:
		return string(val), nil

	case *starlark.List:
		out := make([]interface{}, 0, val.Len())
		iter := val.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil

	case starlark.Tuple:
		out := make([]interface{}, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			converted, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil

	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, key := range val.Keys() {
			keyStr, ok := key.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", key.String())
			}
			item, _, err := val.Get(key)
			if err != nil {
				return nil, err
			}
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			out[string(keyStr)] = converted
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
