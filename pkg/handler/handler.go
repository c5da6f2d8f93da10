package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// ProgressFunc records an opaque progress payload with the next heartbeat.
type ProgressFunc func(ctx context.Context, progress []byte) error

// CancelFlag reports whether cancellation of the running job was requested.
// Handlers poll it and stop at a convenient point.
type CancelFlag func() bool

// Func executes one job. definition is the payload given at enqueue; the
// returned bytes are stored as the job result.
type Func func(ctx context.Context, definition []byte, progress ProgressFunc, cancel CancelFlag) ([]byte, error)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Wrap adapts a plain function to a Func. Accepted shapes:
//
//	func(ctx context.Context, args T) error
//	func(ctx context.Context, args T) (R, error)
//	func(args T) error
//	func(args T) (R, error)
//
// args is decoded from the JSON definition and R is encoded as the JSON result.
func Wrap(fn any) (Func, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}
	if fnVal.IsNil() {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	hasContext := fnType.In(0).Implements(contextType)
	var argsType reflect.Type
	switch {
	case hasContext && numIn == 2:
		argsType = fnType.In(1)
	case !hasContext && numIn == 1:
		argsType = fnType.In(0)
	case !hasContext:
		return nil, fmt.Errorf("first of two arguments must be context.Context")
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("handler must return (T, error)")
		}
	default:
		return nil, fmt.Errorf("handler must return error or (T, error)")
	}

	return func(ctx context.Context, definition []byte, _ ProgressFunc, _ CancelFlag) ([]byte, error) {
		var args []reflect.Value
		if hasContext {
			args = append(args, reflect.ValueOf(ctx))
		}
		if argsType != nil {
			argVal := reflect.New(argsType)
			if len(definition) > 0 {
				if err := json.Unmarshal(definition, argVal.Interface()); err != nil {
					return nil, fmt.Errorf("failed to unmarshal args: %w", err)
				}
			}
			args = append(args, argVal.Elem())
		}

		results := fnVal.Call(args)

		errVal := results[len(results)-1]
		if !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		if len(results) == 1 {
			return nil, nil
		}
		out, err := json.Marshal(results[0].Interface())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return out, nil
	}, nil
}
