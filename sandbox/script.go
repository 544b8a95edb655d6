// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// APIVersion is the contract version scripts must declare in their
// result object.
const APIVersion = "v2"

// ExecutionBudget is the fixed wall-clock limit for one script run.
// It is deliberately not configurable per room.
const ExecutionBudget = 500 * time.Millisecond

// ErrDeadline is returned when a script is still running at the
// execution budget and was interrupted.
var ErrDeadline = errors.New("sandbox: script exceeded execution budget")

// ScriptError wraps a compile or runtime failure of a user script. The
// message is safe to surface to the room that configured the script.
type ScriptError struct {
	Stage string // "compile" or "execute"
	Err   error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("sandbox: script %s failed: %v", e.Stage, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Output is the message a script produced. A nil Output with a nil
// error means the script explicitly declined to send anything.
type Output struct {
	// Plain is the message body.
	Plain string

	// HTML is an optional rich-formatted body.
	HTML string
}

// Script is a compiled transformation function, reusable across
// executions. Compilation happens once; each Execute gets a fresh
// interpreter.
type Script struct {
	program *goja.Program
}

// Compile parses and compiles source. A syntax error is reported as a
// *ScriptError so callers can surface it to the configuring user.
func Compile(source string) (*Script, error) {
	// Non-strict: user scripts assign the bare global "result".
	program, err := goja.Compile("transformation", source, false)
	if err != nil {
		return nil, &ScriptError{Stage: "compile", Err: err}
	}
	return &Script{program: program}, nil
}

// Execute runs the script against payload and interprets the global
// "result" it assigned:
//
//   - a bare string s: legacy v1 compatibility, produces the message
//     "Received webhook: " + s.
//   - anything that is neither an object nor null: the fixed message
//     "No content".
//   - null, or an object without version == "v2": a *ScriptError.
//   - an object with empty == true: an explicit no-op, returns
//     (nil, nil). The caller must not send anything, not even a
//     fallback.
//   - otherwise: "plain" is required and must be a string, "html" is
//     optional and must be a string when present.
//
// A run that exceeds ExecutionBudget is interrupted and returns
// ErrDeadline. Ctx cancellation interrupts the run the same way.
func (s *Script) Execute(ctx context.Context, payload any) (*Output, error) {
	vm := goja.New()
	if err := vm.Set("WebhookApiVersion", APIVersion); err != nil {
		return nil, fmt.Errorf("sandbox: preparing interpreter: %w", err)
	}
	if err := vm.Set("data", payload); err != nil {
		return nil, fmt.Errorf("sandbox: preparing interpreter: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, ExecutionBudget)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() {
		vm.Interrupt(ErrDeadline)
	})
	defer stop()

	_, err := vm.RunProgram(s.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrDeadline
		}
		return nil, &ScriptError{Stage: "execute", Err: err}
	}

	return interpretResult(vm.Get("result"))
}

func interpretResult(value goja.Value) (*Output, error) {
	if value == nil || goja.IsUndefined(value) {
		return &Output{Plain: "No content"}, nil
	}
	// null is an object in JavaScript terms, so it reaches the version
	// check and fails it rather than degrading to "No content".
	if goja.IsNull(value) {
		return nil, &ScriptError{Stage: "execute",
			Err: fmt.Errorf("result version is not %q", APIVersion)}
	}
	switch exported := value.Export().(type) {
	case string:
		return &Output{Plain: "Received webhook: " + exported}, nil
	case map[string]any:
		return interpretObject(exported)
	case []any:
		// An array is an object without a version field.
		return nil, &ScriptError{Stage: "execute",
			Err: fmt.Errorf("result version is not %q", APIVersion)}
	default:
		return &Output{Plain: "No content"}, nil
	}
}

func interpretObject(result map[string]any) (*Output, error) {
	if version, _ := result["version"].(string); version != APIVersion {
		return nil, &ScriptError{Stage: "execute",
			Err: fmt.Errorf("result version is not %q", APIVersion)}
	}
	if empty, _ := result["empty"].(bool); empty {
		return nil, nil
	}
	plain, ok := result["plain"].(string)
	if !ok {
		return nil, &ScriptError{Stage: "execute",
			Err: errors.New("result is missing required string field plain")}
	}
	output := &Output{Plain: plain}
	if html, present := result["html"]; present {
		str, ok := html.(string)
		if !ok {
			return nil, &ScriptError{Stage: "execute",
				Err: errors.New("result field html must be a string")}
		}
		output.HTML = str
	}
	return output, nil
}
