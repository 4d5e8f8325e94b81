// Package tool defines the callable capabilities handed to the agent.
//
// A tool never fails with a Go error: upstream problems come back as a
// Result with IsError set, so the agent can read them and carry on.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/kazz187/taskpilot/pkg/panicerr"
)

// Call is one invocation by the agent. TaskID carries the task the call
// is made on behalf of.
type Call struct {
	TaskID    string
	Arguments json.RawMessage
}

type Result struct {
	Text    string
	IsError bool
}

func Text(s string) Result {
	return Result{Text: s}
}

func Errorf(format string, args ...any) Result {
	return Result{Text: fmt.Sprintf(format, args...), IsError: true}
}

type Tool interface {
	Name() string
	Description() string
	InputSchema() *jsonschema.Schema
	Invoke(ctx context.Context, call Call) Result
}

// Handler is the typed body of a tool.
type Handler[In any] func(ctx context.Context, taskID string, in In) Result

type typed[In any] struct {
	name        string
	description string
	schema      *jsonschema.Schema
	handler     Handler[In]
}

// New builds a Tool whose arguments are decoded into In before h runs.
func New[In any](name, description string, schema *jsonschema.Schema, h Handler[In]) Tool {
	return &typed[In]{name: name, description: description, schema: schema, handler: h}
}

func (t *typed[In]) Name() string                    { return t.name }
func (t *typed[In]) Description() string             { return t.description }
func (t *typed[In]) InputSchema() *jsonschema.Schema { return t.schema }

func (t *typed[In]) Invoke(ctx context.Context, call Call) Result {
	var in In
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &in); err != nil {
			return Errorf("Invalid arguments for %s: %v", t.name, err)
		}
	}
	var res Result
	err := panicerr.Safe(func() error {
		res = t.handler(ctx, call.TaskID, in)
		return nil
	})()
	if err != nil {
		return Errorf("Tool %s failed: %v", t.name, err)
	}
	return res
}

// InvokeFunc is the signature of Tool.Invoke.
type InvokeFunc func(ctx context.Context, call Call) Result

type wrapped struct {
	Tool
	invoke func(ctx context.Context, call Call, next InvokeFunc) Result
}

func (w *wrapped) Invoke(ctx context.Context, call Call) Result {
	return w.invoke(ctx, call, w.Tool.Invoke)
}

// Wrap returns t with fn around its Invoke.
func Wrap(t Tool, fn func(ctx context.Context, call Call, next InvokeFunc) Result) Tool {
	return &wrapped{Tool: t, invoke: fn}
}

// Find returns the tool called name.
func Find(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}
