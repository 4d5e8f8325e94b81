// Package agent invokes the reasoning agent that works inside a task's
// workspace.
package agent

import (
	"context"

	"github.com/kazz187/taskpilot/internal/tool"
)

type Request struct {
	TaskID         string
	Prompt         string
	Image          []byte
	ImageMediaType string
	WorkDir        string
	Tools          []tool.Tool
	Model          string
}

// Response is the agent's final answer. IsError marks an answer in which
// the agent itself reports failure; it is still a result.
type Response struct {
	Text      string
	IsError   bool
	SessionID string
}

// Agent runs to completion. Tool calls and workspace edits happen during
// Invoke; only the final text comes back.
type Agent interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
