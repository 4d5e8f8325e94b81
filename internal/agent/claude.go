package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/taskpilot/pkg/gitcmd"
)

const DefaultSystemPrompt = `You are TaskPilot, an autonomous software engineer.
You work inside a git checkout of the user's repository. Make the changes the
request asks for directly in the working tree. Do not create branches, commit,
push or open pull requests: that happens automatically after you finish.
Use the provided tools to look things up in the user's chat, issue tracker and
error tracker when it helps. Finish with a short summary of what you did.`

// attachmentDir holds per-task files that must never be committed.
const attachmentDir = ".taskpilot"

var excludePatterns = []string{
	"/" + attachmentDir + "/",
	"/" + mcpConfigFile,
	"/" + settingsFile,
}

type ClaudeAgent struct {
	systemPrompt string
	maxTurns     int
}

var _ Agent = (*ClaudeAgent)(nil)

func NewClaudeAgent(systemPrompt string, maxTurns int) *ClaudeAgent {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &ClaudeAgent{systemPrompt: systemPrompt, maxTurns: maxTurns}
}

func (a *ClaudeAgent) Invoke(ctx context.Context, req *Request) (*Response, error) {
	var restores []func() error
	defer func() {
		for _, r := range slices.Backward(restores) {
			if err := r(); err != nil {
				slog.WarnContext(ctx, "failed to restore workspace file", "error", err)
			}
		}
	}()

	if err := gitcmd.ExcludeLocally(req.WorkDir, excludePatterns...); err != nil {
		return nil, fmt.Errorf("failed to exclude agent files: %w", err)
	}

	prompt := req.Prompt
	if len(req.Image) > 0 {
		rel, err := writeAttachment(req.WorkDir, req.Image, req.ImageMediaType)
		if err != nil {
			return nil, err
		}
		restores = append(restores, func() error { return os.RemoveAll(filepath.Join(req.WorkDir, attachmentDir)) })
		prompt += fmt.Sprintf("\n\nThe user attached an image, saved at %s. Look at it before you start.", rel)
	}

	if len(req.Tools) > 0 {
		srv, err := StartToolServer(ctx, req.TaskID, req.Tools)
		if err != nil {
			return nil, err
		}
		defer srv.Close()
		restore, err := overlayFile(filepath.Join(req.WorkDir, mcpConfigFile), mcpConfig(srv.URL, srv.Token))
		if err != nil {
			return nil, err
		}
		restores = append(restores, restore)
	}

	restore, err := overlayFile(filepath.Join(req.WorkDir, settingsFile), settings(req.Model))
	if err != nil {
		return nil, err
	}
	restores = append(restores, restore)

	maxTurns := a.maxTurns
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   a.systemPrompt,
		Cwd:            req.WorkDir,
		PermissionMode: claudeagent.PermissionModeBypassPermissions,
		StderrCallback: func(line string) {
			slog.DebugContext(ctx, "claude stderr", "line", line)
		},
	}
	if maxTurns > 0 {
		opts.MaxTurns = &maxTurns
	}

	slog.InfoContext(ctx, "invoking agent", "model", req.Model, "tools", len(req.Tools), "image", len(req.Image) > 0)
	result, err := claudeagent.RunQuerySync(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("agent invocation failed: %w", err)
	}
	if result.Result == nil {
		return nil, errors.New("agent finished without a result")
	}
	slog.InfoContext(ctx, "agent finished", "is_error", result.Result.IsError, "session_id", result.Result.SessionID)
	return &Response{
		Text:      result.Result.Result,
		IsError:   result.Result.IsError,
		SessionID: result.Result.SessionID,
	}, nil
}
