// Package engine drives a task from queued to a terminal status: it
// prepares the workspace, runs the agent with the identity's tools,
// publishes the agent's changes and settles the bill.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kazz187/taskpilot/internal/agent"
	"github.com/kazz187/taskpilot/internal/billing"
	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/githost"
	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/internal/repocache"
	"github.com/kazz187/taskpilot/internal/task"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/internal/tool"
	"github.com/kazz187/taskpilot/pkg/branchname"
	"github.com/kazz187/taskpilot/pkg/clog"
	"github.com/kazz187/taskpilot/pkg/gitcmd"
	"github.com/kazz187/taskpilot/pkg/panicerr"
)

// System event actions.
const (
	ActionWorkspaceReady    = "workspace_ready"
	ActionPushBranch        = "push_branch"
	ActionCreatePullRequest = "create_pull_request"
	ActionTaskFailed        = "task_failed"
)

// Host is the source-control host API the engine needs.
type Host interface {
	DefaultBranch(ctx context.Context, token, owner, repo string) (string, error)
	CreatePullRequest(ctx context.Context, token, owner, repo string, pr githost.NewPullRequest) (*githost.PullRequest, error)
	PullRequestHead(ctx context.Context, token, owner, repo string, number int) (string, error)
}

// Toolbox assembles the tools an identity may use.
type Toolbox interface {
	ToolsFor(ctx context.Context, id *identity.Identity) ([]tool.Tool, error)
}

type Config struct {
	PushRetries     int
	TaskTimeout     time.Duration
	ToolCallCredits float64
	// AgentCredits prices one agent invocation with a model.
	AgentCredits func(model string) float64
}

type Deps struct {
	Tasks      task.Repository
	Identities identity.Provider
	Tokens     githost.TokenSource
	Workspaces *repocache.Manager
	Git        *gitcmd.Runner
	Branches   *branchname.Resolver
	Host       Host
	Toolbox    Toolbox
	Agent      agent.Agent
	Events     taskevent.Recorder
	Ledger     *billing.Ledger
	Bus        *eventbus.Bus
}

type Engine struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.AgentCredits == nil {
		cfg.AgentCredits = func(string) float64 { return 0 }
	}
	return &Engine{Deps: deps, cfg: cfg}
}

// SetupError is a failure before the agent ran: identity, credentials or
// workspace. The task fails with Msg as its result.
type SetupError struct {
	Msg string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("%s: %v", e.Msg, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// AgentError is an agent invocation that returned no response at all.
type AgentError struct {
	Msg string
	Err error
}

func (e *AgentError) Error() string { return fmt.Sprintf("%s: %v", e.Msg, e.Err) }
func (e *AgentError) Unwrap() error { return e.Err }

// FinalizationError is a commit or push failure after the agent finished.
// A failed pull request is not one: the task completes without PR fields.
type FinalizationError struct {
	Msg string
	Err error
}

func (e *FinalizationError) Error() string { return fmt.Sprintf("%s: %v", e.Msg, e.Err) }
func (e *FinalizationError) Unwrap() error { return e.Err }

// BillingError is logged and never changes the task status.
type BillingError struct {
	TaskID string
	Err    error
}

func (e *BillingError) Error() string { return fmt.Sprintf("failed to bill task %s: %v", e.TaskID, e.Err) }
func (e *BillingError) Unwrap() error { return e.Err }

func setupFailed(msg string, err error) error { return &SetupError{Msg: msg, Err: err} }

func finalizeFailed(msg string, err error) error { return &FinalizationError{Msg: msg, Err: err} }

// run is the state of one task execution.
type run struct {
	task    *task.Task
	id      *identity.Identity
	token   string
	ref     repocache.RepoRef
	workDir string
}

// Run executes the task with id. It returns an error only when the task
// could not be loaded or its final state could not be stored; every
// other failure ends up in the task's status and result.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	t, err := e.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		slog.InfoContext(ctx, "task already finished", "task_id", t.ID, "status", t.Status)
		return nil
	}
	ctx = clog.ContextWithTask(ctx, t.ID, t.Repo)

	// Billing and the final status write must survive a timeout or shutdown.
	final := context.WithoutCancel(ctx)

	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}

	t.Status = task.StatusRunning
	t.StartedAt = time.Now().UTC()
	if err := e.save(ctx, t); err != nil {
		return err
	}
	slog.InfoContext(ctx, "task started", "username", t.Username, "model", t.Model)

	r := &run{task: t}
	defer func() {
		if err := e.Workspaces.ReleaseWorkspace(t.ID); err != nil {
			slog.WarnContext(final, "failed to release workspace", "error", err)
		}
	}()

	err = panicerr.SafeContext(func(ctx context.Context) error {
		return e.execute(ctx, r)
	})(ctx)

	status := task.StatusCompleted
	if err != nil {
		status = task.StatusFailed
		t.Result = failureResult(ctx, err, e.cfg.TaskTimeout)
		slog.ErrorContext(final, "task failed", "error", err)
		e.record(final, t.ID, ActionTaskFailed, t.Repo, t.Result, false)
	}

	e.bill(final, r)
	return e.finish(final, t, status)
}

func failureResult(ctx context.Context, err error, timeout time.Duration) string {
	var (
		se *SetupError
		ae *AgentError
		fe *FinalizationError
	)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("The task timed out after %s.", timeout)
	case errors.As(err, &se):
		return se.Msg + ": " + gitcmd.Scrub(se.Err.Error())
	case errors.As(err, &ae):
		return ae.Msg + ": " + gitcmd.Scrub(ae.Err.Error())
	case errors.As(err, &fe):
		return fe.Msg + ": " + gitcmd.Scrub(fe.Err.Error())
	default:
		return "Internal error: " + gitcmd.Scrub(err.Error())
	}
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	tools, err := e.setup(ctx, r)
	if err != nil {
		return err
	}

	resp, err := e.invokeAgent(ctx, r, tools)
	if err != nil {
		return err
	}
	r.task.Result = resp.Text
	if r.task.Result == "" {
		r.task.Result = "The agent finished without a response."
	}

	return e.publish(ctx, r, resp)
}

func (e *Engine) setup(ctx context.Context, r *run) ([]tool.Tool, error) {
	t := r.task
	id, err := e.Identities.Get(ctx, t.Username)
	if err != nil {
		return nil, setupFailed("Failed to load identity", err)
	}
	r.id = id

	ref, err := repocache.ParseRepoRef(t.Repo)
	if err != nil {
		return nil, setupFailed("Invalid repository", err)
	}
	r.ref = ref

	token, err := e.Tokens.Token(ctx, id)
	if err != nil {
		return nil, setupFailed("Failed to obtain repository credentials", err)
	}
	r.token = string(token)

	if t.PRNumber != nil && t.Branch == "" {
		head, err := e.Host.PullRequestHead(ctx, r.token, ref.Owner, ref.Name, *t.PRNumber)
		if err != nil {
			return nil, setupFailed(fmt.Sprintf("Failed to resolve pull request #%d", *t.PRNumber), err)
		}
		t.Branch = head
		if err := e.save(ctx, t); err != nil {
			return nil, err
		}
	}

	workDir, err := e.Workspaces.EnsureWorkspace(ctx, t.ID, ref, r.token)
	if err != nil {
		return nil, setupFailed("Failed to set up workspace", err)
	}
	r.workDir = workDir

	// The agent works on the target branch, so it sees the PR's code.
	ready := fmt.Sprintf("Prepared a workspace for %s", t.Repo)
	if t.Branch != "" {
		if err := e.Git.Checkout(ctx, workDir, t.Branch); err != nil {
			return nil, setupFailed(fmt.Sprintf("Failed to check out branch %s", t.Branch), err)
		}
		ready += " on branch " + t.Branch
	}
	e.record(ctx, t.ID, ActionWorkspaceReady, t.Repo, ready, false)

	tools, err := e.Toolbox.ToolsFor(ctx, id)
	if err != nil {
		return nil, setupFailed("Failed to prepare integrations", err)
	}
	return e.meter(tools), nil
}

// meter charges every tool call to the calling task.
func (e *Engine) meter(tools []tool.Tool) []tool.Tool {
	if e.cfg.ToolCallCredits <= 0 {
		return tools
	}
	metered := make([]tool.Tool, 0, len(tools))
	for _, t := range tools {
		name := t.Name()
		metered = append(metered, tool.Wrap(t, func(ctx context.Context, call tool.Call, next tool.InvokeFunc) tool.Result {
			res := next(ctx, call)
			if err := e.Ledger.AddCostItem(ctx, call.TaskID, "Tool call: "+name, e.cfg.ToolCallCredits); err != nil {
				slog.WarnContext(ctx, "failed to record tool cost", "tool", name, "error", err)
			}
			return res
		}))
	}
	return metered
}

func (e *Engine) invokeAgent(ctx context.Context, r *run, tools []tool.Tool) (*agent.Response, error) {
	t := r.task
	resp, err := e.Agent.Invoke(ctx, &agent.Request{
		TaskID:         t.ID,
		Prompt:         prompt(t),
		Image:          t.Image,
		ImageMediaType: t.ImageMediaType,
		WorkDir:        r.workDir,
		Tools:          tools,
		Model:          t.Model,
	})
	// The model ran whether or not it produced an answer.
	if credits := e.cfg.AgentCredits(t.Model); credits > 0 {
		if err := e.Ledger.AddCostItem(context.WithoutCancel(ctx), t.ID, "Agent invocation: "+t.Model, credits); err != nil {
			slog.WarnContext(ctx, "failed to record agent cost", "error", err)
		}
	}
	if err != nil {
		return nil, &AgentError{Msg: "The agent could not run", Err: err}
	}
	return resp, nil
}

func prompt(t *task.Task) string {
	p := t.UserRequest
	if t.IssueNumber != nil {
		p += fmt.Sprintf("\n\nThis task is about issue #%d of %s.", *t.IssueNumber, t.Repo)
	}
	switch {
	case t.PRNumber != nil:
		p += fmt.Sprintf("\n\nThis task continues pull request #%d of %s. The branch %s is checked out.", *t.PRNumber, t.Repo, t.Branch)
	case t.Branch != "":
		p += fmt.Sprintf("\n\nThe branch %s is checked out.", t.Branch)
	}
	return p
}

func (e *Engine) record(ctx context.Context, taskID, action, target, message string, reversible bool) {
	if e.Events == nil {
		return
	}
	err := e.Events.Record(ctx, &taskevent.TaskEvent{
		TaskID:     taskID,
		Actor:      taskevent.ActorSystem,
		Action:     action,
		Target:     target,
		Message:    message,
		Reversible: reversible,
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to record task event", "action", action, "error", err)
	}
}

func (e *Engine) bill(ctx context.Context, r *run) {
	discount := 0
	if r.id != nil {
		discount = r.id.DiscountPercent
	}
	b, err := e.Ledger.CloseTask(ctx, r.task.ID, r.task.Username, discount)
	if err != nil {
		slog.ErrorContext(ctx, "billing failed", "error", &BillingError{TaskID: r.task.ID, Err: err})
		return
	}
	slog.InfoContext(ctx, "task billed", "total_credits", b.TotalCredits, "items", b.ItemCount)
}

func (e *Engine) save(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	if err := e.Tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if e.Bus != nil {
		e.Bus.PublishNew(eventbus.TypeTaskStatusChanged, t.ID, t.ID, map[string]string{
			"status":   string(t.Status),
			"username": t.Username,
		})
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, t *task.Task, status task.Status) error {
	t.Status = status
	t.FinishedAt = time.Now().UTC()
	if err := e.save(ctx, t); err != nil {
		return err
	}
	slog.InfoContext(ctx, "task finished", "status", status, "branch", t.Branch, "duration", t.FinishedAt.Sub(t.StartedAt))
	return nil
}
