package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kazz187/taskpilot/internal/agent"
	"github.com/kazz187/taskpilot/internal/githost"
	"github.com/kazz187/taskpilot/pkg/gitcmd"
)

// publish turns the agent's workspace changes into a pushed branch and,
// unless the task targets an existing branch, a pull request.
func (e *Engine) publish(ctx context.Context, r *run, resp *agent.Response) error {
	t := r.task
	changed, err := e.Git.HasLocalChanges(ctx, r.workDir)
	if err != nil {
		return finalizeFailed("Failed to inspect workspace changes", err)
	}
	if !changed {
		slog.InfoContext(ctx, "agent made no changes")
		return nil
	}

	if t.Branch != "" {
		return e.pushExisting(ctx, r)
	}

	branch, err := e.pushNew(ctx, r)
	if err != nil {
		return err
	}

	pr, err := e.openPullRequest(ctx, r, branch, resp)
	if err != nil {
		// The agent's work is on the remote branch; only the PR is missing.
		slog.WarnContext(ctx, "failed to create pull request", "branch", branch, "error", err)
		e.record(ctx, t.ID, ActionCreatePullRequest, branch,
			fmt.Sprintf("Failed to create a pull request for branch %s: %v", branch, err), false)
		t.Result += fmt.Sprintf("\n\nThe changes were pushed to branch `%s`, but the pull request could not be created: %v", branch, err)
		return nil
	}
	t.Branch = branch
	t.PRNumber = &pr.Number
	t.PRURL = pr.URL
	e.record(ctx, t.ID, ActionCreatePullRequest, fmt.Sprintf("#%d", pr.Number),
		fmt.Sprintf("Opened pull request #%d %s from branch %s", pr.Number, pr.URL, branch), true)
	return nil
}

// pushExisting commits onto the branch setup checked out and pushes it.
func (e *Engine) pushExisting(ctx context.Context, r *run) error {
	t := r.task
	if err := e.Git.CommitAll(ctx, r.workDir, t.Title); err != nil {
		return finalizeFailed("Failed to commit changes", err)
	}

	unlock := e.Branches.Lock(r.ref.String())
	err := e.Git.Push(ctx, r.workDir, t.Branch)
	unlock()
	if err != nil {
		return finalizeFailed(fmt.Sprintf("Failed to push branch %s", t.Branch), err)
	}
	e.record(ctx, t.ID, ActionPushBranch, t.Branch, fmt.Sprintf("Pushed changes to branch %s", t.Branch), false)
	return nil
}

// pushNew commits onto a freshly named branch and pushes it. A rejected
// push means another writer took the name first; the branch is renamed
// against the refreshed ref list and pushed again.
func (e *Engine) pushNew(ctx context.Context, r *run) (string, error) {
	t := r.task
	key := r.ref.String()
	created := false

	var lastErr error
	for attempt := 0; attempt <= e.cfg.PushRetries; attempt++ {
		branch, err := e.pushAttempt(ctx, r, key, &created)
		if err == nil {
			e.record(ctx, t.ID, ActionPushBranch, branch, fmt.Sprintf("Pushed changes to new branch %s", branch), false)
			return branch, nil
		}
		lastErr = err
		if !errors.Is(err, gitcmd.ErrPushRejected) {
			break
		}
		slog.WarnContext(ctx, "push rejected, resolving a new branch name", "branch", branch, "attempt", attempt+1)
	}
	return "", finalizeFailed("Failed to push changes", lastErr)
}

func (e *Engine) pushAttempt(ctx context.Context, r *run, key string, created *bool) (string, error) {
	unlock := e.Branches.Lock(key)
	defer unlock()

	refs, err := e.Git.Refs(ctx, r.workDir)
	if err != nil {
		return "", err
	}
	branch, release := e.Branches.Reserve(key, r.task.Title, refs)
	defer release()

	if !*created {
		if err := e.Git.CreateBranch(ctx, r.workDir, branch); err != nil {
			return branch, err
		}
		if err := e.Git.CommitAll(ctx, r.workDir, r.task.Title); err != nil {
			return branch, err
		}
		*created = true
	} else if err := e.Git.RenameBranch(ctx, r.workDir, branch); err != nil {
		return branch, err
	}
	return branch, e.Git.Push(ctx, r.workDir, branch)
}

func (e *Engine) openPullRequest(ctx context.Context, r *run, branch string, resp *agent.Response) (*githost.PullRequest, error) {
	base, err := e.Host.DefaultBranch(ctx, r.token, r.ref.Owner, r.ref.Name)
	if err != nil {
		return nil, err
	}
	return e.Host.CreatePullRequest(ctx, r.token, r.ref.Owner, r.ref.Name, githost.NewPullRequest{
		Base:  base,
		Head:  branch,
		Title: r.task.Title,
		Body:  pullRequestBody(r.task.ID, resp.Text),
	})
}

func pullRequestBody(taskID, text string) string {
	return fmt.Sprintf("%s\n\n---\nTaskPilot task `%s`", text, taskID)
}
