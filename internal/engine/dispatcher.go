package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/taskpilot/internal/billing"
	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/internal/repocache"
	"github.com/kazz187/taskpilot/internal/task"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/gitcmd"
	"github.com/kazz187/taskpilot/pkg/panicerr"
)

// Runner executes one task to a terminal status.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

type IntakeConfig struct {
	MaxConcurrentTasks int
	QueueSize          int
	MaxImageBytes      int
	DefaultModel       string
}

// Dispatcher accepts tasks and runs them on a bounded worker pool.
type Dispatcher struct {
	runner     Runner
	tasks      task.Repository
	identities identity.Provider
	ledger     *billing.Ledger
	bus        *eventbus.Bus
	cfg        IntakeConfig

	mu    sync.Mutex
	queue chan string
	// recovered is set once recover has listed the stored queue. Tasks
	// submitted before that are picked up by the listing instead.
	recovered bool
}

func NewDispatcher(runner Runner, tasks task.Repository, identities identity.Provider, ledger *billing.Ledger, bus *eventbus.Bus, cfg IntakeConfig) *Dispatcher {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Dispatcher{
		runner:     runner,
		tasks:      tasks,
		identities: identities,
		ledger:     ledger,
		bus:        bus,
		cfg:        cfg,
		queue:      make(chan string, cfg.QueueSize),
	}
}

// Submit validates t, stores it as queued and schedules it. It returns as
// soon as the task is queued; the outcome is observed on the stored task.
func (d *Dispatcher) Submit(ctx context.Context, t *task.Task) error {
	if err := d.validate(ctx, t); err != nil {
		return err
	}

	now := time.Now().UTC()
	t.ID = ulid.Make().String()
	t.Status = task.StatusQueued
	t.Result = ""
	t.PRURL = ""
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Title == "" {
		t.Title = task.DefaultTitle(t.UserRequest)
	}
	if t.Model == "" {
		t.Model = d.cfg.DefaultModel
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) >= cap(d.queue) {
		return cerr.NewError(cerr.ResourceExhausted, "task queue is full, try again later", nil)
	}
	if err := d.tasks.Create(ctx, t); err != nil {
		return err
	}
	if d.recovered {
		// Only Submit sends, under mu, and the length was checked above.
		d.queue <- t.ID
	}

	if d.bus != nil {
		d.bus.PublishNew(eventbus.TypeTaskStatusChanged, t.ID, t.ID, map[string]string{
			"status":   string(t.Status),
			"username": t.Username,
		})
	}
	slog.InfoContext(ctx, "task submitted", "task_id", t.ID, "repo", t.Repo, "username", t.Username)
	return nil
}

func (d *Dispatcher) validate(ctx context.Context, t *task.Task) error {
	if t == nil {
		return cerr.NewError(cerr.InvalidArgument, "task is required", nil)
	}
	if strings.TrimSpace(t.UserRequest) == "" {
		return cerr.InvalidArgumentError("user_request", "must not be empty")
	}
	if _, err := repocache.ParseRepoRef(t.Repo); err != nil {
		return cerr.InvalidArgumentError("repo", "must be in owner/repo form")
	}
	if t.Username == "" {
		return cerr.InvalidArgumentError("username", "must not be empty")
	}
	if d.cfg.MaxImageBytes > 0 && len(t.Image) > d.cfg.MaxImageBytes {
		return cerr.InvalidArgumentError("image", fmt.Sprintf("must be at most %d bytes", d.cfg.MaxImageBytes))
	}
	if len(t.Image) > 0 && !strings.HasPrefix(t.ImageMediaType, "image/") {
		return cerr.InvalidArgumentError("image_media_type", "must be an image media type")
	}
	if t.Branch != "" && !gitcmd.ValidBranchName(t.Branch) {
		return cerr.InvalidArgumentError("branch", "must be a valid git branch name")
	}
	if t.PRNumber != nil && *t.PRNumber <= 0 {
		return cerr.InvalidArgumentError("pr_number", "must be positive")
	}
	if t.IssueNumber != nil && *t.IssueNumber <= 0 {
		return cerr.InvalidArgumentError("issue_number", "must be positive")
	}

	if _, err := d.identities.Get(ctx, t.Username); err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			return cerr.NewError(cerr.PermissionDenied, "unknown identity", err)
		}
		return err
	}
	budget, err := d.ledger.Budget(ctx, t.Username)
	if err != nil {
		return err
	}
	if budget <= 0 {
		return cerr.NewError(cerr.FailedPrecondition, "budget exhausted", nil).
			AddDetailMessageWithCode(fmt.Sprintf("%s has %.2f credits left", t.Username, budget), "budget.exhausted")
	}
	return nil
}

// Run recovers tasks left over by a previous process and then works the
// queue until ctx is done. Running tasks are waited for before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	pending, err := d.recover(ctx)
	if err != nil {
		return err
	}

	p := pool.New().WithMaxGoroutines(d.cfg.MaxConcurrentTasks)
	defer p.Wait()

	// Recovered tasks bypass the queue bound; they were accepted already.
	for _, id := range pending {
		d.dispatch(ctx, p, id)
	}

	slog.InfoContext(ctx, "task dispatcher started", "workers", d.cfg.MaxConcurrentTasks, "recovered", len(pending))
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "task dispatcher stopping")
			return nil
		case id := <-d.queue:
			d.dispatch(ctx, p, id)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, p *pool.Pool, id string) {
	p.Go(func() {
		if ctx.Err() != nil {
			return
		}
		err := panicerr.SafeContext(func(ctx context.Context) error {
			return d.runner.Run(ctx, id)
		})(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "task run failed", "task_id", id, "error", err)
		}
	})
}

const interruptedResult = "The task was interrupted by a server restart."

// recover fails tasks that were running when the previous process died
// and returns the IDs of queued tasks, oldest first.
func (d *Dispatcher) recover(ctx context.Context) ([]string, error) {
	running, _, err := d.tasks.List(ctx, task.ListFilter{Status: task.StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to list running tasks: %w", err)
	}
	for _, t := range running {
		t.Status = task.StatusFailed
		t.Result = interruptedResult
		t.FinishedAt = time.Now().UTC()
		t.UpdatedAt = t.FinishedAt
		if err := d.tasks.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to fail interrupted task %s: %w", t.ID, err)
		}
		discount := 0
		if id, err := d.identities.Get(ctx, t.Username); err == nil {
			discount = id.DiscountPercent
		}
		if _, err := d.ledger.CloseTask(ctx, t.ID, t.Username, discount); err != nil {
			slog.ErrorContext(ctx, "failed to bill interrupted task", "task_id", t.ID, "error", err)
		}
		slog.WarnContext(ctx, "marked interrupted task as failed", "task_id", t.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	queued, _, err := d.tasks.List(ctx, task.ListFilter{Status: task.StatusQueued})
	if err != nil {
		return nil, fmt.Errorf("failed to list queued tasks: %w", err)
	}
	d.recovered = true
	ids := make([]string, 0, len(queued))
	for _, t := range queued {
		ids = append(ids, t.ID)
	}
	slices.Reverse(ids)
	return ids, nil
}
