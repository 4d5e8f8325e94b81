package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buf.build/gen/go/bufbuild/protovalidate/protocolbuffers/go/buf/validate"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/billing"
	billingrepo "github.com/kazz187/taskpilot/internal/billing/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/engine"
	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/internal/task"
	taskrepo "github.com/kazz187/taskpilot/internal/task/repositoryimpl"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/storage"
)

type recordingRunner struct {
	mu      sync.Mutex
	ran     []string
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (r *recordingRunner) Run(_ context.Context, taskID string) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(r.delay)
	r.mu.Lock()
	r.ran = append(r.ran, taskID)
	r.mu.Unlock()
	return nil
}

func (r *recordingRunner) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type dispatcherFixture struct {
	tasks  *taskrepo.YAMLRepository
	ledger *billing.Ledger
	runner *recordingRunner
	d      *engine.Dispatcher
}

func newDispatcher(t *testing.T, cfg engine.IntakeConfig) *dispatcherFixture {
	t.Helper()
	store, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	f := &dispatcherFixture{
		tasks:  taskrepo.NewYAMLRepository(store),
		ledger: billing.NewLedger(billingrepo.NewYAMLRepository(store), 500),
		runner: &recordingRunner{},
	}
	ids := identities{
		"alice": {Username: "alice", DiscountPercent: 10},
		"bob":   {Username: "bob"},
	}
	f.d = engine.NewDispatcher(f.runner, f.tasks, ids, f.ledger, nil, cfg)
	return f
}

var defaultIntake = engine.IntakeConfig{
	MaxConcurrentTasks: 2,
	QueueSize:          8,
	MaxImageBytes:      16,
	DefaultModel:       "default-model",
}

func newTask() *task.Task {
	return &task.Task{
		UserRequest: "Fix the login bug\nIt breaks on Safari.",
		Username:    "alice",
		Repo:        "acme/demo",
	}
}

func TestSubmit_Defaults(t *testing.T) {
	f := newDispatcher(t, defaultIntake)
	tk := newTask()

	require.NoError(t, f.d.Submit(context.Background(), tk))

	got, err := f.tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, "Fix the login bug", got.Title)
	assert.Equal(t, "default-model", got.Model)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSubmit_Validation(t *testing.T) {
	pr := 0
	tests := []struct {
		name   string
		mutate func(*task.Task)
		code   cerr.Code
	}{
		{name: "empty request", mutate: func(tk *task.Task) { tk.UserRequest = "  " }, code: cerr.InvalidArgument},
		{name: "bad repo", mutate: func(tk *task.Task) { tk.Repo = "demo" }, code: cerr.InvalidArgument},
		{name: "traversal repo", mutate: func(tk *task.Task) { tk.Repo = "acme/.." }, code: cerr.InvalidArgument},
		{name: "image too large", mutate: func(tk *task.Task) {
			tk.Image = make([]byte, 17)
			tk.ImageMediaType = "image/png"
		}, code: cerr.InvalidArgument},
		{name: "image without media type", mutate: func(tk *task.Task) { tk.Image = []byte{1} }, code: cerr.InvalidArgument},
		{name: "option-like branch", mutate: func(tk *task.Task) { tk.Branch = "--force" }, code: cerr.InvalidArgument},
		{name: "malformed branch", mutate: func(tk *task.Task) { tk.Branch = "feature..x" }, code: cerr.InvalidArgument},
		{name: "non-positive pr", mutate: func(tk *task.Task) { tk.PRNumber = &pr }, code: cerr.InvalidArgument},
		{name: "unknown identity", mutate: func(tk *task.Task) { tk.Username = "mallory" }, code: cerr.PermissionDenied},
		{name: "no budget", mutate: func(tk *task.Task) { tk.Username = "bob" }, code: cerr.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcher(t, defaultIntake)
			require.NoError(t, f.ledger.SetBudget(context.Background(), "bob", 0))
			tk := newTask()
			tt.mutate(tk)

			err := f.d.Submit(context.Background(), tk)
			require.Error(t, err)
			assert.Equal(t, tt.code, cerr.CodeOf(err), err.Error())

			all, total, err := f.tasks.List(context.Background(), task.ListFilter{})
			require.NoError(t, err)
			assert.Zero(t, total)
			assert.Empty(t, all)
		})
	}
}

func TestSubmit_BudgetExhaustedDetail(t *testing.T) {
	f := newDispatcher(t, defaultIntake)
	require.NoError(t, f.ledger.SetBudget(context.Background(), "bob", 0))
	tk := newTask()
	tk.Username = "bob"

	err := f.d.Submit(context.Background(), tk)

	var ce *cerr.Error
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Details, 1)
	v, ok := ce.Details[0].(*validate.Violation)
	require.True(t, ok)
	assert.Equal(t, "budget.exhausted", v.GetRuleId())
	assert.Contains(t, v.GetMessage(), "bob")
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := defaultIntake
	cfg.QueueSize = 1
	f := newDispatcher(t, cfg)
	_, err := f.d.Recover(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.d.Submit(context.Background(), newTask()))
	err = f.d.Submit(context.Background(), newTask())
	assert.True(t, cerr.IsCode(err, cerr.ResourceExhausted))
}

func TestDispatcher_SubmittedBeforeStartRunsOnce(t *testing.T) {
	f := newDispatcher(t, defaultIntake)
	tk := newTask()
	require.NoError(t, f.d.Submit(context.Background(), tk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(f.runner.Ran()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{tk.ID}, f.runner.Ran())

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_RunsSubmittedTasks(t *testing.T) {
	f := newDispatcher(t, defaultIntake)
	f.runner.delay = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	var ids []string
	for range 6 {
		tk := newTask()
		require.NoError(t, f.d.Submit(ctx, tk))
		ids = append(ids, tk.ID)
	}

	assert.Eventually(t, func() bool { return len(f.runner.Ran()) == len(ids) }, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, ids, f.runner.Ran())
	assert.LessOrEqual(t, f.runner.maxSeen.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_RecoversAfterRestart(t *testing.T) {
	f := newDispatcher(t, defaultIntake)
	ctx := context.Background()

	running := &task.Task{ID: ulid.Make().String(), Username: "alice", Repo: "acme/demo", Status: task.StatusRunning}
	queued := &task.Task{ID: ulid.Make().String(), Username: "alice", Repo: "acme/demo", Status: task.StatusQueued}
	require.NoError(t, f.tasks.Create(ctx, running))
	require.NoError(t, f.tasks.Create(ctx, queued))
	require.NoError(t, f.ledger.AddCostItem(ctx, running.ID, "Agent invocation: sonnet", 10))

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.d.Run(rctx) }()

	assert.Eventually(t, func() bool { return len(f.runner.Ran()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{queued.ID}, f.runner.Ran())
	cancel()
	require.NoError(t, <-done)

	got, err := f.tasks.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Result, "interrupted")

	b, err := f.ledger.Bill(ctx, running.ID)
	require.NoError(t, err)
	assert.InDelta(t, 9, b.TotalCredits, 0.001)
}

var _ identity.Provider = identities{}
