package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/agent"
	"github.com/kazz187/taskpilot/internal/billing"
	billingrepo "github.com/kazz187/taskpilot/internal/billing/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/engine"
	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/githost"
	"github.com/kazz187/taskpilot/internal/identity"
	"github.com/kazz187/taskpilot/internal/repocache"
	"github.com/kazz187/taskpilot/internal/task"
	taskrepo "github.com/kazz187/taskpilot/internal/task/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/taskevent"
	eventrepo "github.com/kazz187/taskpilot/internal/taskevent/repositoryimpl"
	"github.com/kazz187/taskpilot/internal/tool"
	"github.com/kazz187/taskpilot/pkg/branchname"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/gitcmd"
	"github.com/kazz187/taskpilot/pkg/gitcmd/gittest"
	"github.com/kazz187/taskpilot/pkg/storage"
)

type identities map[string]*identity.Identity

func (m identities) Get(_ context.Context, username string) (*identity.Identity, error) {
	if id, ok := m[username]; ok {
		return id, nil
	}
	return nil, cerr.NewError(cerr.NotFound, "identity not found", nil)
}

type toolbox []tool.Tool

func (b toolbox) ToolsFor(context.Context, *identity.Identity) ([]tool.Tool, error) {
	return b, nil
}

type fakeHost struct {
	mu      sync.Mutex
	created []githost.NewPullRequest
	prErr   error
	heads   map[int]string
}

func (h *fakeHost) DefaultBranch(context.Context, string, string, string) (string, error) {
	return "main", nil
}

func (h *fakeHost) CreatePullRequest(_ context.Context, _, _, _ string, pr githost.NewPullRequest) (*githost.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.prErr != nil {
		return nil, h.prErr
	}
	h.created = append(h.created, pr)
	return &githost.PullRequest{Number: 42, URL: "https://github.com/acme/demo/pull/42"}, nil
}

func (h *fakeHost) PullRequestHead(_ context.Context, _, _, _ string, number int) (string, error) {
	head, ok := h.heads[number]
	if !ok {
		return "", errors.New("404 Not Found")
	}
	return head, nil
}

type agentFunc func(ctx context.Context, req *agent.Request) (*agent.Response, error)

func (f agentFunc) Invoke(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	return f(ctx, req)
}

func answer(text string) agentFunc {
	return func(context.Context, *agent.Request) (*agent.Response, error) {
		return &agent.Response{Text: text}, nil
	}
}

// writing answers after creating file in the workspace.
func writing(file, text string) agentFunc {
	return func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		if err := os.WriteFile(filepath.Join(req.WorkDir, file), []byte("hello\n"), 0o644); err != nil {
			return nil, err
		}
		return &agent.Response{Text: text}, nil
	}
}

type harness struct {
	remote string
	tasks  *taskrepo.YAMLRepository
	ledger *billing.Ledger
	events *taskevent.Service
	host   *fakeHost
	deps   engine.Deps
	cfg    engine.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	remote := gittest.NewRemote(t)
	root := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(root, "data"))
	require.NoError(t, err)

	git := &gitcmd.Runner{AuthorName: "Test", AuthorEmail: "test@example.com"}
	h := &harness{
		remote: remote,
		tasks:  taskrepo.NewYAMLRepository(store),
		ledger: billing.NewLedger(billingrepo.NewYAMLRepository(store), 500),
		events: taskevent.NewService(eventrepo.NewYAMLRepository(store), nil),
		host:   &fakeHost{heads: map[int]string{}},
	}
	h.deps = engine.Deps{
		Tasks:      h.tasks,
		Identities: identities{"alice": {Username: "alice", DiscountPercent: 20}},
		Tokens:     githost.NewStaticTokenSource("tok", nil),
		Workspaces: repocache.NewManager(
			filepath.Join(root, "cache"),
			filepath.Join(root, "workspaces"),
			"github.com",
			git,
			repocache.WithRemoteURL(func(repocache.RepoRef, string) string { return remote }),
		),
		Git:      git,
		Branches: branchname.NewResolver(50),
		Host:     h.host,
		Toolbox:  toolbox{},
		Events:   h.events,
		Ledger:   h.ledger,
		Bus:      eventbus.New(),
	}
	h.cfg = engine.Config{
		PushRetries:  2,
		AgentCredits: func(string) float64 { return 10 },
	}
	return h
}

func (h *harness) submit(t *testing.T, mutate func(*task.Task)) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:          ulid.Make().String(),
		Title:       "Add greeting",
		UserRequest: "Add a greeting file",
		Username:    "alice",
		Repo:        "acme/demo",
		Model:       "sonnet",
		Status:      task.StatusQueued,
	}
	if mutate != nil {
		mutate(tk)
	}
	require.NoError(t, h.tasks.Create(context.Background(), tk))
	return tk
}

func (h *harness) run(t *testing.T, a agent.Agent, tk *task.Task) *task.Task {
	t.Helper()
	deps := h.deps
	deps.Agent = a
	require.NoError(t, engine.New(deps, h.cfg).Run(context.Background(), tk.ID))
	got, err := h.tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) actions(t *testing.T, taskID string) []string {
	t.Helper()
	events, err := h.events.List(context.Background(), taskID)
	require.NoError(t, err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func (h *harness) bill(t *testing.T, taskID string) *billing.Bill {
	t.Helper()
	b, err := h.ledger.Bill(context.Background(), taskID)
	require.NoError(t, err)
	return b
}

func TestRun_NoChanges(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, nil)

	got := h.run(t, answer("Nothing to change."), tk)

	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "Nothing to change.", got.Result)
	assert.Empty(t, got.Branch)
	assert.Nil(t, got.PRNumber)
	assert.Empty(t, h.host.created)
	assert.Equal(t, []string{engine.ActionWorkspaceReady}, h.actions(t, tk.ID))

	b := h.bill(t, tk.ID)
	assert.Equal(t, tk.ID, b.TaskID)
	assert.InDelta(t, 10, b.GrossCredits, 0.001)
	assert.InDelta(t, 8, b.TotalCredits, 0.001)
}

func TestRun_ChangesOpenPullRequest(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, nil)

	got := h.run(t, writing("hello.txt", "Added hello.txt."), tk)

	require.Equal(t, task.StatusCompleted, got.Status, got.Result)
	assert.Equal(t, "add-greeting", got.Branch)
	require.NotNil(t, got.PRNumber)
	assert.Equal(t, 42, *got.PRNumber)
	assert.Equal(t, "https://github.com/acme/demo/pull/42", got.PRURL)

	require.Len(t, h.host.created, 1)
	pr := h.host.created[0]
	assert.Equal(t, "main", pr.Base)
	assert.Equal(t, "add-greeting", pr.Head)
	assert.Equal(t, "Add greeting", pr.Title)
	assert.Contains(t, pr.Body, "Added hello.txt.")
	assert.Contains(t, pr.Body, tk.ID)

	assert.Equal(t, "hello\n", gittest.Git(t, h.remote, "show", "add-greeting:hello.txt"))
	assert.Equal(t, []string{
		engine.ActionWorkspaceReady,
		engine.ActionPushBranch,
		engine.ActionCreatePullRequest,
	}, h.actions(t, tk.ID))

	events, err := h.events.List(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.True(t, taskevent.CanUndo(events))
	assert.Equal(t, "#42", taskevent.LastUndoable(events).Target)
}

func TestRun_BranchNameTaken(t *testing.T) {
	h := newHarness(t)
	gittest.PushBranch(t, h.remote, "add-greeting")
	tk := h.submit(t, nil)

	got := h.run(t, writing("hello.txt", "done"), tk)

	require.Equal(t, task.StatusCompleted, got.Status, got.Result)
	assert.Equal(t, "add-greeting-1", got.Branch)
}

func TestRun_ExplicitBranchPushesWithoutPullRequest(t *testing.T) {
	h := newHarness(t)
	gittest.PushBranch(t, h.remote, "feature")
	tk := h.submit(t, func(tk *task.Task) { tk.Branch = "feature" })

	got := h.run(t, writing("hello.txt", "done"), tk)

	require.Equal(t, task.StatusCompleted, got.Status, got.Result)
	assert.Equal(t, "feature", got.Branch)
	assert.Nil(t, got.PRNumber)
	assert.Empty(t, h.host.created)
	assert.Equal(t, "hello\n", gittest.Git(t, h.remote, "show", "feature:hello.txt"))
	assert.Equal(t, []string{engine.ActionWorkspaceReady, engine.ActionPushBranch}, h.actions(t, tk.ID))
}

func TestRun_PullRequestContextResolvesHead(t *testing.T) {
	h := newHarness(t)
	gittest.PushBranch(t, h.remote, "feature")
	h.host.heads[7] = "feature"
	pr := 7
	tk := h.submit(t, func(tk *task.Task) { tk.PRNumber = &pr })

	var prompt string
	got := h.run(t, agentFunc(func(ctx context.Context, req *agent.Request) (*agent.Response, error) {
		prompt = req.Prompt
		return writing("hello.txt", "done")(ctx, req)
	}), tk)

	require.Equal(t, task.StatusCompleted, got.Status, got.Result)
	assert.Equal(t, "feature", got.Branch)
	require.NotNil(t, got.PRNumber)
	assert.Equal(t, 7, *got.PRNumber)
	assert.Empty(t, h.host.created)
	assert.Contains(t, prompt, "pull request #7")
}

func TestRun_PullRequestBranchIsCheckedOutForAgent(t *testing.T) {
	h := newHarness(t)
	gittest.PushBranch(t, h.remote, "feature")
	h.host.heads[7] = "feature"
	pr := 7
	tk := h.submit(t, func(tk *task.Task) { tk.PRNumber = &pr })

	got := h.run(t, agentFunc(func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		path := filepath.Join(req.WorkDir, "feature.txt")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, append(data, "more\n"...), 0o644); err != nil {
			return nil, err
		}
		return &agent.Response{Text: "extended feature.txt"}, nil
	}), tk)

	require.Equal(t, task.StatusCompleted, got.Status, got.Result)
	assert.Equal(t, "feature", got.Branch)
	assert.Equal(t, "feature\nmore\n", gittest.Git(t, h.remote, "show", "feature:feature.txt"))
	assert.Equal(t, "2", strings.TrimSpace(gittest.Git(t, h.remote, "rev-list", "--count", "main..feature")))
	assert.Empty(t, h.host.created)
}

func TestRun_NewExplicitBranchStartsFromDefault(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, func(tk *task.Task) { tk.Branch = "fresh-start" })

	got := h.run(t, writing("hello.txt", "done"), tk)

	require.Equal(t, task.StatusCompleted, got.Status, got.Result)
	assert.Equal(t, "hello\n", gittest.Git(t, h.remote, "show", "fresh-start:hello.txt"))
	assert.Equal(t, "1", strings.TrimSpace(gittest.Git(t, h.remote, "rev-list", "--count", "main..fresh-start")))
}

func TestRun_OptionLikeHeadBranchFailsBeforeAgent(t *testing.T) {
	h := newHarness(t)
	h.host.heads[9] = "--force"
	pr := 9
	tk := h.submit(t, func(tk *task.Task) { tk.PRNumber = &pr })

	called := false
	got := h.run(t, agentFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
		called = true
		return &agent.Response{}, nil
	}), tk)

	assert.False(t, called)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Result, "Failed to check out branch --force"), got.Result)
	assert.Contains(t, got.Result, "invalid branch name")
}

func TestRun_PullRequestFailureKeepsResult(t *testing.T) {
	h := newHarness(t)
	h.host.prErr = errors.New("422 Validation Failed")
	tk := h.submit(t, nil)

	got := h.run(t, writing("hello.txt", "Added hello.txt."), tk)

	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.True(t, strings.HasPrefix(got.Result, "Added hello.txt."))
	assert.Contains(t, got.Result, "could not be created")
	assert.Empty(t, got.Branch)
	assert.Nil(t, got.PRNumber)
	h.bill(t, tk.ID)
}

func TestRun_SetupFailureBillsZero(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, func(tk *task.Task) { tk.Username = "mallory" })

	called := false
	got := h.run(t, agentFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
		called = true
		return &agent.Response{}, nil
	}), tk)

	assert.False(t, called)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Result, "Failed to load identity"), got.Result)
	assert.Equal(t, []string{engine.ActionTaskFailed}, h.actions(t, tk.ID))

	b := h.bill(t, tk.ID)
	assert.Zero(t, b.TotalCredits)
	assert.Zero(t, b.ItemCount)
}

func TestRun_AgentErrorFailsButBills(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, nil)

	got := h.run(t, agentFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
		return nil, errors.New("exit status 1")
	}), tk)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Result, "exit status 1")
	assert.InDelta(t, 10, h.bill(t, tk.ID).GrossCredits, 0.001)
}

func TestRun_AgentReportedErrorCompletes(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, nil)

	got := h.run(t, agentFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
		return &agent.Response{Text: "I could not find the file.", IsError: true}, nil
	}), tk)

	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "I could not find the file.", got.Result)
}

func TestRun_EmptyAnswerGetsReadableResult(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, nil)

	got := h.run(t, answer(""), tk)

	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.Result)
}

func TestRun_AgentPanicFails(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, nil)

	got := h.run(t, agentFunc(func(context.Context, *agent.Request) (*agent.Response, error) {
		panic("boom")
	}), tk)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Result, "Internal error"), got.Result)
	h.bill(t, tk.ID)
}

func TestRun_TimeoutStillBills(t *testing.T) {
	h := newHarness(t)
	h.cfg.TaskTimeout = 2 * time.Second
	tk := h.submit(t, nil)

	got := h.run(t, agentFunc(func(ctx context.Context, _ *agent.Request) (*agent.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), tk)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Result, "timed out")
	assert.InDelta(t, 10, h.bill(t, tk.ID).GrossCredits, 0.001)
}

func TestRun_ToolCallsAreMetered(t *testing.T) {
	h := newHarness(t)
	h.cfg.ToolCallCredits = 1.5
	h.deps.Toolbox = toolbox{
		tool.New("lookup", "Look something up.", tool.Object(nil),
			func(context.Context, string, struct{}) tool.Result { return tool.Text("found") }),
	}
	tk := h.submit(t, nil)

	got := h.run(t, agentFunc(func(ctx context.Context, req *agent.Request) (*agent.Response, error) {
		require.Len(t, req.Tools, 1)
		for range 2 {
			res := req.Tools[0].Invoke(ctx, tool.Call{TaskID: req.TaskID})
			assert.Equal(t, "found", res.Text)
		}
		return &agent.Response{Text: "looked it up"}, nil
	}), tk)

	require.Equal(t, task.StatusCompleted, got.Status)
	items, err := h.ledger.CostItems(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	b := h.bill(t, tk.ID)
	assert.InDelta(t, 13, b.GrossCredits, 0.001)
}

func TestRun_SkipsFinishedTask(t *testing.T) {
	h := newHarness(t)
	tk := h.submit(t, func(tk *task.Task) {
		tk.Status = task.StatusCompleted
		tk.Result = "done before"
	})

	got := h.run(t, answer("again"), tk)

	assert.Equal(t, "done before", got.Result)
	_, err := h.ledger.Bill(context.Background(), tk.ID)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestRun_ConcurrentTasksGetDistinctBranches(t *testing.T) {
	h := newHarness(t)
	deps := h.deps
	deps.Agent = writing("hello.txt", "done")
	e := engine.New(deps, h.cfg)

	var ids []string
	for range 3 {
		ids = append(ids, h.submit(t, nil).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Run(context.Background(), id))
		}()
	}
	wg.Wait()

	branches := map[string]bool{}
	for _, id := range ids {
		got, err := h.tasks.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, task.StatusCompleted, got.Status, got.Result)
		assert.False(t, branches[got.Branch], "duplicate branch %s", got.Branch)
		branches[got.Branch] = true
	}
	assert.Len(t, branches, 3)
}

func TestFailureErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	for _, err := range []error{
		&engine.SetupError{Msg: "setup", Err: cause},
		&engine.AgentError{Msg: "agent", Err: cause},
		&engine.FinalizationError{Msg: "push", Err: cause},
		&engine.BillingError{TaskID: "t1", Err: cause},
	} {
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "boom")
	}

	var se *engine.SetupError
	wrapped := errors.Join(errors.New("other"), &engine.SetupError{Msg: "setup", Err: cause})
	require.ErrorAs(t, wrapped, &se)
	assert.Equal(t, "setup", se.Msg)
}
