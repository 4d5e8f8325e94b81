package repositoryimpl

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/task"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/storage"
)

func newRepo(t *testing.T) *YAMLRepository {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLRepository(s)
}

func newTask(username string, status task.Status) *task.Task {
	pr := 7
	return &task.Task{
		ID:          ulid.Make().String(),
		Title:       "Fix login",
		UserRequest: "Fix the login redirect",
		Username:    username,
		Repo:        "acme/api",
		PRNumber:    &pr,
		Image:       []byte{0x89, 'P', 'N', 'G'},
		Model:       "claude-sonnet-4-5",
		Status:      status,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	tk := newTask("alice", task.StatusQueued)

	require.NoError(t, repo.Create(ctx, tk))
	err := repo.Create(ctx, tk)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	got, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Image, got.Image)
	require.NotNil(t, got.PRNumber)
	assert.Equal(t, 7, *got.PRNumber)
	assert.Nil(t, got.IssueNumber)

	got.Status = task.StatusCompleted
	got.Result = "done"
	require.NoError(t, repo.Update(ctx, got))
	again, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, again.Status)
	assert.Equal(t, "done", again.Result)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
	err = repo.Update(ctx, &task.Task{ID: "missing"})
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	var ids []string
	for _, tc := range []struct {
		user   string
		status task.Status
	}{
		{"alice", task.StatusQueued},
		{"bob", task.StatusCompleted},
		{"alice", task.StatusCompleted},
	} {
		tk := newTask(tc.user, tc.status)
		require.NoError(t, repo.Create(ctx, tk))
		ids = append(ids, tk.ID)
	}

	all, total, err := repo.List(ctx, task.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	alice, total, err := repo.List(ctx, task.ListFilter{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, alice, 2)

	done, _, err := repo.List(ctx, task.ListFilter{Username: "alice", Status: task.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, ids[2], done[0].ID)

	page, total, err := repo.List(ctx, task.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)
}
