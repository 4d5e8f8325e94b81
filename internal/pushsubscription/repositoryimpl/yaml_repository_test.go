package repositoryimpl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/pushsubscription"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/storage"
)

func newRepo(t *testing.T) *YAMLRepository {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLRepository(s)
}

func TestSaveUpsertsByEndpoint(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	first := &pushsubscription.Subscription{Username: "alice", Endpoint: "https://push.example/1", P256dhKey: "k1", AuthKey: "a1"}
	require.NoError(t, r.Save(ctx, first))
	require.NotEmpty(t, first.ID)

	again := &pushsubscription.Subscription{Username: "alice", Endpoint: "https://push.example/1", P256dhKey: "k2", AuthKey: "a2"}
	require.NoError(t, r.Save(ctx, again))
	assert.Equal(t, first.ID, again.ID)

	subs, err := r.ListByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "k2", subs[0].P256dhKey)
}

func TestListByUsername(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Save(ctx, &pushsubscription.Subscription{Username: "alice", Endpoint: "https://push.example/a"}))
	require.NoError(t, r.Save(ctx, &pushsubscription.Subscription{Username: "bob", Endpoint: "https://push.example/b"}))

	subs, err := r.ListByUsername(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/b", subs[0].Endpoint)

	subs, err = r.ListByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDeleteByEndpoint(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Save(ctx, &pushsubscription.Subscription{Username: "alice", Endpoint: "https://push.example/a"}))

	require.NoError(t, r.DeleteByEndpoint(ctx, "https://push.example/a"))
	err := r.DeleteByEndpoint(ctx, "https://push.example/a")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}
