package taskevent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/internal/taskevent/repositoryimpl"
	"github.com/kazz187/taskpilot/pkg/storage"
)

func TestServiceRecordPublishes(t *testing.T) {
	ctx := context.Background()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	_, ch := bus.Subscribe(4)
	svc := taskevent.NewService(repositoryimpl.NewYAMLRepository(s), bus)

	e := &taskevent.TaskEvent{TaskID: "task-1", Action: "post_slack_message", Target: "general", Message: "posted", Reversible: true}
	require.NoError(t, svc.Record(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, taskevent.ActorAssistant, e.Actor)

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.TypeTaskEventRecorded, ev.Type)
		assert.Equal(t, "task-1", ev.TaskID)
		assert.Equal(t, e.ID, ev.ResourceID)
		assert.Equal(t, "post_slack_message", ev.Metadata["action"])
	case <-time.After(time.Second):
		t.Fatal("no bus event")
	}

	reversed, err := svc.MarkReversed(ctx, "task-1", e.ID)
	require.NoError(t, err)
	assert.True(t, reversed.Reversed)

	list, err := svc.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Reversed)
}
