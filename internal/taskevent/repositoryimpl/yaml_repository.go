package repositoryimpl

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/storage"
)

const eventsPrefix = "task_events"

type YAMLRepository struct {
	storage storage.Storage

	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		storage: s,
		locks:   make(map[string]*taskLock),
	}
}

func dir(taskID string) string {
	return fmt.Sprintf("%s/%s", eventsPrefix, taskID)
}

func path(taskID, id string) string {
	return fmt.Sprintf("%s/%s.yaml", dir(taskID), id)
}

// lock serializes writers of one task so IDs, which order the listing,
// are handed out in append order. The entry for a task is dropped once no
// writer holds or waits for it.
func (r *YAMLRepository) lock(taskID string) func() {
	r.mu.Lock()
	l, ok := r.locks[taskID]
	if !ok {
		l = &taskLock{}
		r.locks[taskID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, taskID)
		}
		r.mu.Unlock()
	}
}

func (r *YAMLRepository) Append(ctx context.Context, e *taskevent.TaskEvent) error {
	if e.TaskID == "" {
		return cerr.NewError(cerr.InvalidArgument, "task event requires a task id", nil)
	}
	unlock := r.lock(e.TaskID)
	defer unlock()

	e.ID = ulid.Make().String()
	e.CreatedAt = time.Now().UTC()
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.WrapMarshalError("task event", err)
	}
	if err := r.storage.Create(ctx, path(e.TaskID, e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task event", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, taskID, id string) (*taskevent.TaskEvent, error) {
	data, err := r.storage.Read(ctx, path(taskID, id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task event", err)
	}
	var e taskevent.TaskEvent
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, cerr.WrapUnmarshalError("task event", err)
	}
	return &e, nil
}

func (r *YAMLRepository) ListByTask(ctx context.Context, taskID string) ([]*taskevent.TaskEvent, error) {
	paths, err := r.storage.List(ctx, dir(taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task events", err)
	}
	slices.Sort(paths)

	events := make([]*taskevent.TaskEvent, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("task event", err)
		}
		var e taskevent.TaskEvent
		if err := yaml.Unmarshal(data, &e); err != nil {
			return nil, cerr.WrapUnmarshalError("task event", err)
		}
		events = append(events, &e)
	}
	return events, nil
}

func (r *YAMLRepository) MarkReversed(ctx context.Context, taskID, id string) (*taskevent.TaskEvent, error) {
	unlock := r.lock(taskID)
	defer unlock()

	e, err := r.Get(ctx, taskID, id)
	if err != nil {
		return nil, err
	}
	if !e.Reversible {
		return nil, cerr.NewError(cerr.FailedPrecondition, "event is not reversible", nil).
			AddDetailMessage(fmt.Sprintf("%s on %s has no external undo", e.Action, e.Target))
	}
	if e.Reversed {
		return nil, cerr.NewError(cerr.FailedPrecondition, "event is already reversed", nil).
			AddDetailMessage(fmt.Sprintf("%s on %s was marked reversed before", e.Action, e.Target))
	}
	e.Reversed = true
	data, err := yaml.Marshal(e)
	if err != nil {
		return nil, cerr.WrapMarshalError("task event", err)
	}
	if err := r.storage.Write(ctx, path(taskID, id), data); err != nil {
		return nil, cerr.WrapStorageWriteError("task event", err)
	}
	return e, nil
}
