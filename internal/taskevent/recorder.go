package taskevent

import (
	"context"
	"log/slog"

	"github.com/kazz187/taskpilot/internal/eventbus"
)

// Recorder is what tool groups and the engine use to append events.
type Recorder interface {
	Record(ctx context.Context, e *TaskEvent) error
}

// Service appends events and announces them on the bus.
type Service struct {
	repo Repository
	bus  *eventbus.Bus
}

var _ Recorder = (*Service)(nil)

func NewService(repo Repository, bus *eventbus.Bus) *Service {
	return &Service{repo: repo, bus: bus}
}

func (s *Service) Record(ctx context.Context, e *TaskEvent) error {
	if e.Actor == "" {
		e.Actor = ActorAssistant
	}
	if err := s.repo.Append(ctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to record task event", "task_id", e.TaskID, "action", e.Action, "error", err)
		return err
	}
	slog.DebugContext(ctx, "task event recorded", "task_id", e.TaskID, "action", e.Action, "target", e.Target)
	s.publish(e)
	return nil
}

func (s *Service) List(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	return s.repo.ListByTask(ctx, taskID)
}

func (s *Service) Get(ctx context.Context, taskID, id string) (*TaskEvent, error) {
	return s.repo.Get(ctx, taskID, id)
}

// MarkReversed flips the reversed flag after an external undo succeeded.
func (s *Service) MarkReversed(ctx context.Context, taskID, id string) (*TaskEvent, error) {
	e, err := s.repo.MarkReversed(ctx, taskID, id)
	if err != nil {
		return nil, err
	}
	s.publish(e)
	return e, nil
}

func (s *Service) publish(e *TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.PublishNew(eventbus.TypeTaskEventRecorded, e.TaskID, e.ID, map[string]string{
		"action": e.Action,
	})
}
