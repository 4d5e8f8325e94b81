package task

import (
	"context"
	"fmt"

	"connectrpc.com/connect"

	"github.com/kazz187/taskpilot/internal/apiv1"
	"github.com/kazz187/taskpilot/internal/billing"
	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/taskevent"
	"github.com/kazz187/taskpilot/pkg/cerr"
)

var _ apiv1.TaskServiceHandler = (*Server)(nil)

// Submitter accepts new tasks for execution.
type Submitter interface {
	Submit(ctx context.Context, t *Task) error
}

type Server struct {
	repo      Repository
	submitter Submitter
	events    *taskevent.Service
	ledger    *billing.Ledger
	eventBus  *eventbus.Bus
}

func NewServer(repo Repository, submitter Submitter, events *taskevent.Service, ledger *billing.Ledger, eventBus *eventbus.Bus) *Server {
	return &Server{
		repo:      repo,
		submitter: submitter,
		events:    events,
		ledger:    ledger,
		eventBus:  eventBus,
	}
}

func (s *Server) submit(ctx context.Context, req *apiv1.SubmitTaskRequest) (*Task, error) {
	t := &Task{
		Title:          req.Title,
		UserRequest:    req.UserRequest,
		Username:       req.Username,
		Repo:           req.Repo,
		IssueNumber:    req.IssueNumber,
		PRNumber:       req.PRNumber,
		Branch:         req.Branch,
		Model:          req.Model,
		Image:          req.Image,
		ImageMediaType: req.ImageMediaType,
	}
	if err := s.submitter.Submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Server) SubmitTask(ctx context.Context, req *connect.Request[apiv1.SubmitTaskRequest]) (*connect.Response[apiv1.SubmitTaskResponse], error) {
	t, err := s.submit(ctx, req.Msg)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&apiv1.SubmitTaskResponse{Task: ToAPI(t)}), nil
}

func (s *Server) GetTask(ctx context.Context, req *connect.Request[apiv1.GetTaskRequest]) (*connect.Response[apiv1.GetTaskResponse], error) {
	t, err := s.repo.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&apiv1.GetTaskResponse{Task: ToAPI(t)}), nil
}

const defaultListLimit = 50

func (s *Server) list(ctx context.Context, req *apiv1.ListTasksRequest) (*apiv1.ListTasksResponse, error) {
	status := Status(req.Status)
	if status != "" && !status.Valid() {
		return nil, cerr.InvalidArgumentError("status", fmt.Sprintf("unknown status %q", req.Status))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	tasks, total, err := s.repo.List(ctx, ListFilter{
		Username: req.Username,
		Status:   status,
		Limit:    limit,
		Offset:   max(req.Offset, 0),
	})
	if err != nil {
		return nil, err
	}
	res := &apiv1.ListTasksResponse{Tasks: make([]*apiv1.Task, 0, len(tasks)), Total: total}
	for _, t := range tasks {
		res.Tasks = append(res.Tasks, ToAPI(t))
	}
	return res, nil
}

func (s *Server) ListTasks(ctx context.Context, req *connect.Request[apiv1.ListTasksRequest]) (*connect.Response[apiv1.ListTasksResponse], error) {
	res, err := s.list(ctx, req.Msg)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(res), nil
}

func (s *Server) listEvents(ctx context.Context, taskID string) (*apiv1.ListTaskEventsResponse, error) {
	if _, err := s.repo.Get(ctx, taskID); err != nil {
		return nil, err
	}
	events, err := s.events.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	res := &apiv1.ListTaskEventsResponse{
		Events:  make([]*apiv1.TaskEvent, 0, len(events)),
		CanUndo: taskevent.CanUndo(events),
	}
	for _, e := range events {
		res.Events = append(res.Events, EventToAPI(e))
	}
	return res, nil
}

func (s *Server) ListTaskEvents(ctx context.Context, req *connect.Request[apiv1.ListTaskEventsRequest]) (*connect.Response[apiv1.ListTaskEventsResponse], error) {
	res, err := s.listEvents(ctx, req.Msg.TaskID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(res), nil
}

func (s *Server) bill(ctx context.Context, taskID string) (*apiv1.GetTaskBillResponse, error) {
	b, err := s.ledger.Bill(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items, err := s.ledger.CostItems(ctx, taskID)
	if err != nil {
		return nil, err
	}
	res := &apiv1.GetTaskBillResponse{
		Bill: &apiv1.Bill{
			TaskID:          b.TaskID,
			Username:        b.Username,
			GrossCredits:    b.GrossCredits,
			DiscountPercent: b.DiscountPercent,
			TotalCredits:    b.TotalCredits,
			CreatedAt:       b.CreatedAt,
		},
		CostItems: make([]*apiv1.CostItem, 0, len(items)),
	}
	for _, it := range items {
		res.CostItems = append(res.CostItems, &apiv1.CostItem{
			ID:          it.ID,
			Description: it.Description,
			Credits:     it.Credits,
			CreatedAt:   it.CreatedAt,
		})
	}
	return res, nil
}

func (s *Server) GetTaskBill(ctx context.Context, req *connect.Request[apiv1.GetTaskBillRequest]) (*connect.Response[apiv1.GetTaskBillResponse], error) {
	res, err := s.bill(ctx, req.Msg.TaskID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(res), nil
}

func (s *Server) MarkEventReversed(ctx context.Context, req *connect.Request[apiv1.MarkEventReversedRequest]) (*connect.Response[apiv1.MarkEventReversedResponse], error) {
	e, err := s.events.MarkReversed(ctx, req.Msg.TaskID, req.Msg.EventID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&apiv1.MarkEventReversedResponse{Event: EventToAPI(e)}), nil
}

func (s *Server) GetBudget(ctx context.Context, req *connect.Request[apiv1.GetBudgetRequest]) (*connect.Response[apiv1.GetBudgetResponse], error) {
	if req.Msg.Username == "" {
		return nil, cerr.InvalidArgumentError("username", "must not be empty")
	}
	credits, err := s.ledger.Budget(ctx, req.Msg.Username)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&apiv1.GetBudgetResponse{Username: req.Msg.Username, Credits: credits}), nil
}

func (s *Server) WatchTask(ctx context.Context, req *connect.Request[apiv1.WatchTaskRequest], stream *connect.ServerStream[apiv1.WatchTaskResponse]) error {
	return s.watch(ctx, req.Msg.TaskID, stream.Send)
}

// watch sends the task's current state, then every event and status
// change, and returns once the task is terminal or ctx is done.
func (s *Server) watch(ctx context.Context, taskID string, send func(*apiv1.WatchTaskResponse) error) error {
	// Subscribe before reading so no change between the two is missed.
	subID, ch := s.eventBus.Subscribe(64)
	defer s.eventBus.Unsubscribe(subID)

	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := send(&apiv1.WatchTaskResponse{Task: ToAPI(t)}); err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.TaskID != taskID {
				continue
			}
			switch ev.Type {
			case eventbus.TypeTaskEventRecorded:
				e, err := s.events.Get(ctx, taskID, ev.ResourceID)
				if err != nil {
					return err
				}
				if err := send(&apiv1.WatchTaskResponse{Event: EventToAPI(e)}); err != nil {
					return err
				}
			case eventbus.TypeTaskStatusChanged:
				t, err := s.repo.Get(ctx, taskID)
				if err != nil {
					return err
				}
				if err := send(&apiv1.WatchTaskResponse{Task: ToAPI(t)}); err != nil {
					return err
				}
				if t.Status.Terminal() {
					return nil
				}
			}
		}
	}
}

func ToAPI(t *Task) *apiv1.Task {
	return &apiv1.Task{
		ID:          t.ID,
		Title:       t.Title,
		UserRequest: t.UserRequest,
		Username:    t.Username,
		Repo:        t.Repo,
		IssueNumber: t.IssueNumber,
		PRNumber:    t.PRNumber,
		Status:      string(t.Status),
		Result:      t.Result,
		Branch:      t.Branch,
		PRURL:       t.PRURL,
		Model:       t.Model,
		HasImage:    len(t.Image) > 0,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func EventToAPI(e *taskevent.TaskEvent) *apiv1.TaskEvent {
	return &apiv1.TaskEvent{
		ID:         e.ID,
		TaskID:     e.TaskID,
		Actor:      string(e.Actor),
		Action:     e.Action,
		Target:     e.Target,
		Message:    e.Message,
		Reversible: e.Reversible,
		Reversed:   e.Reversed,
		CreatedAt:  e.CreatedAt,
	}
}
