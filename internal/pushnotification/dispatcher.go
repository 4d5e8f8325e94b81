package pushnotification

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/kazz187/taskpilot/internal/eventbus"
	"github.com/kazz187/taskpilot/internal/task"
)

// Dispatcher watches the bus for tasks reaching a terminal status and
// notifies their owners.
type Dispatcher struct {
	eventBus *eventbus.Bus
	taskRepo task.Repository
	sender   *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, taskRepo task.Repository, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		taskRepo: taskRepo,
		sender:   sender,
	}
}

// Start blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.InfoContext(ctx, "push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type == eventbus.TypeTaskStatusChanged && task.Status(event.Metadata["status"]).Terminal() {
				d.handleTaskFinished(ctx, event)
			}
		}
	}
}

func (d *Dispatcher) handleTaskFinished(ctx context.Context, event *eventbus.Event) {
	t, err := d.taskRepo.Get(ctx, event.TaskID)
	if err != nil {
		slog.ErrorContext(ctx, "push dispatcher: failed to get task", "task_id", event.TaskID, "error", err)
		return
	}
	d.sender.SendTo(ctx, t.Username, payloadFor(t))
}

const maxBodyLength = 140

func payloadFor(t *task.Task) *NotificationPayload {
	title := "Task completed"
	if t.Status == task.StatusFailed {
		title = "Task failed"
	}
	body := t.Title
	if t.PRURL != "" {
		body += "\n" + t.PRURL
	} else if t.Result != "" {
		body += "\n" + t.Result
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		body = string([]rune(body)[:maxBodyLength-1]) + "…"
	}
	return &NotificationPayload{
		Title: title,
		Body:  body,
		URL:   fmt.Sprintf("/tasks/%s", t.ID),
		Tag:   t.ID,
	}
}
