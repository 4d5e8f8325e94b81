// Package integration holds what the per-service tool groups share.
package integration

import (
	"context"
	"log/slog"

	"github.com/kazz187/taskpilot/internal/taskevent"
)

// Record appends an assistant event for a tool call. A failed write is
// logged and otherwise ignored: the call already happened upstream.
func Record(ctx context.Context, rec taskevent.Recorder, taskID, action, target, message string, reversible bool) {
	if rec == nil {
		return
	}
	err := rec.Record(ctx, &taskevent.TaskEvent{
		TaskID:     taskID,
		Actor:      taskevent.ActorAssistant,
		Action:     action,
		Target:     target,
		Message:    message,
		Reversible: reversible,
	})
	if err != nil {
		slog.WarnContext(ctx, "tool event not recorded", "task_id", taskID, "action", action, "error", err)
	}
}
