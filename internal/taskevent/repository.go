package taskevent

import "context"

type Repository interface {
	// Append assigns ID and CreatedAt and stores e. Appends for one task
	// are listed back in the order they were made.
	Append(ctx context.Context, e *TaskEvent) error
	Get(ctx context.Context, taskID, id string) (*TaskEvent, error)
	ListByTask(ctx context.Context, taskID string) ([]*TaskEvent, error)
	MarkReversed(ctx context.Context, taskID, id string) (*TaskEvent, error)
}
