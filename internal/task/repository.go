package task

import "context"

type ListFilter struct {
	Username string
	Status   Status
	Limit    int
	Offset   int
}

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns matching tasks newest first and the total match count.
	List(ctx context.Context, f ListFilter) ([]*Task, int, error)
	Update(ctx context.Context, t *Task) error
}
