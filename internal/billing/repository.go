package billing

import "context"

type Repository interface {
	AddCostItem(ctx context.Context, item *CostItem) error
	ListCostItems(ctx context.Context, taskID string) ([]*CostItem, error)
	// CreateBill fails with AlreadyExists when the task is already billed.
	CreateBill(ctx context.Context, bill *Bill) error
	GetBill(ctx context.Context, taskID string) (*Bill, error)
	GetBudget(ctx context.Context, username string) (*Budget, error)
	SaveBudget(ctx context.Context, budget *Budget) error
}
