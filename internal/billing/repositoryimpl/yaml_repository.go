package repositoryimpl

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskpilot/internal/billing"
	"github.com/kazz187/taskpilot/pkg/cerr"
	"github.com/kazz187/taskpilot/pkg/storage"
)

const (
	costItemsPrefix = "cost_items"
	billsPrefix     = "bills"
	budgetsPrefix   = "budgets"
)

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func costItemPath(taskID, id string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", costItemsPrefix, taskID, id)
}

func billPath(taskID string) string {
	return fmt.Sprintf("%s/%s.yaml", billsPrefix, taskID)
}

func budgetPath(username string) string {
	return fmt.Sprintf("%s/%s.yaml", budgetsPrefix, username)
}

func (r *YAMLRepository) AddCostItem(ctx context.Context, item *billing.CostItem) error {
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(item)
	if err != nil {
		return cerr.WrapMarshalError("cost item", err)
	}
	if err := r.storage.Create(ctx, costItemPath(item.TaskID, item.ID), data); err != nil {
		return cerr.WrapStorageWriteError("cost item", err)
	}
	return nil
}

func (r *YAMLRepository) ListCostItems(ctx context.Context, taskID string) ([]*billing.CostItem, error) {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", costItemsPrefix, taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("cost items", err)
	}
	items := make([]*billing.CostItem, 0, len(paths))
	for _, p := range paths {
		var item billing.CostItem
		if err := r.read(ctx, p, "cost item", &item); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, nil
}

func (r *YAMLRepository) CreateBill(ctx context.Context, bill *billing.Bill) error {
	data, err := yaml.Marshal(bill)
	if err != nil {
		return cerr.WrapMarshalError("bill", err)
	}
	if err := r.storage.Create(ctx, billPath(bill.TaskID), data); err != nil {
		return cerr.WrapStorageWriteError("bill", err)
	}
	return nil
}

func (r *YAMLRepository) GetBill(ctx context.Context, taskID string) (*billing.Bill, error) {
	var b billing.Bill
	if err := r.read(ctx, billPath(taskID), "bill", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *YAMLRepository) GetBudget(ctx context.Context, username string) (*billing.Budget, error) {
	var b billing.Budget
	if err := r.read(ctx, budgetPath(username), "budget", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *YAMLRepository) SaveBudget(ctx context.Context, budget *billing.Budget) error {
	data, err := yaml.Marshal(budget)
	if err != nil {
		return cerr.WrapMarshalError("budget", err)
	}
	if err := r.storage.Write(ctx, budgetPath(budget.Username), data); err != nil {
		return cerr.WrapStorageWriteError("budget", err)
	}
	return nil
}

func (r *YAMLRepository) read(ctx context.Context, path, target string, out any) error {
	data, err := r.storage.Read(ctx, path)
	if err != nil {
		return cerr.WrapStorageReadError(target, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return cerr.WrapUnmarshalError(target, err)
	}
	return nil
}
