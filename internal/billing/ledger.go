package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kazz187/taskpilot/pkg/cerr"
)

// Ledger meters task runs and settles them against identity budgets.
type Ledger struct {
	repo          Repository
	defaultBudget float64

	// budgetMu serializes read-modify-write of budgets.
	budgetMu sync.Mutex
}

func NewLedger(repo Repository, defaultBudget float64) *Ledger {
	return &Ledger{repo: repo, defaultBudget: defaultBudget}
}

func (l *Ledger) AddCostItem(ctx context.Context, taskID, description string, credits float64) error {
	if credits < 0 {
		return cerr.NewError(cerr.InvalidArgument, "credits must not be negative", nil)
	}
	return l.repo.AddCostItem(ctx, &CostItem{
		TaskID:      taskID,
		Description: description,
		Credits:     credits,
	})
}

func (l *Ledger) CostItems(ctx context.Context, taskID string) ([]*CostItem, error) {
	return l.repo.ListCostItems(ctx, taskID)
}

// Budget returns the remaining credits of username. Identities without a
// stored budget start with the default.
func (l *Ledger) Budget(ctx context.Context, username string) (float64, error) {
	b, err := l.repo.GetBudget(ctx, username)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			return l.defaultBudget, nil
		}
		return 0, err
	}
	return b.Credits, nil
}

func (l *Ledger) Bill(ctx context.Context, taskID string) (*Bill, error) {
	return l.repo.GetBill(ctx, taskID)
}

// CloseTask sums the task's cost items, applies the discount and stores
// the task's bill. Calling it again returns the existing bill and does
// not charge twice.
func (l *Ledger) CloseTask(ctx context.Context, taskID, username string, discountPercent int) (*Bill, error) {
	if existing, err := l.repo.GetBill(ctx, taskID); err == nil {
		return existing, nil
	} else if !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}

	items, err := l.repo.ListCostItems(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var gross float64
	for _, it := range items {
		gross += it.Credits
	}
	discountPercent = min(max(discountPercent, 0), 100)
	bill := &Bill{
		TaskID:          taskID,
		Username:        username,
		GrossCredits:    gross,
		DiscountPercent: discountPercent,
		TotalCredits:    ApplyDiscount(gross, discountPercent),
		ItemCount:       len(items),
		CreatedAt:       time.Now().UTC(),
	}
	if err := l.repo.CreateBill(ctx, bill); err != nil {
		if cerr.IsCode(err, cerr.AlreadyExists) {
			return l.repo.GetBill(ctx, taskID)
		}
		return nil, err
	}

	if err := l.charge(ctx, username, bill.TotalCredits); err != nil {
		// The bill stands; a missed deduction is reconciled by hand.
		slog.ErrorContext(ctx, "failed to deduct budget", "username", username, "task_id", taskID, "credits", bill.TotalCredits, "error", err)
		return bill, fmt.Errorf("deduct budget: %w", err)
	}
	slog.InfoContext(ctx, "task billed", "task_id", taskID, "username", username, "gross", gross, "discount_percent", discountPercent, "total", bill.TotalCredits)
	return bill, nil
}

func (l *Ledger) charge(ctx context.Context, username string, credits float64) error {
	if credits == 0 {
		return nil
	}
	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()

	remaining, err := l.Budget(ctx, username)
	if err != nil {
		return err
	}
	return l.repo.SaveBudget(ctx, &Budget{
		Username:  username,
		Credits:   remaining - credits,
		UpdatedAt: time.Now().UTC(),
	})
}

// SetBudget overwrites the remaining credits of username.
func (l *Ledger) SetBudget(ctx context.Context, username string, credits float64) error {
	l.budgetMu.Lock()
	defer l.budgetMu.Unlock()
	return l.repo.SaveBudget(ctx, &Budget{Username: username, Credits: credits, UpdatedAt: time.Now().UTC()})
}
