package billing

import "time"

// CostItem is one billable action of a task run, such as an agent
// invocation or a paid tool call.
type CostItem struct {
	ID          string    `yaml:"id"`
	TaskID      string    `yaml:"task_id"`
	Description string    `yaml:"description"`
	Credits     float64   `yaml:"credits"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Bill closes out a task. A task has at most one.
type Bill struct {
	TaskID          string    `yaml:"task_id"`
	Username        string    `yaml:"username"`
	GrossCredits    float64   `yaml:"gross_credits"`
	DiscountPercent int       `yaml:"discount_percent"`
	TotalCredits    float64   `yaml:"total_credits"`
	ItemCount       int       `yaml:"item_count"`
	CreatedAt       time.Time `yaml:"created_at"`
}

type Budget struct {
	Username  string    `yaml:"username"`
	Credits   float64   `yaml:"credits"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// ApplyDiscount returns gross reduced by percent, clamped to 0..100.
func ApplyDiscount(gross float64, percent int) float64 {
	percent = min(max(percent, 0), 100)
	return gross * float64(100-percent) / 100
}
