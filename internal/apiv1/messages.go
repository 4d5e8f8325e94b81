package apiv1

import "time"

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	UserRequest string    `json:"user_request"`
	Username    string    `json:"username"`
	Repo        string    `json:"repo"`
	IssueNumber *int      `json:"issue_number"`
	PRNumber    *int      `json:"pr_number"`
	Status      string    `json:"status"`
	Result      string    `json:"result"`
	Branch      string    `json:"branch"`
	PRURL       string    `json:"pr_url,omitempty"`
	Model       string    `json:"model"`
	HasImage    bool      `json:"has_image,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TaskEvent struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	Message    string    `json:"message"`
	Reversible bool      `json:"reversible"`
	Reversed   bool      `json:"reversed"`
	CreatedAt  time.Time `json:"created_at"`
}

type CostItem struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Credits     float64   `json:"credits"`
	CreatedAt   time.Time `json:"created_at"`
}

type Bill struct {
	TaskID          string    `json:"task_id"`
	Username        string    `json:"username"`
	GrossCredits    float64   `json:"gross_credits"`
	DiscountPercent int       `json:"discount_percent"`
	TotalCredits    float64   `json:"total_credits"`
	CreatedAt       time.Time `json:"created_at"`
}

// SubmitTaskRequest carries the image base64-encoded, as encoding/json
// does for []byte.
type SubmitTaskRequest struct {
	Title          string `json:"title,omitempty"`
	UserRequest    string `json:"user_request"`
	Username       string `json:"username"`
	Repo           string `json:"repo"`
	IssueNumber    *int   `json:"issue_number,omitempty"`
	PRNumber       *int   `json:"pr_number,omitempty"`
	Branch         string `json:"branch,omitempty"`
	Model          string `json:"model,omitempty"`
	Image          []byte `json:"image,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
}

type SubmitTaskResponse struct {
	Task *Task `json:"task"`
}

type GetTaskRequest struct {
	ID string `json:"id"`
}

type GetTaskResponse struct {
	Task *Task `json:"task"`
}

type ListTasksRequest struct {
	Username string `json:"username,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

type ListTasksResponse struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

type ListTaskEventsRequest struct {
	TaskID string `json:"task_id"`
}

type ListTaskEventsResponse struct {
	Events  []*TaskEvent `json:"events"`
	CanUndo bool         `json:"can_undo"`
}

type GetTaskBillRequest struct {
	TaskID string `json:"task_id"`
}

type GetTaskBillResponse struct {
	Bill      *Bill       `json:"bill"`
	CostItems []*CostItem `json:"cost_items"`
}

type MarkEventReversedRequest struct {
	TaskID  string `json:"task_id"`
	EventID string `json:"event_id"`
}

type MarkEventReversedResponse struct {
	Event *TaskEvent `json:"event"`
}

type GetBudgetRequest struct {
	Username string `json:"username"`
}

type GetBudgetResponse struct {
	Username string  `json:"username"`
	Credits  float64 `json:"credits"`
}

type WatchTaskRequest struct {
	TaskID string `json:"task_id"`
}

// WatchTaskResponse carries exactly one of Task (status changed) or Event
// (event recorded).
type WatchTaskResponse struct {
	Task  *Task      `json:"task,omitempty"`
	Event *TaskEvent `json:"event,omitempty"`
}
