package task

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is one unit of agent-driven work against a repository. Branch is
// pre-set only when the work continues an existing branch; otherwise the
// engine fills it in when it opens a pull request.
type Task struct {
	ID             string    `yaml:"id"`
	Title          string    `yaml:"title"`
	UserRequest    string    `yaml:"user_request"`
	Username       string    `yaml:"username"`
	Repo           string    `yaml:"repo"`
	IssueNumber    *int      `yaml:"issue_number,omitempty"`
	PRNumber       *int      `yaml:"pr_number,omitempty"`
	Image          []byte    `yaml:"image,omitempty"`
	ImageMediaType string    `yaml:"image_media_type,omitempty"`
	Model          string    `yaml:"model"`
	Status         Status    `yaml:"status"`
	Result         string    `yaml:"result"`
	Branch         string    `yaml:"branch"`
	PRURL          string    `yaml:"pr_url,omitempty"`
	CreatedAt      time.Time `yaml:"created_at"`
	UpdatedAt      time.Time `yaml:"updated_at"`
	StartedAt      time.Time `yaml:"started_at,omitempty"`
	FinishedAt     time.Time `yaml:"finished_at,omitempty"`
}

const maxTitleLength = 72

// DefaultTitle derives a title from the first non-empty line of request.
func DefaultTitle(request string) string {
	for _, line := range strings.Split(request, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleLength {
			r := []rune(line)
			line = strings.TrimSpace(string(r[:maxTitleLength-3])) + "..."
		}
		return line
	}
	return "Untitled task"
}
