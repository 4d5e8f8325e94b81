package taskevent

import "time"

type Actor string

const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorSystem    Actor = "system"
)

// TaskEvent is an audit record of one action taken during a task. Once
// appended only Reversed may change, and only if Reversible is set.
type TaskEvent struct {
	ID         string    `yaml:"id"`
	TaskID     string    `yaml:"task_id"`
	Actor      Actor     `yaml:"actor"`
	Action     string    `yaml:"action"`
	Target     string    `yaml:"target,omitempty"`
	Message    string    `yaml:"message"`
	Reversible bool      `yaml:"reversible"`
	Reversed   bool      `yaml:"reversed"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// CanUndo reports whether any event in the list can still be reversed.
func CanUndo(events []*TaskEvent) bool {
	return LastUndoable(events) != nil
}

// LastUndoable returns the most recent reversible, not yet reversed event.
func LastUndoable(events []*TaskEvent) *TaskEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Reversible && !events[i].Reversed {
			return events[i]
		}
	}
	return nil
}
