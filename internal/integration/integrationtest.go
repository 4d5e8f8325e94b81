package integration

import (
	"context"
	"sync"

	"github.com/kazz187/taskpilot/internal/taskevent"
)

// MemoryRecorder keeps recorded events in memory. Tests use it in place
// of the persistent recorder.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []*taskevent.TaskEvent
}

func (r *MemoryRecorder) Record(_ context.Context, e *taskevent.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryRecorder) Events() []*taskevent.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*taskevent.TaskEvent(nil), r.events...)
}
