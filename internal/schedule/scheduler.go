package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flume/internal/taskqueue"
	"github.com/petrijr/flume/pkg/api"
)

// QueueScheduler implements api.Scheduler on top of a delay queue: a
// resume registration becomes a queue task with NotBefore set to the
// resume time, and the task ID serves as the schedule ID. A worker
// (pkg/worker) drains due tasks and invokes the resume handler.
type QueueScheduler struct {
	queue taskqueue.Queue
}

// NewQueueScheduler creates a scheduler over the given queue.
func NewQueueScheduler(queue taskqueue.Queue) *QueueScheduler {
	return &QueueScheduler{queue: queue}
}

// Ensure QueueScheduler implements api.Scheduler.
var _ api.Scheduler = (*QueueScheduler)(nil)

func (s *QueueScheduler) ScheduleResume(ctx context.Context, flowID, stateID string, resumeAt time.Time) (string, error) {
	id := uuid.NewString()
	err := s.queue.Enqueue(ctx, taskqueue.Task{
		ID:         id,
		FlowID:     flowID,
		StateID:    stateID,
		EnqueuedAt: time.Now(),
		NotBefore:  resumeAt,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *QueueScheduler) CancelScheduledResume(ctx context.Context, scheduleID string) (bool, error) {
	return s.queue.Cancel(ctx, scheduleID)
}
