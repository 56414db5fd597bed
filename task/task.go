package task

import (
	"time"

	"vidproc/processor"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRetrying   Status = "retrying"
	StatusDropped    Status = "dropped"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// Task tracks one job through its attempts.
type Task struct {
	ID            string        `json:"id"`
	Job           processor.Job `json:"job"`
	Status        Status        `json:"status"`
	Attempts      int           `json:"attempts"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedAt     time.Time     `json:"startedAt,omitempty"`
	CompletedAt   time.Time     `json:"completedAt,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt,omitempty"`
}

func (t *Task) finished() bool {
	switch t.Status {
	case StatusCompleted, StatusDropped, StatusCanceled, StatusFailed:
		return true
	}
	return false
}
