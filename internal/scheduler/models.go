package scheduler

import (
	"time"

	"gorm.io/gorm"
)

// Job statuses. Claiming is a conditional pending -> running update; stuck
// running jobs are reclaimed to pending after a timeout, which is what makes
// delivery at-least-once (handlers re-check order status before acting).
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is one durable delayed unit of work, carrying the order it belongs to.
type Job struct {
	gorm.Model
	JobID    string    `gorm:"uniqueIndex"`
	Kind     string    `gorm:"index"`
	OrderID  string    `gorm:"index"`
	RunAt    time.Time `gorm:"index"`
	Status   string    `gorm:"index"`
	Attempts int
}
