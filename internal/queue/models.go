// Package queue implements the at-least-once durable job queue from
// spec §4.2. The job envelope shape is grounded on
// anshu-kr21-distributed-task-queue's Job model (ID, Status,
// RetryCount, MaxRetries, LeasedUntil, ErrorMessage, TraceID);
// persistence follows the teacher's gorm-everywhere convention so a
// job survives a process restart, which is the whole point of
// "durable" in spec §4.2's contract.
package queue

import "time"

// State is one of the job lifecycle states (spec §3 Job entity).
type State string

const (
	StateWaiting        State = "waiting"
	StateActive         State = "active"
	StateSucceeded      State = "succeeded"
	StateFailedTerminal State = "failed-terminal"
	StateRetryScheduled State = "retry-scheduled"
)

// Job is the queue-owned envelope. The worker consumes it and never
// mutates it except via the queue's Ack/Nack API (spec §3 ownership).
type Job struct {
	ID              string `gorm:"primaryKey;size:36"`
	OrderID         string `gorm:"size:36;not null;index"`
	CorrelationID   string `gorm:"size:36"`
	Payload         string `gorm:"type:text"`
	State           string `gorm:"size:20;not null;index"`
	AttemptNumber   int    `gorm:"not null;default:0"`
	NextRunAt       time.Time `gorm:"index"`
	WorkerID        string    `gorm:"size:64"`
	LeaseExpiresAt  *time.Time
	LastError       string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsNonTerminal reports whether a job still needs processing — used
// to enforce spec §4.2's "at most one non-terminal job per orderId"
// invariant and the enqueue no-op rule.
func (j *Job) IsNonTerminal() bool {
	switch State(j.State) {
	case StateWaiting, StateActive, StateRetryScheduled:
		return true
	default:
		return false
	}
}

// Depth is the observability snapshot spec §4.2 requires for
// backpressure decisions.
type Depth struct {
	Waiting        int64
	Active         int64
	Retrying       int64
	FailedTerminal int64
}
