package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ksred/order-execution-engine/internal/clock"
)

// DefaultMaxRetries bounds attempts before a job is dead-lettered (spec
// §4.2, configurable via MAX_RETRIES env var).
const DefaultMaxRetries = 3

// VisibilityTimeout is how long a lease is honored before the
// janitor assumes the worker crashed and returns the job to waiting
// (spec §4.2 invariant 2).
const VisibilityTimeout = 45 * time.Second

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("queue: job not found")

// Queue is the gorm-backed at-least-once job queue.
type Queue struct {
	db          *gorm.DB
	clock       clock.Clock
	maxRetries  int
	doorbell    chan struct{}
	perWorkerCap int
	throughput  *throughputLimiter
}

// New builds a queue. perWorkerCap and globalPerMinute implement spec
// §4.2's "concurrency cap of 10 per worker and throughput ceiling of
// 100 jobs/minute globally".
func New(db *gorm.DB, c clock.Clock, maxRetries, perWorkerCap, globalPerMinute int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if perWorkerCap <= 0 {
		perWorkerCap = 10
	}
	if globalPerMinute <= 0 {
		globalPerMinute = 100
	}
	return &Queue{
		db:           db,
		clock:        c,
		maxRetries:   maxRetries,
		doorbell:     make(chan struct{}, 1),
		perWorkerCap: perWorkerCap,
		throughput:   newThroughputLimiter(globalPerMinute, c),
	}
}

// Doorbell returns a channel that receives a notification whenever a
// job becomes immediately leasable, letting workers avoid tight
// polling loops.
func (q *Queue) Doorbell() <-chan struct{} { return q.doorbell }

func (q *Queue) ring() {
	select {
	case q.doorbell <- struct{}{}:
	default:
	}
}

// Enqueue is idempotent by orderId (spec §4.2): a re-enqueue while a
// non-terminal job already exists for this order is a no-op and
// returns the existing job id.
func (q *Queue) Enqueue(orderID, payload, correlationID string) (jobID string, err error) {
	err = q.db.Transaction(func(tx *gorm.DB) error {
		var existing Job
		res := tx.Where("order_id = ?", orderID).Order("created_at DESC").First(&existing)
		if res.Error == nil && existing.IsNonTerminal() {
			jobID = existing.ID
			return nil
		}
		if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}

		now := q.clock.Now()
		job := Job{
			ID:            uuid.NewString(),
			OrderID:       orderID,
			CorrelationID: correlationID,
			Payload:       payload,
			State:         string(StateWaiting),
			AttemptNumber: 0,
			NextRunAt:     now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	if err == nil {
		q.ring()
	}
	return jobID, err
}

// Lease atomically moves one waiting or retry-scheduled job whose NextRunAt has arrived
// to active, assigned to workerID, honoring the per-worker
// concurrency cap and the global throughput ceiling (spec §4.2).
// Returns (nil, nil) when nothing is leasable right now.
func (q *Queue) Lease(ctx context.Context, workerID string) (*Job, error) {
	if !q.throughput.Allow() {
		return nil, nil
	}

	var active int64
	if err := q.db.Model(&Job{}).Where("worker_id = ? AND state = ?", workerID, string(StateActive)).Count(&active).Error; err != nil {
		return nil, err
	}
	if int(active) >= q.perWorkerCap {
		return nil, nil
	}

	now := q.clock.Now()
	var leased Job
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var candidate Job
		res := tx.Where("state IN ? AND next_run_at <= ?", []string{string(StateWaiting), string(StateRetryScheduled)}, now).
			Order("next_run_at ASC").
			First(&candidate)
		if res.Error != nil {
			return res.Error
		}

		lease := now.Add(VisibilityTimeout)
		result := tx.Model(&Job{}).
			Where("id = ? AND state = ?", candidate.ID, candidate.State).
			Updates(map[string]interface{}{
				"state":            string(StateActive),
				"worker_id":        workerID,
				"lease_expires_at": lease,
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound // raced with another lease attempt
		}
		candidate.State = string(StateActive)
		candidate.WorkerID = workerID
		candidate.LeaseExpiresAt = &lease
		leased = candidate
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &leased, nil
}

// Ack marks a job as terminally succeeded.
func (q *Queue) Ack(jobID string) error {
	res := q.db.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"state":      string(StateSucceeded),
		"updated_at": q.clock.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Nack schedules a retry with exponential backoff (2^attempt seconds
// while attempt < maxRetries; with maxRetries=3 that is 2s after the
// first failure and 4s after the second) or marks the job
// failed-terminal once maxRetries is reached, so the third failure
// dead-letters without a further wait (spec §4.2). terminal reports which of those happened, so
// the caller knows when retries are exhausted and the order itself
// must be failed.
func (q *Queue) Nack(jobID string, cause error) (terminal bool, err error) {
	var job Job
	if err := q.db.Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}

	now := q.clock.Now()
	job.AttemptNumber++
	job.LastError = errMessage(cause)
	job.UpdatedAt = now

	if job.AttemptNumber < q.maxRetries {
		backoff := time.Duration(1<<uint(job.AttemptNumber)) * time.Second
		job.State = string(StateRetryScheduled)
		job.NextRunAt = now.Add(backoff)
	} else {
		job.State = string(StateFailedTerminal)
	}

	res := q.db.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"state":          job.State,
		"attempt_number": job.AttemptNumber,
		"next_run_at":    job.NextRunAt,
		"last_error":     job.LastError,
		"updated_at":     job.UpdatedAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if job.State == string(StateRetryScheduled) {
		q.ring()
		return false, nil
	}
	return true, nil
}

// Depth reports queue occupancy for backpressure decisions (spec §4.2, §4.4).
func (q *Queue) Depth() (Depth, error) {
	var d Depth
	if err := q.count(StateWaiting, &d.Waiting); err != nil {
		return d, err
	}
	if err := q.count(StateActive, &d.Active); err != nil {
		return d, err
	}
	if err := q.count(StateRetryScheduled, &d.Retrying); err != nil {
		return d, err
	}
	if err := q.count(StateFailedTerminal, &d.FailedTerminal); err != nil {
		return d, err
	}
	return d, nil
}

func (q *Queue) count(s State, out *int64) error {
	return q.db.Model(&Job{}).Where("state = ?", string(s)).Count(out).Error
}

// RecoverExpiredLeases returns active jobs whose lease has expired
// back to waiting (spec §4.2 invariant 2: worker-crash recovery).
// Grounded on the teacher's settlement.Processor ticker-driven sweep.
func (q *Queue) RecoverExpiredLeases() (int64, error) {
	now := q.clock.Now()
	res := q.db.Model(&Job{}).
		Where("state = ? AND lease_expires_at < ?", string(StateActive), now).
		Updates(map[string]interface{}{
			"state":            string(StateWaiting),
			"worker_id":        "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q.ring()
	}
	return res.RowsAffected, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
