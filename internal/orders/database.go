package orders

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound mirrors the teacher's nil-on-not-found convention but
// as an explicit sentinel so callers can use errors.Is.
var ErrNotFound = errors.New("orders: not found")

// ErrInvalidTransition is returned when a caller attempts a status
// change outside the DAG in spec §4.3.
var ErrInvalidTransition = errors.New("orders: invalid status transition")

// ErrStaleTransition is returned when a conditional update's WHERE
// clause matched zero rows — another writer already moved the order
// past the expected prior status. Callers should re-read and treat
// this as a duplicate delivery, per spec §5.
var ErrStaleTransition = errors.New("orders: stale transition, re-read required")

// Database is the gorm-backed Order repository, grounded on the
// teacher's internal/trading.Database.
type Database struct {
	db *gorm.DB
}

// NewDatabase wraps a gorm connection.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Create persists a brand new order in StatusPending with its first
// log entry, atomically (spec §4.4 step 5: row creation is a single
// write).
func (d *Database) Create(o *Order, now time.Time) error {
	return d.CreateTx(d.db, o, now)
}

// CreateTx is Create run against a caller-supplied transaction, so a
// row creation can be committed atomically alongside another write
// (e.g. the idempotency store's key reservation).
func (d *Database) CreateTx(tx *gorm.DB, o *Order, now time.Time) error {
	o.Status = string(StatusPending)
	o.CreatedAt = now
	o.UpdatedAt = now
	appendLog(o, LogEntry{Stage: string(StatusPending), Timestamp: now})
	return tx.Create(o).Error
}

// Get retrieves an order by id.
func (d *Database) Get(id string) (*Order, error) {
	var o Order
	if err := d.db.Where("id = ?", id).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// TransitionParams describes a conditional status transition.
type TransitionParams struct {
	ID            string
	From          Status
	To            Status
	Now           time.Time
	LogFields     map[string]string
	AmountOut     *string
	DexUsed       *string
	TxHash        *string
	ExecutedPrice *string
	FailureReason *string
	Quotes        map[string]string
}

// Transition performs a single-statement conditional status update
// ("set status=X where id=? and status=?", spec §5) plus the log
// append that must be atomic with it (spec §3). A zero-rows-affected
// result means another writer already advanced this order past `From`
// — the caller must re-read (ErrStaleTransition), which is how the
// worker stays safe under at-least-once delivery (spec §4.3, §9).
func (d *Database) Transition(p TransitionParams) error {
	if !CanTransition(p.From, p.To) {
		return ErrInvalidTransition
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		var o Order
		if err := tx.Where("id = ? AND status = ?", p.ID, string(p.From)).First(&o).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStaleTransition
			}
			return err
		}

		o.Status = string(p.To)
		o.UpdatedAt = p.Now
		if p.AmountOut != nil {
			o.AmountOut = *p.AmountOut
		}
		if p.DexUsed != nil {
			o.DexUsed = *p.DexUsed
		}
		if p.TxHash != nil {
			o.TxHash = *p.TxHash
		}
		if p.ExecutedPrice != nil {
			o.ExecutedPrice = *p.ExecutedPrice
		}
		if p.FailureReason != nil {
			o.FailureReason = *p.FailureReason
		}
		if p.Quotes != nil {
			o.SetQuotes(p.Quotes)
		}
		appendLog(&o, LogEntry{Stage: string(p.To), Timestamp: p.Now, Fields: p.LogFields})

		res := tx.Model(&Order{}).
			Where("id = ? AND status = ?", p.ID, string(p.From)).
			Updates(map[string]interface{}{
				"status":         o.Status,
				"updated_at":     o.UpdatedAt,
				"amount_out":     o.AmountOut,
				"dex_used":       o.DexUsed,
				"tx_hash":        o.TxHash,
				"executed_price": o.ExecutedPrice,
				"failure_reason": o.FailureReason,
				"quotes_json":    o.QuotesJSON,
				"logs_json":      o.LogsJSON,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleTransition
		}
		return nil
	})
}

// AppendRetryLog records a retry_scheduled event without changing the
// persisted status (spec §4.3 rule 5): the order stays in its current
// stage while the queue reschedules the job.
func (d *Database) AppendRetryLog(id string, now time.Time, fields map[string]string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var o Order
		if err := tx.Where("id = ?", id).First(&o).Error; err != nil {
			return err
		}
		appendLog(&o, LogEntry{Stage: "retry_scheduled", Timestamp: now, Fields: fields})
		return tx.Model(&Order{}).Where("id = ?", id).Update("logs_json", o.LogsJSON).Error
	})
}

// PendingOlderThan returns pending orders whose CreatedAt predates
// the cutoff, used by the janitor to reclaim orders that were
// persisted but never made it onto the queue (spec §4.4 step 5).
func (d *Database) PendingOlderThan(cutoff time.Time) ([]Order, error) {
	var out []Order
	err := d.db.Where("status = ? AND created_at < ?", string(StatusPending), cutoff).Find(&out).Error
	return out, err
}
