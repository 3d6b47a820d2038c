// Package idempotency implements the short-TTL key -> (fingerprint,
// orderId) mapping from spec §3/§4.4. The record shape is grounded on
// sandeepkv93-everything-backend-starter-kit's IdempotencyRecord
// (scope + key uniqueness, fingerprint hash, expiry); the
// set-if-absent/commit flow generalizes the teacher's transactional
// CreateOrderWithIdempotency.
package idempotency

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TTL is the record lifetime (spec §3: 5 minutes).
const TTL = 5 * time.Minute

// ErrConflict is returned when a key already maps to a different
// body fingerprint (spec §4.4 step 4).
var ErrConflict = errors.New("idempotency: key/fingerprint conflict")

// Record is the persisted row.
type Record struct {
	Key         string `gorm:"primaryKey;size:128"`
	Fingerprint string `gorm:"size:64;not null"`
	OrderID     string `gorm:"size:36;not null"`
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

// Store is the gorm-backed idempotency store.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Lookup result for an admission check (spec §4.4 step 4).
type Lookup struct {
	Found        bool
	FingerprintMatches bool
	OrderID      string
}

// Check looks up key. If absent (or expired), Found is false and the
// caller should proceed to create a new order then call Commit. If
// present with a matching fingerprint, the caller must return the
// existing OrderID. If present with a mismatched fingerprint, the
// caller must respond idempotency_conflict.
func (s *Store) Check(key, fingerprint string, now time.Time) (Lookup, error) {
	if key == "" {
		return Lookup{}, nil
	}
	var rec Record
	err := s.db.Where("key = ? AND expires_at > ?", key, now).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, err
	}
	return Lookup{Found: true, FingerprintMatches: rec.Fingerprint == fingerprint, OrderID: rec.OrderID}, nil
}

// Commit writes the (key, fingerprint, orderId) record with TTL,
// using set-if-absent semantics (spec §5) so two concurrent
// submissions sharing a key never both "win". A conflicting concurrent
// insert loses gracefully and its caller re-reads via Check.
func (s *Store) Commit(key, fingerprint, orderID string, now time.Time) error {
	if key == "" {
		return nil
	}
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		OrderID:     orderID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(TTL),
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// Sweep deletes expired records; call periodically from a janitor
// ticker (grounded on the teacher's settlement.Processor loop shape).
func (s *Store) Sweep(now time.Time) error {
	return s.db.Where("expires_at <= ?", now).Delete(&Record{}).Error
}

// ReserveAndCreate closes the TOCTOU window between Check and Commit
// (spec §5: "atomic set-if-absent semantics... to avoid races between
// two simultaneous submissions sharing a key"). It reserves key for
// candidateID and runs createOrder in the SAME transaction, so the
// reservation and the order row it points at commit or fail together.
// A concurrent caller sharing key can never observe the reservation
// without also being able to observe the row it names.
//
// When key is empty there is nothing to reserve; createOrder always
// runs and wins.
func (s *Store) ReserveAndCreate(key, fingerprint, candidateID string, now time.Time, createOrder func(tx *gorm.DB) error) (winnerOrderID string, isWinner bool, err error) {
	if key == "" {
		if err := s.db.Transaction(createOrder); err != nil {
			return "", false, err
		}
		return candidateID, true, nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		rec := Record{
			Key:         key,
			Fingerprint: fingerprint,
			OrderID:     candidateID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(TTL),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}

		var actual Record
		if err := tx.Where("key = ?", key).First(&actual).Error; err != nil {
			return err
		}

		if actual.OrderID != candidateID {
			// Lost the race: another submission already reserved this
			// key (and, by the same transactional guarantee, already
			// created its order row) before ours committed.
			if actual.Fingerprint != fingerprint {
				return ErrConflict
			}
			winnerOrderID = actual.OrderID
			isWinner = false
			return nil
		}

		isWinner = true
		winnerOrderID = candidateID
		return createOrder(tx)
	})
	if err != nil {
		return "", false, err
	}
	return winnerOrderID, isWinner, nil
}
