// Package orders holds the Order/LogEntry data model and its gorm
// repository, grounded on the teacher's internal/trading package
// (models.go + database.go) and generalized to spec's order lifecycle
// and decimal-as-string field encoding.
package orders

import (
	"encoding/json"
	"time"
)

// Status is one of the DAG states in spec §4.3.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// transitions enumerates the valid DAG edges (spec §4.3). Any move
// not present here is a programmer error and must be rejected by the
// repository.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRouting, StatusFailed},
	StatusRouting:   {StatusBuilding, StatusFailed},
	StatusBuilding:  {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
	StatusConfirmed: {},
	StatusFailed:    {},
}

// CanTransition reports whether from->to is a legal DAG edge, or a
// no-op re-application of the same status (idempotent retries under
// at-least-once delivery, spec §4.3/§5).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is a DAG sink.
func IsTerminal(s Status) bool {
	return s == StatusConfirmed || s == StatusFailed
}

// maxLogEntries bounds Order.Logs (spec §9 open question, resolved in
// SPEC_FULL.md): oldest entries are replaced by one truncation
// marker once the cap is exceeded.
const maxLogEntries = 100

// LogEntry is one append-only lifecycle event (spec §3).
type LogEntry struct {
	Stage     string            `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Order is the persistent record a client's trade intent lives in.
// Decimal fields are stored as strings end to end (request body,
// database column, wire response) to avoid any binary float rounding
// (spec §3, §9).
type Order struct {
	ID            string `gorm:"primaryKey;size:36"`
	Type          string `gorm:"size:16;not null"`
	TokenIn       string `gorm:"size:64;not null"`
	TokenOut      string `gorm:"size:64;not null"`
	AmountIn      string `gorm:"size:64;not null"`
	Slippage      string `gorm:"size:32;not null"`
	Status        string `gorm:"size:16;not null;index"`
	AmountOut     string `gorm:"size:64"`
	DexUsed       string `gorm:"size:64"`
	TxHash        string `gorm:"size:128"`
	ExecutedPrice string `gorm:"size:64"`
	FailureReason string `gorm:"size:256"`
	QuotesJSON    string `gorm:"type:text"`
	LogsJSON      string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Quotes decodes the observability quote map (venueId -> net price string).
func (o *Order) Quotes() map[string]string {
	if o.QuotesJSON == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(o.QuotesJSON), &m)
	return m
}

// SetQuotes encodes the observability quote map.
func (o *Order) SetQuotes(m map[string]string) {
	b, _ := json.Marshal(m)
	o.QuotesJSON = string(b)
}

// Logs decodes the append-only log sequence.
func (o *Order) Logs() []LogEntry {
	if o.LogsJSON == "" {
		return nil
	}
	var entries []LogEntry
	_ = json.Unmarshal([]byte(o.LogsJSON), &entries)
	return entries
}

// appendLog appends entry to the log sequence, truncating the oldest
// entries behind one marker once maxLogEntries is exceeded.
func appendLog(o *Order, entry LogEntry) {
	entries := o.Logs()
	entries = append(entries, entry)
	if len(entries) > maxLogEntries {
		dropped := len(entries) - maxLogEntries + 1
		marker := LogEntry{
			Stage:     "truncated",
			Timestamp: entry.Timestamp,
			Fields:    map[string]string{"dropped": jsonInt(dropped)},
		}
		entries = append([]LogEntry{marker}, entries[dropped:]...)
	}
	b, _ := json.Marshal(entries)
	o.LogsJSON = string(b)
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
