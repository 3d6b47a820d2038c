package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// ExecuteRequest is the POST /orders/execute body (spec §6).
type ExecuteRequest struct {
	Type      string `json:"type" binding:"required"`
	TokenIn   string `json:"tokenIn" binding:"required"`
	TokenOut  string `json:"tokenOut" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Slippage  string `json:"slippage" binding:"required"`
}

// FieldError names one invalid field for the 400 invalid_body response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var knownTypes = map[string]bool{"market": true}

// Validate applies spec §4.4 step 1's rules and returns any field
// errors found. The returned decimals are valid only when errs is empty.
func (r ExecuteRequest) Validate() (amount, slippage decimal.Decimal, errs []FieldError) {
	if !knownTypes[r.Type] {
		errs = append(errs, FieldError{"type", "must be one of: market"})
	}
	if r.TokenIn == "" || len(r.TokenIn) > 64 {
		errs = append(errs, FieldError{"tokenIn", "must be non-empty and at most 64 characters"})
	}
	if r.TokenOut == "" || len(r.TokenOut) > 64 {
		errs = append(errs, FieldError{"tokenOut", "must be non-empty and at most 64 characters"})
	}
	if r.TokenIn != "" && r.TokenIn == r.TokenOut {
		errs = append(errs, FieldError{"tokenOut", "must differ from tokenIn"})
	}

	amount, err := decimal.NewFromString(r.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, FieldError{"amount", "must be a positive decimal"})
	}

	slippage, err = decimal.NewFromString(r.Slippage)
	if err != nil || slippage.LessThan(decimal.Zero) || slippage.GreaterThan(decimal.NewFromFloat(0.5)) {
		errs = append(errs, FieldError{"slippage", "must be a decimal in [0, 0.5]"})
	}

	return amount, slippage, errs
}

// Fingerprint returns a stable hash of the request body, used to
// detect idempotency-key/body mismatches (spec §4.4 step 4).
func (r ExecuteRequest) Fingerprint() string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s", r.Type, r.TokenIn, r.TokenOut, r.Amount, r.Slippage)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ExecuteResponse is the minimal 200 response (spec §4.4).
type ExecuteResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
}

// OrderView is the read model returned by GET /orders/{id}. Stream
// backfill messages use their own shape (subscription.BackfillMessage).
type OrderView struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	TokenIn       string            `json:"tokenIn"`
	TokenOut      string            `json:"tokenOut"`
	AmountIn      string            `json:"amountIn"`
	Slippage      string            `json:"slippage"`
	Status        string            `json:"status"`
	AmountOut     string            `json:"amountOut,omitempty"`
	DexUsed       string            `json:"dexUsed,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Quotes        map[string]string `json:"quotes,omitempty"`
	Logs          []LogEntry        `json:"logs"`
	CreatedAt     string            `json:"createdAt"`
	UpdatedAt     string            `json:"updatedAt"`
}

// ToView projects the persistent Order onto its wire representation.
func (o *Order) ToView() OrderView {
	return OrderView{
		ID:            o.ID,
		Type:          o.Type,
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		AmountIn:      o.AmountIn,
		Slippage:      o.Slippage,
		Status:        o.Status,
		AmountOut:     o.AmountOut,
		DexUsed:       o.DexUsed,
		TxHash:        o.TxHash,
		FailureReason: o.FailureReason,
		Quotes:        o.Quotes(),
		Logs:          o.Logs(),
		CreatedAt:     o.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:     o.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}
