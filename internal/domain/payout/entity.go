package payout

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Payout is a withdrawal from the main wallet to an external rail.
// TotalDebit (amount + fee) is held on the wallet under HoldReference.
type Payout struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	UserID         uuid.UUID       `db:"user_id" json:"user_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Fee            decimal.Decimal `db:"fee" json:"fee"`
	TotalDebit     decimal.Decimal `db:"total_debit" json:"total_debit"`
	Currency       string          `db:"currency" json:"currency"`
	Status         Status          `db:"status" json:"status"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Provider       string          `db:"provider" json:"provider"`
	ProviderRef    sql.NullString  `db:"provider_ref" json:"provider_ref,omitempty"`
	Destination    string          `db:"destination" json:"destination"`
	FailureReason  sql.NullString  `db:"failure_reason" json:"failure_reason,omitempty"`
	SentAt         sql.NullTime    `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt       sql.NullTime    `db:"failed_at" json:"failed_at,omitempty"`
	Version        int64           `db:"version" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

func (p *Payout) IsTerminal() bool {
	switch p.Status {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func HoldReference(key string) string {
	return "PAYOUT-" + key
}

func RefundReference(key string) string {
	return "PAYOUT-REFUND-" + key
}

// Fee is percent of amount plus a fixed part, rounded to 2 dp.
func Fee(amount, percent, fixed decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(percent).Div(decimal.NewFromInt(100)).Add(fixed).Round(2)
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

// JobPayload is the payout.execute job body.
type JobPayload struct {
	PayoutID uuid.UUID `json:"payout_id"`
}

// RequestInput is what the user submits.
type RequestInput struct {
	Amount         decimal.Decimal `json:"amount" validate:"required,money"`
	Destination    string          `json:"destination" validate:"required,max=64"`
	IdempotencyKey string          `json:"-"`
}
