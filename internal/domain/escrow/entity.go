package escrow

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
)

type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletFrozen WalletStatus = "frozen"
)

type TransactionType string

const (
	TypeCreditPending      TransactionType = "credit_pending"
	TypeReleaseToAvailable TransactionType = "release_to_available"
	TypeDebitWithdraw      TransactionType = "debit_withdraw"
	TypeAdjustment         TransactionType = "adjustment"
	TypeFreeze             TransactionType = "freeze"
	TypeUnfreeze           TransactionType = "unfreeze"
)

type WithdrawStatus string

const (
	WithdrawRequested WithdrawStatus = "requested"
	WithdrawRejected  WithdrawStatus = "rejected"
	WithdrawPaid      WithdrawStatus = "paid"
)

// Wallet is the seller-side balance split into three buckets.
type Wallet struct {
	SellerID                uuid.UUID       `db:"seller_id" json:"seller_id"`
	AvailableBalance        decimal.Decimal `db:"available_balance" json:"available_balance"`
	PendingBalance          decimal.Decimal `db:"pending_balance" json:"pending_balance"`
	ReservedWithdrawBalance decimal.Decimal `db:"reserved_withdraw_balance" json:"reserved_withdraw_balance"`
	Status                  WalletStatus    `db:"status" json:"status"`
	Version                 int64           `db:"version" json:"-"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
}

// Total is pending + available + reserved.
func (w *Wallet) Total() decimal.Decimal {
	return w.PendingBalance.Add(w.AvailableBalance).Add(w.ReservedWithdrawBalance)
}

func (w *Wallet) IsFrozen() bool {
	return w.Status == WalletFrozen
}

// Transaction is an immutable partner ledger entry. The deltas record how each
// bucket moved; Amount is the absolute size of the movement.
type Transaction struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SellerID       uuid.UUID       `db:"seller_id" json:"seller_id"`
	Type           TransactionType `db:"type" json:"type"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	AvailableDelta decimal.Decimal `db:"available_delta" json:"available_delta"`
	PendingDelta   decimal.Decimal `db:"pending_delta" json:"pending_delta"`
	ReservedDelta  decimal.Decimal `db:"reserved_delta" json:"reserved_delta"`
	Reference      string          `db:"reference" json:"reference"`
	Metadata       dbtypes.JSONMap `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

type WithdrawRequest struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	SellerID   uuid.UUID       `db:"seller_id" json:"seller_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Status     WithdrawStatus  `db:"status" json:"status"`
	Note       sql.NullString  `db:"note" json:"note,omitempty"`
	ReviewedBy uuid.NullUUID   `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt sql.NullTime    `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// ReleaseReference is the idempotency key for moving an order's earnings to available.
func ReleaseReference(orderID uuid.UUID) string {
	return "marketplace_release_" + orderID.String()
}

// CreditPendingReference is the idempotency key for an order's pending credit.
func CreditPendingReference(orderID uuid.UUID) string {
	return "marketplace_pending_" + orderID.String()
}

// RefundReverseReference is the idempotency key for reversing an unreleased credit.
func RefundReverseReference(orderID uuid.UUID) string {
	return "marketplace_refund_reverse_" + orderID.String()
}
