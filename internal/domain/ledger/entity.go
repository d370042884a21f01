package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountLocked AccountStatus = "locked"
)

type TransactionType string

const (
	TypeCredit  TransactionType = "credit"
	TypeDebit   TransactionType = "debit"
	TypeHold    TransactionType = "hold"
	TypeRelease TransactionType = "release"
)

type TransactionStatus string

const (
	StatusPending TransactionStatus = "pending"
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
)

// Account is the user's internal wallet. One per user, created on first use.
type Account struct {
	UserID              uuid.UUID       `db:"user_id" json:"user_id"`
	Currency            string          `db:"currency" json:"currency"`
	Balance             decimal.Decimal `db:"balance" json:"balance"`
	BonusBalance        decimal.Decimal `db:"bonus_balance" json:"bonus_balance"`
	BonusExpiresAt      sql.NullTime    `db:"bonus_expires_at" json:"bonus_expires_at,omitempty"`
	Status              AccountStatus   `db:"status" json:"status"`
	RechargeBlocked     bool            `db:"recharge_blocked" json:"recharge_blocked"`
	RechargeBlockReason sql.NullString  `db:"recharge_block_reason" json:"recharge_block_reason,omitempty"`
	Version             int64           `db:"version" json:"-"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

func (a *Account) IsLocked() bool {
	return a.Status == AccountLocked
}

// ActiveBonus returns the promotional balance that has not expired at now.
func (a *Account) ActiveBonus(now time.Time) decimal.Decimal {
	if a.BonusExpiresAt.Valid && !now.Before(a.BonusExpiresAt.Time) {
		return decimal.Zero
	}
	return a.BonusBalance
}

// Transaction is an immutable wallet ledger row. Only Status ever changes,
// and only from pending.
type Transaction struct {
	ID           uuid.UUID         `db:"id" json:"id"`
	UserID       uuid.UUID         `db:"user_id" json:"user_id"`
	Type         TransactionType   `db:"type" json:"type"`
	Amount       decimal.Decimal   `db:"amount" json:"amount"`
	Reference    string            `db:"reference" json:"reference"`
	Status       TransactionStatus `db:"status" json:"status"`
	Provider     sql.NullString    `db:"provider" json:"provider,omitempty"`
	ProviderTxID sql.NullString    `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	Metadata     dbtypes.JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updated_at"`
}

// Entry is the input of every balance-changing operation.
type Entry struct {
	Reference    string
	Amount       decimal.Decimal
	Meta         dbtypes.JSONMap
	Provider     string
	ProviderTxID string
}

func (e Entry) validate() error {
	if e.Reference == "" {
		return ErrMissingReference
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
