package redeem

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CodeStatus string

const (
	CodeAvailable CodeStatus = "available"
	CodeReserved  CodeStatus = "reserved"
	CodeAssigned  CodeStatus = "assigned"
	CodeSent      CodeStatus = "sent"
	CodeUsed      CodeStatus = "used"
	CodeExpired   CodeStatus = "expired"
)

// Denomination is a purchasable tier backed by a finite pool of codes.
type Denomination struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Title     string          `db:"title" json:"title"`
	FaceValue decimal.Decimal `db:"face_value" json:"face_value"`
	Price     decimal.Decimal `db:"price" json:"price"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// DenominationStock is a denomination with its current available count.
type DenominationStock struct {
	Denomination
	Available int `db:"available" json:"available"`
}

// Code is one single-use redeem code. The plaintext is never stored.
type Code struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	DenominationID uuid.UUID      `db:"denomination_id" json:"denomination_id"`
	Encrypted      string         `db:"code_encrypted" json:"-"`
	Fingerprint    string         `db:"code_hash" json:"-"`
	Status         CodeStatus     `db:"status" json:"status"`
	OrderID        uuid.NullUUID  `db:"order_id" json:"order_id,omitempty"`
	OrderItemID    uuid.NullUUID  `db:"order_item_id" json:"order_item_id,omitempty"`
	UserID         uuid.NullUUID  `db:"user_id" json:"user_id,omitempty"`
	AssignedAt     sql.NullTime   `db:"assigned_at" json:"assigned_at,omitempty"`
	SentAt         sql.NullTime   `db:"sent_at" json:"sent_at,omitempty"`
	ExpiresAt      sql.NullTime   `db:"expires_at" json:"expires_at,omitempty"`
	Version        int64          `db:"version" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Assignment is the allocator's output.
type Assignment struct {
	CodeID     uuid.UUID `json:"code_id"`
	MaskedCode string    `json:"masked_code"`
}

// CodeView is what an owner sees for a delivered item.
type CodeView struct {
	ItemID     uuid.UUID  `json:"item_id"`
	CodeID     uuid.UUID  `json:"code_id"`
	MaskedCode string     `json:"masked_code"`
	Status     CodeStatus `json:"status"`
}

// Mask keeps the first and last four characters and stars the rest. Codes of
// eight characters or fewer are fully masked.
func Mask(code string) string {
	r := []rune(code)
	n := len(r)
	if n <= 8 {
		return strings.Repeat("*", n)
	}
	return string(r[:4]) + strings.Repeat("*", n-8) + string(r[n-4:])
}
