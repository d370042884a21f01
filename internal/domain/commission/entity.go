package commission

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RuleType string

const (
	RuleFixed   RuleType = "fixed"
	RulePercent RuleType = "percent"
)

// Rule prices the platform's cut of a marketplace sale. A rule without a
// category is the global default.
type Rule struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	CategoryID uuid.NullUUID   `db:"category_id" json:"category_id,omitempty"`
	Type       RuleType        `db:"type" json:"type"`
	Value      decimal.Decimal `db:"value" json:"value"`
	IsActive   bool            `db:"is_active" json:"is_active"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Quote is the commission split for one price.
type Quote struct {
	Price          decimal.Decimal `json:"price"`
	Commission     decimal.Decimal `json:"commission"`
	SellerEarnings decimal.Decimal `json:"seller_earnings"`
	RuleID         uuid.NullUUID   `json:"rule_id,omitempty"`
	Source         string          `json:"source"`
}
