package order

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/dbtypes"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusDelivered         Status = "delivered"
	StatusFulfillmentFailed Status = "fulfillment_failed"
)

type ItemKind string

const (
	KindWalletTopup ItemKind = "wallet_topup"
	KindRedeemCode  ItemKind = "redeem_code"
	KindMarketplace ItemKind = "marketplace"
	KindPhysical    ItemKind = "physical"
	KindDigital     ItemKind = "digital"
)

type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentFailed     FulfillmentStatus = "failed"
)

// MetaDispatchedAt is the order metadata key recording that fulfillment jobs
// were enqueued. Its presence guarantees at-most-once dispatch.
const MetaDispatchedAt = "dispatched_at"

type Order struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Status    Status          `db:"status" json:"status"`
	Total     decimal.Decimal `db:"total" json:"total"`
	Currency  string          `db:"currency" json:"currency"`
	Metadata  dbtypes.JSONMap `db:"metadata" json:"metadata,omitempty"`
	PaidAt    sql.NullTime    `db:"paid_at" json:"paid_at,omitempty"`
	Version   int64           `db:"version" json:"-"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// DispatchedAt reports when fulfillment was dispatched, if ever.
func (o *Order) DispatchedAt() (time.Time, bool) {
	raw, ok := o.Metadata.String(MetaDispatchedAt)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// a malformed marker still counts as dispatched
		return time.Time{}, true
	}
	return t, true
}

func (o *Order) markDispatched(now time.Time) {
	meta := o.Metadata.Clone()
	meta[MetaDispatchedAt] = now.UTC().Format(time.RFC3339Nano)
	o.Metadata = meta
}

func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusFailed, StatusDelivered, StatusFulfillmentFailed:
		return true
	}
	return false
}

type Item struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	OrderID           uuid.UUID         `db:"order_id" json:"order_id"`
	Kind              ItemKind          `db:"kind" json:"kind"`
	Title             string            `db:"title" json:"title"`
	UnitPrice         decimal.Decimal   `db:"unit_price" json:"unit_price"`
	Quantity          int               `db:"quantity" json:"quantity"`
	DenominationID    uuid.NullUUID     `db:"denomination_id" json:"denomination_id,omitempty"`
	ListingID         uuid.NullUUID     `db:"listing_id" json:"listing_id,omitempty"`
	RedeemCodeID      uuid.NullUUID     `db:"redeem_code_id" json:"redeem_code_id,omitempty"`
	MaskedCode        sql.NullString    `db:"masked_code" json:"masked_code,omitempty"`
	FulfillmentStatus FulfillmentStatus `db:"fulfillment_status" json:"fulfillment_status"`
	FailureReason     sql.NullString    `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

func (i *Item) Amount() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i *Item) IsSettled() bool {
	return i.FulfillmentStatus == FulfillmentDelivered || i.FulfillmentStatus == FulfillmentFailed
}

// ItemOutcome is what a fulfillment step reports back for one item.
type ItemOutcome struct {
	Status       FulfillmentStatus
	RedeemCodeID uuid.UUID
	MaskedCode   string
	Reason       string
}

// JobPayload is shared by every fulfillment job type.
type JobPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	ItemID  uuid.UUID `json:"item_id,omitempty"`
}

// rollup derives the order status from its items once it is paid.
func rollup(items []Item) Status {
	failed := false
	for _, it := range items {
		switch it.FulfillmentStatus {
		case FulfillmentPending, FulfillmentProcessing:
			return StatusPaid
		case FulfillmentFailed:
			failed = true
		}
	}
	if failed {
		return StatusFulfillmentFailed
	}
	return StatusDelivered
}
