package marketplace

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingReserved ListingStatus = "reserved"
	ListingSold     ListingStatus = "sold"
	ListingDisabled ListingStatus = "disabled"
)

type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPaid            Status = "paid"
	StatusDelivered       Status = "delivered"
	StatusDisputed        Status = "disputed"
	StatusResolvedRefund  Status = "resolved_refund"
	StatusResolvedRelease Status = "resolved_release"
)

// Listing is a seller's offer of one gaming account.
type Listing struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	SellerID   uuid.UUID       `db:"seller_id" json:"seller_id"`
	CategoryID uuid.UUID       `db:"category_id" json:"category_id"`
	Title      string          `db:"title" json:"title"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Status     ListingStatus   `db:"status" json:"status"`
	Version    int64           `db:"version" json:"-"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Order is the marketplace side of a checkout order (1:1 with order.Order).
// Commission and seller earnings are fixed when the order is created.
type Order struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	OrderID            uuid.UUID       `db:"order_id" json:"order_id"`
	ListingID          uuid.UUID       `db:"listing_id" json:"listing_id"`
	BuyerID            uuid.UUID       `db:"buyer_id" json:"buyer_id"`
	SellerID           uuid.UUID       `db:"seller_id" json:"seller_id"`
	Price              decimal.Decimal `db:"price" json:"price"`
	CommissionAmount   decimal.Decimal `db:"commission_amount" json:"commission_amount"`
	SellerEarnings     decimal.Decimal `db:"seller_earnings" json:"seller_earnings"`
	CommissionSource   string          `db:"commission_source" json:"commission_source"`
	Status             Status          `db:"status" json:"status"`
	DeliveryDeadlineAt sql.NullTime    `db:"delivery_deadline_at" json:"delivery_deadline_at,omitempty"`
	DeliveredAt        sql.NullTime    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReleasedAt         sql.NullTime    `db:"released_at" json:"released_at,omitempty"`
	Version            int64           `db:"version" json:"-"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// CanRelease reports whether earnings may move to available outside a dispute.
func (o *Order) CanRelease() bool {
	return o.Status == StatusPaid || o.Status == StatusDelivered
}

// CheckoutResult is returned to the buyer.
type CheckoutResult struct {
	OrderID            uuid.UUID       `json:"order_id"`
	MarketplaceOrderID uuid.UUID       `json:"marketplace_order_id"`
	Price              decimal.Decimal `json:"price"`
	Currency           string          `json:"currency"`
}
