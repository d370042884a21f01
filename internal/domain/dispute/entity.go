package dispute

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

type Resolution string

const (
	ResolutionRefundBuyer   Resolution = "refund_buyer_wallet"
	ResolutionReleaseSeller Resolution = "release_to_seller"
	ResolutionNoAction      Resolution = "no_action"
)

// Dispute is opened by a buyer against one marketplace order. At most one
// dispute exists per order.
type Dispute struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	MarketplaceOrderID uuid.UUID      `db:"marketplace_order_id" json:"marketplace_order_id"`
	OrderID            uuid.UUID      `db:"order_id" json:"order_id"`
	BuyerID            uuid.UUID      `db:"buyer_id" json:"buyer_id"`
	SellerID           uuid.UUID      `db:"seller_id" json:"seller_id"`
	Reason             string         `db:"reason" json:"reason"`
	Status             Status         `db:"status" json:"status"`
	Resolution         sql.NullString `db:"resolution" json:"resolution,omitempty"`
	AdminNote          sql.NullString `db:"admin_note" json:"admin_note,omitempty"`
	FreezeAppliedAt    sql.NullTime   `db:"freeze_applied_at" json:"freeze_applied_at,omitempty"`
	ReviewedBy         uuid.NullUUID  `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ResolvedBy         uuid.NullUUID  `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt         sql.NullTime   `db:"resolved_at" json:"resolved_at,omitempty"`
	Version            int64          `db:"version" json:"-"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

func (d *Dispute) IsActive() bool {
	return d.Status == StatusOpen || d.Status == StatusUnderReview
}

// RefundReference is the buyer wallet credit for a refunded marketplace order.
func RefundReference(orderID uuid.UUID) string {
	return "REF-MP-" + orderID.String()
}

func freezeReference(id uuid.UUID) string {
	return "dispute_freeze_" + id.String()
}

func unfreezeReference(id uuid.UUID) string {
	return "dispute_unfreeze_" + id.String()
}

type OpenInput struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
	Reason  string    `json:"reason" validate:"required,min=5,max=2000"`
}

type ResolveInput struct {
	Resolution Resolution `json:"resolution" validate:"required,resolution"`
	Unfreeze   bool       `json:"unfreeze"`
	Note       string     `json:"note" validate:"max=2000"`
}
