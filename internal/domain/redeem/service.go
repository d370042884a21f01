package redeem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/pkg/codebox"
	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
)

const maxQuantity = 10

// Orders is the order service surface used by checkout and fulfillment.
type Orders interface {
	Create(ctx context.Context, userID uuid.UUID, items []order.Item) (*order.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*order.Order, error)
	Items(ctx context.Context, orderID uuid.UUID) ([]order.Item, error)
}

type Service struct {
	repo   Repository
	orders Orders
	box    *codebox.Box
	now    func() time.Time
}

func NewService(repo Repository, orders Orders, box *codebox.Box) *Service {
	return &Service{repo: repo, orders: orders, box: box, now: time.Now}
}

type DenominationInput struct {
	Title     string
	FaceValue decimal.Decimal
	Price     decimal.Decimal
}

func (s *Service) CreateDenomination(ctx context.Context, in DenominationInput) (*Denomination, error) {
	d := &Denomination{
		ID:        uuid.New(),
		Title:     strings.TrimSpace(in.Title),
		FaceValue: in.FaceValue,
		Price:     in.Price,
		IsActive:  true,
	}
	if err := s.repo.CreateDenomination(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ListDenominations(ctx context.Context, activeOnly bool) ([]DenominationStock, error) {
	return s.repo.ListDenominations(ctx, activeOnly)
}

// Import encrypts and stores codes for a denomination. Blank lines and codes
// already in stock are skipped.
func (s *Service) Import(ctx context.Context, denominationID uuid.UUID, raw []string, expiresAt *time.Time) (imported, skipped int, err error) {
	if _, err := s.repo.GetDenomination(ctx, denominationID); err != nil {
		return 0, 0, err
	}

	var codes []Code
	for _, r := range raw {
		plain := strings.TrimSpace(r)
		if plain == "" {
			continue
		}
		sealed, err := s.box.Seal(plain)
		if err != nil {
			return 0, 0, err
		}
		c := Code{
			ID:             uuid.New(),
			DenominationID: denominationID,
			Encrypted:      sealed,
			Fingerprint:    s.box.Fingerprint(plain),
			Status:         CodeAvailable,
		}
		if expiresAt != nil {
			c.ExpiresAt = sql.NullTime{Time: *expiresAt, Valid: true}
		}
		codes = append(codes, c)
	}
	if len(codes) == 0 {
		return 0, 0, ErrEmptyImport
	}

	imported, err = s.repo.InsertCodes(ctx, codes)
	if err != nil {
		return 0, 0, fmt.Errorf("insert codes: %w", err)
	}
	log.Info().Str("denomination_id", denominationID.String()).Int("imported", imported).Int("skipped", len(codes)-imported).Msg("redeem codes imported")
	return imported, len(raw) - imported, nil
}

// Checkout creates a pending order with one redeem item per code.
func (s *Service) Checkout(ctx context.Context, userID, denominationID uuid.UUID, quantity int) (*order.Order, error) {
	if quantity < 1 || quantity > maxQuantity {
		return nil, ErrInvalidQuantity
	}
	d, err := s.repo.GetDenomination(ctx, denominationID)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, ErrDenominationInactive
	}

	items := make([]order.Item, quantity)
	for i := range items {
		items[i] = order.Item{
			Kind:           order.KindRedeemCode,
			Title:          d.Title,
			UnitPrice:      d.Price,
			Quantity:       1,
			DenominationID: uuid.NullUUID{UUID: d.ID, Valid: true},
		}
	}
	return s.orders.Create(ctx, userID, items)
}

// AssignCode claims the oldest available code of the denomination for one
// order item and writes the masked preview onto the item. The order row is
// locked first so concurrent runs for the same item see each other's
// assignment; the loser gets ErrItemAlreadyAssigned.
func (s *Service) AssignCode(ctx context.Context, denominationID, orderID, orderItemID, userID uuid.UUID) (*Assignment, error) {
	var out *Assignment
	err := s.repo.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		items, err := tx.Items(ctx, orderID)
		if err != nil {
			return err
		}
		var item *order.Item
		for i := range items {
			if items[i].ID == orderItemID {
				item = &items[i]
			}
		}
		if item == nil {
			return order.ErrItemNotFound
		}
		if item.Kind != order.KindRedeemCode {
			return ErrNotRedeemItem
		}
		if item.RedeemCodeID.Valid {
			return ErrItemAlreadyAssigned
		}

		code, err := tx.ClaimAvailable(ctx, denominationID)
		if err != nil {
			return err
		}
		if code == nil {
			return ErrStockDepleted
		}

		plain, err := s.box.Open(code.Encrypted)
		if err != nil {
			return fmt.Errorf("code %s: %w", code.ID, err)
		}

		now := s.now()
		code.Status = CodeAssigned
		code.OrderID = uuid.NullUUID{UUID: orderID, Valid: true}
		code.OrderItemID = uuid.NullUUID{UUID: orderItemID, Valid: true}
		code.UserID = uuid.NullUUID{UUID: userID, Valid: true}
		code.AssignedAt = sql.NullTime{Time: now, Valid: true}
		if err := tx.SaveCode(ctx, code); err != nil {
			return err
		}

		masked := Mask(plain)
		item.RedeemCodeID = uuid.NullUUID{UUID: code.ID, Valid: true}
		item.MaskedCode = sql.NullString{String: masked, Valid: true}
		if err := tx.SaveItem(ctx, item); err != nil {
			return err
		}

		out = &Assignment{CodeID: code.ID, MaskedCode: masked}
		return nil
	})

	switch {
	case err == nil:
		metrics.RedeemAllocations.WithLabelValues("assigned").Inc()
		log.Info().
			Str("denomination_id", denominationID.String()).
			Str("order_id", orderID.String()).
			Str("order_item_id", orderItemID.String()).
			Str("code_id", out.CodeID.String()).
			Msg("redeem code assigned")
	case errors.Is(err, ErrStockDepleted):
		metrics.RedeemAllocations.WithLabelValues("stock_depleted").Inc()
		log.Warn().Str("denomination_id", denominationID.String()).Str("order_id", orderID.String()).Msg("redeem stock depleted")
	default:
		metrics.RedeemAllocations.WithLabelValues("error").Inc()
	}
	return out, err
}

// CodesForOrder lists masked codes of an order owned by userID.
func (s *Service) CodesForOrder(ctx context.Context, userID, orderID uuid.UUID) ([]CodeView, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, order.ErrForbidden
	}
	items, err := s.orders.Items(ctx, orderID)
	if err != nil {
		return nil, err
	}

	views := []CodeView{}
	for _, it := range items {
		if !it.RedeemCodeID.Valid {
			continue
		}
		code, err := s.repo.GetCode(ctx, it.RedeemCodeID.UUID)
		if err != nil {
			return nil, err
		}
		views = append(views, CodeView{
			ItemID:     it.ID,
			CodeID:     code.ID,
			MaskedCode: it.MaskedCode.String,
			Status:     code.Status,
		})
	}
	return views, nil
}

// Reveal decrypts the code assigned to userID and marks it sent on first view.
func (s *Service) Reveal(ctx context.Context, userID, codeID uuid.UUID) (string, error) {
	code, err := s.repo.GetCode(ctx, codeID)
	if err != nil {
		return "", err
	}
	if !code.UserID.Valid || code.UserID.UUID != userID {
		return "", ErrCodeNotFound
	}
	plain, err := s.box.Open(code.Encrypted)
	if err != nil {
		return "", err
	}
	if code.Status == CodeAssigned {
		if err := s.MarkSent(ctx, codeID); err != nil && !errors.Is(err, ErrInvalidState) {
			return "", err
		}
	}
	return plain, nil
}

// MarkSent records that an assigned code was delivered to its owner.
func (s *Service) MarkSent(ctx context.Context, codeID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(tx Tx) error {
		code, err := tx.LockCode(ctx, codeID)
		if err != nil {
			return err
		}
		if code.Status != CodeAssigned {
			return ErrInvalidState
		}
		code.Status = CodeSent
		code.SentAt = sql.NullTime{Time: s.now(), Valid: true}
		return tx.SaveCode(ctx, code)
	})
}
