package commission

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SourceCategory = "category"
	SourceGlobal   = "global"
	SourceFallback = "fallback"
)

var ErrInvalidPrice = errors.New("price must be positive")

var hundred = decimal.NewFromInt(100)

// Resolve picks the commission for price: an active rule for categoryID, then
// an active global rule, then fallbackPercent. The result is rounded to cents
// and clamped to [0, price].
func Resolve(rules []Rule, categoryID uuid.UUID, price, fallbackPercent decimal.Decimal) (Quote, error) {
	if !price.IsPositive() {
		return Quote{}, ErrInvalidPrice
	}

	var category, global *Rule
	for i := range rules {
		r := &rules[i]
		if !r.IsActive {
			continue
		}
		switch {
		case r.CategoryID.Valid && r.CategoryID.UUID == categoryID && categoryID != uuid.Nil:
			if category == nil || r.CreatedAt.After(category.CreatedAt) {
				category = r
			}
		case !r.CategoryID.Valid:
			if global == nil || r.CreatedAt.After(global.CreatedAt) {
				global = r
			}
		}
	}

	q := Quote{Price: price}
	switch {
	case category != nil:
		q.Commission = category.apply(price)
		q.RuleID = uuid.NullUUID{UUID: category.ID, Valid: true}
		q.Source = SourceCategory
	case global != nil:
		q.Commission = global.apply(price)
		q.RuleID = uuid.NullUUID{UUID: global.ID, Valid: true}
		q.Source = SourceGlobal
	default:
		q.Commission = price.Mul(fallbackPercent).Div(hundred)
		q.Source = SourceFallback
	}

	q.Commission = clamp(q.Commission.Round(2), price)
	q.SellerEarnings = price.Sub(q.Commission)
	return q, nil
}

func (r *Rule) apply(price decimal.Decimal) decimal.Decimal {
	if r.Type == RuleFixed {
		return r.Value
	}
	return price.Mul(r.Value).Div(hundred)
}

func clamp(v, max decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}

// RuleSource loads the active rules.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]Rule, error)
}

// Resolver binds Resolve to stored rules and the configured fallback.
type Resolver struct {
	rules           RuleSource
	fallbackPercent decimal.Decimal
}

func NewResolver(rules RuleSource, fallbackPercent decimal.Decimal) *Resolver {
	return &Resolver{rules: rules, fallbackPercent: fallbackPercent}
}

func (r *Resolver) Quote(ctx context.Context, categoryID uuid.UUID, price decimal.Decimal) (Quote, error) {
	rules, err := r.rules.ActiveRules(ctx)
	if err != nil {
		return Quote{}, err
	}
	return Resolve(rules, categoryID, price, r.fallbackPercent)
}
