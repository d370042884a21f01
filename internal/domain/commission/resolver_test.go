package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestResolve(t *testing.T) {
	games := uuid.New()
	skins := uuid.New()
	now := time.Now()

	categoryRule := Rule{ID: uuid.New(), CategoryID: uuid.NullUUID{UUID: games, Valid: true}, Type: RulePercent, Value: d("7.5"), IsActive: true, CreatedAt: now}
	inactiveCategory := Rule{ID: uuid.New(), CategoryID: uuid.NullUUID{UUID: skins, Valid: true}, Type: RulePercent, Value: d("50"), IsActive: false, CreatedAt: now}
	globalFixed := Rule{ID: uuid.New(), Type: RuleFixed, Value: d("300"), IsActive: true, CreatedAt: now}

	tests := []struct {
		name           string
		rules          []Rule
		category       uuid.UUID
		price          string
		wantCommission string
		wantSource     string
	}{
		{"category rule wins", []Rule{globalFixed, categoryRule}, games, "10000", "750", SourceCategory},
		{"inactive category falls to global", []Rule{globalFixed, inactiveCategory}, skins, "10000", "300", SourceGlobal},
		{"fallback when no rules", nil, games, "999.99", "100", SourceFallback},
		{"fixed commission clamped to price", []Rule{globalFixed}, uuid.Nil, "200", "200", SourceGlobal},
		{"percent rounds to cents", []Rule{categoryRule}, games, "33.33", "2.5", SourceCategory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Resolve(tt.rules, tt.category, d(tt.price), d("10"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !q.Commission.Equal(d(tt.wantCommission)) {
				t.Fatalf("commission = %s, want %s", q.Commission, tt.wantCommission)
			}
			if q.Source != tt.wantSource {
				t.Fatalf("source = %s, want %s", q.Source, tt.wantSource)
			}
			if !q.SellerEarnings.Add(q.Commission).Equal(d(tt.price)) {
				t.Fatalf("earnings %s + commission %s != price %s", q.SellerEarnings, q.Commission, tt.price)
			}
		})
	}
}

func TestResolveRejectsNonPositivePrice(t *testing.T) {
	if _, err := Resolve(nil, uuid.New(), decimal.Zero, d("10")); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestResolverQuote(t *testing.T) {
	r := NewResolver(StaticRules{{ID: uuid.New(), Type: RulePercent, Value: d("12"), IsActive: true}}, d("10"))
	q, err := r.Quote(context.Background(), uuid.New(), d("500"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Commission.Equal(d("60")) || !q.SellerEarnings.Equal(d("440")) {
		t.Fatalf("unexpected quote %+v", q)
	}
}
