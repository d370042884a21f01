package validator

import (
	"testing"

	"github.com/shopspring/decimal"
)

type payoutRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,money"`
	Destination string          `json:"destination" validate:"required,max=64"`
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,resolution"`
}

func TestValidateMoney(t *testing.T) {
	tests := []struct {
		amount string
		ok     bool
	}{
		{"100", true},
		{"100.50", true},
		{"0.01", true},
		{"0", false},
		{"-5", false},
		{"1.001", false},
	}
	for _, tt := range tests {
		errs := Validate(payoutRequest{Amount: decimal.RequireFromString(tt.amount), Destination: "KZ00"})
		if (errs == nil) != tt.ok {
			t.Fatalf("amount %s: ok=%v errs=%v", tt.amount, tt.ok, errs)
		}
		if !tt.ok && errs["amount"] == "" {
			t.Fatalf("amount %s: expected amount error, got %v", tt.amount, errs)
		}
	}
}

func TestValidateResolution(t *testing.T) {
	if errs := Validate(resolveRequest{Resolution: "release_to_seller"}); errs != nil {
		t.Fatalf("unexpected errors %v", errs)
	}
	errs := Validate(resolveRequest{Resolution: "refund_everyone"})
	if errs["resolution"] == "" {
		t.Fatalf("expected resolution error, got %v", errs)
	}
}
