package robokassa

import (
	"errors"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
)

func TestParseWebhookForm_PreservesShpKeyCase(t *testing.T) {
	payload, err := ParseWebhookForm(url.Values{
		"OutSum":         {"100.00"},
		"InvId":          {"42"},
		"SignatureValue": {"sig"},
		"Shp_orderId":    {"A-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Shp["Shp_orderId"] != "A-1" {
		t.Fatalf("expected original shp key preserved, got: %#v", payload.Shp)
	}
}

func TestParseWebhookForm_MissingField(t *testing.T) {
	_, err := ParseWebhookForm(url.Values{"InvId": {"42"}, "SignatureValue": {"sig"}})
	if !errors.Is(err, gateway.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func signedForm(t *testing.T, password2 string, algo HashAlgorithm) url.Values {
	t.Helper()
	shp := map[string]string{"Shp_order_id": "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"}
	sig, err := algo.Sign(shp, "1500.00", "42", password2)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return url.Values{
		"OutSum":         {"1500.00"},
		"InvId":          {"42"},
		"SignatureValue": {sig},
		"Shp_order_id":   {shp["Shp_order_id"]},
	}
}

func TestProviderWebhook(t *testing.T) {
	for _, algo := range []HashAlgorithm{HashMD5, HashSHA256} {
		t.Run(string(algo), func(t *testing.T) {
			p := NewProvider(Config{MerchantLogin: "m", Password2: "p2", HashAlgo: algo})
			body := []byte(signedForm(t, "p2", algo).Encode())

			if err := p.VerifySignature(nil, body); err != nil {
				t.Fatalf("verify: %v", err)
			}
			ev, err := p.ParseWebhook(nil, body)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ev.TransactionID != "42" || ev.Status != gateway.StatusCompleted || !ev.Amount.Equal(decimal.NewFromInt(1500)) {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.Reference != "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d" {
				t.Fatalf("unexpected reference %q", ev.Reference)
			}
			if _, ack := p.Ack(ev); string(ack) != "OK42" {
				t.Fatalf("unexpected ack %q", ack)
			}
		})
	}
}

func TestProviderWebhook_Rejections(t *testing.T) {
	p := NewProvider(Config{MerchantLogin: "m", Password2: "p2"})

	wrong := []byte(signedForm(t, "other", HashSHA256).Encode())
	if err := p.VerifySignature(nil, wrong); !errors.Is(err, gateway.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	tampered := signedForm(t, "p2", HashSHA256)
	tampered.Set("OutSum", "1.00")
	if err := p.VerifySignature(nil, []byte(tampered.Encode())); !errors.Is(err, gateway.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered amount, got %v", err)
	}

	noSecret := NewProvider(Config{MerchantLogin: "m"})
	if err := noSecret.VerifySignature(nil, wrong); !errors.Is(err, gateway.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}
