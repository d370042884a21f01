package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"PAID":       StatusCompleted,
		" success ":  StatusCompleted,
		"Approved":   StatusCompleted,
		"declined":   StatusFailed,
		"CANCELLED":  StatusFailed,
		"expired":    StatusFailed,
		"processing": StatusPending,
		"":           StatusPending,
		"mystery":    StatusPending,
	}
	for raw, want := range tests {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

type namedProvider struct {
	PaymentProvider
	name string
}

func (p namedProvider) Name() string { return p.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry(namedProvider{name: "kaspi"}, namedProvider{name: "robokassa"})

	if _, err := r.Get("Kaspi"); err != nil {
		t.Fatalf("expected case-insensitive lookup, got %v", err)
	}
	if _, err := r.Get("stripe"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "kaspi" || names[1] != "robokassa" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestClassifyStatus(t *testing.T) {
	if err := ClassifyStatus("kaspi", http.StatusBadGateway, nil); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("502 should be unavailable, got %v", err)
	}
	if err := ClassifyStatus("kaspi", http.StatusTooManyRequests, nil); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("429 should be unavailable, got %v", err)
	}
	if err := ClassifyStatus("kaspi", http.StatusUnprocessableEntity, []byte(`{"error":"bad card"}`)); !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("422 should be rejected, got %v", err)
	}
}

func TestClassifyRequestError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	if err := ClassifyRequestError(ctx, "kaspi", context.DeadlineExceeded); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("deadline should be unavailable, got %v", err)
	}

	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if err := ClassifyRequestError(context.Background(), "kaspi", opErr); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("dial error should be unavailable, got %v", err)
	}

	if err := ClassifyRequestError(context.Background(), "kaspi", errors.New("boom")); errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("plain error must not be classified as unavailable")
	}
}
