package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamemarket/gamemarket-api/internal/domain/commission"
	"github.com/gamemarket/gamemarket-api/internal/domain/dispute"
	"github.com/gamemarket/gamemarket-api/internal/domain/escrow"
	"github.com/gamemarket/gamemarket-api/internal/domain/ledger"
	"github.com/gamemarket/gamemarket-api/internal/domain/marketplace"
	"github.com/gamemarket/gamemarket-api/internal/domain/order"
	"github.com/gamemarket/gamemarket-api/internal/domain/payment"
	"github.com/gamemarket/gamemarket-api/internal/domain/payout"
	"github.com/gamemarket/gamemarket-api/internal/domain/redeem"
	"github.com/gamemarket/gamemarket-api/internal/pkg/codebox"
	"github.com/gamemarket/gamemarket-api/internal/pkg/gateway"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jobqueue"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jwt"
)

func testRouter(t *testing.T) (http.Handler, *jwt.Service) {
	t.Helper()
	box, err := codebox.New("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("codebox: %v", err)
	}
	queue := jobqueue.NewMemoryQueue()
	orderRepo := order.NewMemoryRepository(queue)
	ledgerSvc := ledger.NewService(ledger.NewMemoryRepository(), "KZT")
	orderSvc := order.NewService(orderRepo, ledgerSvc, nil, "KZT")
	escrowSvc := escrow.NewService(escrow.NewMemoryRepository())
	marketSvc := marketplace.NewService(marketplace.NewMemoryRepository(orderRepo), escrowSvc,
		commission.NewResolver(commission.StaticRules{}, decimal.NewFromInt(10)), orderSvc, nil,
		marketplace.Config{Currency: "KZT", DeliveryWindow: 72 * time.Hour})
	providers := gateway.NewRegistry()

	h := handlers{
		ledger:      ledger.NewHandler(ledgerSvc),
		escrow:      escrow.NewHandler(escrowSvc),
		order:       order.NewHandler(orderSvc),
		redeem:      redeem.NewHandler(redeem.NewService(redeem.NewMemoryRepository(orderRepo), orderSvc, box)),
		marketplace: marketplace.NewHandler(marketSvc),
		payment: payment.NewHandler(payment.NewService(payment.Deps{
			Repo:      payment.NewMemoryRepository(orderRepo),
			Orders:    orderSvc,
			Wallet:    ledgerSvc,
			Providers: providers,
		}, payment.Config{})),
		payout: payout.NewHandler(payout.NewService(payout.Deps{
			Repo:      payout.NewMemoryRepository(queue),
			Wallet:    ledgerSvc,
			Providers: providers,
		}, payout.Config{Provider: gateway.ProviderKaspi, Currency: "KZT"})),
		dispute: dispute.NewHandler(dispute.NewService(dispute.NewMemoryRepository(), marketSvc, escrowSvc, ledgerSvc, nil)),
	}
	jwtSvc := jwt.NewService("router-secret", time.Hour)
	return newRouter([]string{"http://localhost:3000"}, jwtSvc, h), jwtSvc
}

func TestRouterMounts(t *testing.T) {
	router, jwtSvc := testRouter(t)
	userToken, err := jwtSvc.GenerateAccessToken(uuid.New(), jwt.RoleUser)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	adminToken, err := jwtSvc.GenerateAccessToken(uuid.New(), jwt.RoleAdmin)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"wallet requires auth", http.MethodGet, "/api/v1/wallet/", "", http.StatusUnauthorized},
		{"wallet", http.MethodGet, "/api/v1/wallet/", userToken, http.StatusOK},
		{"partner wallet requires auth", http.MethodGet, "/api/v1/partner/wallet", "", http.StatusUnauthorized},
		{"partner wallet", http.MethodGet, "/api/v1/partner/wallet", userToken, http.StatusOK},
		{"public listings", http.MethodGet, "/api/v1/marketplace/listings", "", http.StatusOK},
		{"payouts", http.MethodGet, "/api/v1/payouts/", userToken, http.StatusOK},
		{"admin requires admin role", http.MethodGet, "/api/v1/admin/disputes/", userToken, http.StatusForbidden},
		{"admin disputes", http.MethodGet, "/api/v1/admin/disputes/", adminToken, http.StatusOK},
		{"admin withdrawals", http.MethodGet, "/api/v1/admin/withdrawals/", adminToken, http.StatusOK},
		{"unknown payment provider", http.MethodPost, "/webhooks/payments/paypal", "", http.StatusNotFound},
		{"unknown transfer provider", http.MethodPost, "/webhooks/transfers/paypal", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}
