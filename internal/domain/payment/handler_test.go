package payment

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jwt"
	"github.com/gamemarket/gamemarket-api/internal/pkg/kaspi"
)

func TestWebhookEndpoint_StatusCodes(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.topupPayment(t, userID, "5000")

	r := chi.NewRouter()
	r.Mount("/webhooks/payments", NewHandler(f.svc).WebhookRoutes())

	post := func(provider, sig, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/"+provider, strings.NewReader(body))
		if sig != "" {
			req.Header.Set(kaspi.SignatureHeader, sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	sign := func(body string) string {
		h, _ := signedWebhook(body)
		return h.Get(kaspi.SignatureHeader)
	}

	tests := []struct {
		name     string
		provider string
		body     string
		sig      func(string) string
		setup    func()
		want     int
	}{
		{
			name: "bad signature", provider: "kaspi",
			body: `{"transaction_id":"kp-1","status":"paid","amount":5000}`,
			sig:  func(string) string { return "t=1700000000,v1=" },
			want: http.StatusBadRequest,
		},
		{
			name: "unknown provider", provider: "paypal",
			body: `{}`, sig: sign,
			want: http.StatusNotFound,
		},
		{
			name: "unknown transaction", provider: "kaspi",
			body: `{"transaction_id":"kp-404","status":"paid","amount":1}`, sig: sign,
			want: http.StatusNotFound,
		},
		{
			name: "missing field", provider: "kaspi",
			body: `{"transaction_id":"kp-1","amount":5000}`, sig: sign,
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "amount mismatch", provider: "kaspi",
			body: `{"transaction_id":"kp-1","status":"paid","amount":10}`, sig: sign,
			want: http.StatusBadRequest,
		},
		{
			name: "pending upstream", provider: "kaspi",
			body: `{"transaction_id":"kp-1","status":"processing","amount":5000}`, sig: sign,
			setup: func() { f.stub.set("processing", "5000", false) },
			want:  http.StatusAccepted,
		},
		{
			name: "upstream down", provider: "kaspi",
			body: `{"transaction_id":"kp-1","status":"processing","amount":5000}`, sig: sign,
			setup: func() { f.stub.set("", "", true) },
			want:  http.StatusBadGateway,
		},
		{
			name: "applied", provider: "kaspi",
			body: `{"transaction_id":"kp-1","status":"paid","amount":5000}`, sig: sign,
			want: http.StatusOK,
		},
		{
			name: "replay", provider: "kaspi",
			body: `{"transaction_id":"kp-1","status":"paid","amount":5000}`, sig: sign,
			want: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			w := post(tt.provider, tt.sig(tt.body), tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestInitiateEndpoint(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	o, err := f.orders.CreateTopup(t.Context(), userID, money("300"))
	if err != nil {
		t.Fatalf("create topup: %v", err)
	}

	jwtSvc := jwt.NewService("payment-handler-secret", time.Hour)
	token, err := jwtSvc.GenerateAccessToken(userID, jwt.RoleUser)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	r := chi.NewRouter()
	r.Mount("/api/v1/payments", NewHandler(f.svc).Routes(middleware.Auth(jwtSvc)))

	do := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(`{"order_id":"` + o.ID.String() + `","provider":"paypal"}`); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unsupported provider: expected 422, got %d", w.Code)
	}
	if w := do(`{"order_id":"` + o.ID.String() + `","provider":"wallet"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("wallet topup: expected 400, got %d", w.Code)
	}
	w := do(`{"order_id":"` + o.ID.String() + `","provider":"kaspi"}`)
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "pay.example/kp-1") {
		t.Fatalf("expected 201 with redirect, got %d: %s", w.Code, w.Body.String())
	}
}
