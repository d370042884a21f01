package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gamemarket/gamemarket-api/internal/middleware"
	"github.com/gamemarket/gamemarket-api/internal/pkg/jwt"
)

type walletAPIResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Balance string `json:"balance"`
		Status  string `json:"status"`
	} `json:"data"`
}

func TestWalletEndpoints(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	userID := uuid.New()

	_, err := svc.Credit(context.Background(), userID, Entry{Reference: "seed", Amount: amount("125.50")})
	requireNoError(t, err)

	jwtSvc := jwt.NewService("wallet-handler-secret", time.Hour)
	token, err := jwtSvc.GenerateAccessToken(userID, jwt.RoleUser)
	requireNoError(t, err)
	adminToken, err := jwtSvc.GenerateAccessToken(uuid.New(), jwt.RoleAdmin)
	requireNoError(t, err)

	r := chi.NewRouter()
	r.Mount("/api/v1/wallet", h.Routes(middleware.Auth(jwtSvc)))
	r.Route("/api/v1/admin/wallets", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSvc), middleware.RequireAdmin())
		r.Mount("/", h.AdminRoutes())
	})

	t.Run("GET balance", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var body walletAPIResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Data.Balance != "125.5" || body.Data.Status != "active" {
			t.Fatalf("unexpected wallet %+v", body.Data)
		}
	})

	t.Run("POST status as user is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/wallets/"+userID.String()+"/status", strings.NewReader(`{"status":"locked"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
	})

	t.Run("POST status as admin locks wallet", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/wallets/"+userID.String()+"/status", strings.NewReader(`{"status":"locked"}`))
		req.Header.Set("Authorization", "Bearer "+adminToken)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
		}
		acc, err := svc.GetAccount(context.Background(), userID)
		requireNoError(t, err)
		if !acc.IsLocked() {
			t.Fatal("expected wallet to be locked")
		}
	})

	t.Run("POST status rejects unknown value", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/wallets/"+userID.String()+"/status", strings.NewReader(`{"status":"closed"}`))
		req.Header.Set("Authorization", "Bearer "+adminToken)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", w.Code)
		}
	})
}
