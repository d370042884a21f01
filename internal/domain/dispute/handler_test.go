package dispute

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
)

func TestDisputeEndpoints(t *testing.T) {
	f := newFixture()
	sellerID, buyerID, adminID := uuid.New(), uuid.New(), uuid.New()
	orderID := f.deliveredOrder(t, sellerID, buyerID, "1500")

	jwtSvc := jwt.NewService("dispute-handler-secret", time.Hour)
	token := func(id uuid.UUID, role string) string {
		tok, err := jwtSvc.GenerateAccessToken(id, role)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		return tok
	}
	h := NewHandler(f.svc)
	r := chi.NewRouter()
	r.Mount("/api/v1/disputes", h.Routes(middleware.Auth(jwtSvc)))
	r.Route("/api/v1/admin/disputes", func(r chi.Router) {
		r.Use(middleware.Auth(jwtSvc), middleware.RequireAdmin())
		r.Mount("/", h.AdminRoutes())
	})

	do := func(method, path, body, tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	buyer := token(buyerID, jwt.RoleUser)
	admin := token(adminID, jwt.RoleAdmin)
	openBody := `{"order_id":"` + orderID.String() + `","reason":"password was changed"}`

	if w := do(http.MethodPost, "/api/v1/disputes/", `{"order_id":"`+orderID.String()+`","reason":"no"}`, buyer); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short reason: expected 422, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/api/v1/disputes/", openBody, token(uuid.New(), jwt.RoleUser)); w.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/api/v1/disputes/", openBody, buyer); w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodPost, "/api/v1/disputes/", openBody, buyer); w.Code != http.StatusOK {
		t.Fatalf("reopen: expected 200, got %d", w.Code)
	}
	d, err := f.svc.repo.GetByOrder(t.Context(), orderID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	path := "/api/v1/admin/disputes/" + d.ID.String()

	if w := do(http.MethodGet, "/api/v1/disputes/"+d.ID.String(), "", token(sellerID, jwt.RoleSeller)); w.Code != http.StatusOK {
		t.Fatalf("seller view: expected 200, got %d", w.Code)
	}
	if w := do(http.MethodPost, path+"/resolve", `{"resolution":"refund_buyer_wallet"}`, buyer); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin resolve: expected 403, got %d", w.Code)
	}
	if w := do(http.MethodPost, path+"/resolve", `{"resolution":"split"}`, admin); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad resolution: expected 422, got %d", w.Code)
	}
	if w := do(http.MethodPost, path+"/review", "", admin); w.Code != http.StatusOK {
		t.Fatalf("review: expected 200, got %d", w.Code)
	}
	if w := do(http.MethodPost, path+"/resolve", `{"resolution":"refund_buyer_wallet","unfreeze":true}`, admin); w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodPost, path+"/resolve", `{"resolution":"refund_buyer_wallet"}`, admin); w.Code != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d", w.Code)
	}
	if w := do(http.MethodGet, "/api/v1/admin/disputes/?status=resolved", "", admin); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), d.ID.String()) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
}
