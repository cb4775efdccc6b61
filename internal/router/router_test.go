package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/parlance/backend/internal/auth"
	"github.com/parlance/backend/internal/handlers"
	"github.com/parlance/backend/internal/middleware"
	"github.com/parlance/backend/internal/models"
)

type stubTokens struct{ role string }

func (s stubTokens) ValidateToken(context.Context, string) (uuid.UUID, string, error) {
	return uuid.New(), s.role, nil
}

// blockSpend stands in for the spend limit and rejects everything it wraps.
func blockSpend(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func newTestRouter(role string) http.Handler {
	return New(Handlers{
		Auth:      &auth.Handler{},
		Translate: &handlers.TranslateHandler{},
		Wallet:    &handlers.WalletHandler{},
	}, Middleware{
		Authenticate: middleware.Authenticate(stubTokens{role: role}),
		SpendLimit:   blockSpend,
	})
}

func TestRouter_Guards(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		role   string
		token  bool
		want   int
	}{
		{"healthz is public", http.MethodGet, "/healthz", "", false, http.StatusOK},
		{"profile needs token", http.MethodGet, "/api/v1/auth/me", "", false, http.StatusUnauthorized},
		{"translate needs token", http.MethodPost, "/v1/translate", "", false, http.StatusUnauthorized},
		{"translate is spend limited", http.MethodPost, "/v1/translate", models.RoleUser, true, http.StatusTeapot},
		{"batch is spend limited", http.MethodPost, "/v1/translate/batch", models.RoleUser, true, http.StatusTeapot},
		{"async submit is spend limited", http.MethodPost, "/v1/tasks", models.RoleUser, true, http.StatusTeapot},
		{"wallet needs token", http.MethodGet, "/v1/wallet", "", false, http.StatusUnauthorized},
		{"admin bonus needs token", http.MethodPost, "/v1/admin/bonus", "", false, http.StatusUnauthorized},
		{"admin bonus rejects users", http.MethodPost, "/v1/admin/bonus", models.RoleUser, true, http.StatusForbidden},
		{"admin transactions rejects users", http.MethodGet, "/v1/admin/transactions", models.RoleUser, true, http.StatusForbidden},
		{"wrong method", http.MethodDelete, "/v1/tasks", models.RoleUser, true, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token {
				req.Header.Set("Authorization", "Bearer t")
			}
			rec := httptest.NewRecorder()
			newTestRouter(tt.role).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
