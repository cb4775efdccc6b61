package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/ledger"
	"github.com/parlance/backend/internal/memstore"
	"github.com/parlance/backend/internal/middleware"
	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/validation"
)

type mockUsers map[uuid.UUID]bool

func (m mockUsers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return m[id], nil
}

func newWalletHandler(t *testing.T, users mockUsers) (*WalletHandler, *memstore.Store, *ledger.Ledger) {
	t.Helper()
	store := memstore.New()
	l := ledger.New(store.Balances(), store.Entries(), store.Reservations(), nil)
	h := &WalletHandler{
		DB:        store,
		Ledger:    l,
		Entries:   store.Entries(),
		Users:     users,
		Validator: validation.MustNew(),
		Logger:    slog.Default(),
	}
	return h, store, l
}

func asAdmin(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithPrincipal(r.Context(), &middleware.Principal{UserID: uuid.New(), Role: models.RoleAdmin}))
}

func decodeBalance(t *testing.T, rec *httptest.ResponseRecorder) balanceResponse {
	t.Helper()
	var b balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode balance: %v: %s", err, rec.Body.String())
	}
	return b
}

// =====================================================================
// /v1/wallet
// =====================================================================

func TestWallet_TopUpThenGet(t *testing.T) {
	h, _, _ := newWalletHandler(t, nil)
	user := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/topup", strings.NewReader(`{"amount":25}`))
	rec := httptest.NewRecorder()
	h.TopUp(rec, asUser(req, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("topup: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if b := decodeBalance(t, rec); b.Available != 25 {
		t.Errorf("available after topup = %d", b.Available)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	rec = httptest.NewRecorder()
	h.GetWallet(rec, asUser(req, user))
	if b := decodeBalance(t, rec); b.Available != 25 || b.Reserved != 0 {
		t.Errorf("wallet = %+v", b)
	}
}

func TestWallet_GetUnknownUserIsZero(t *testing.T) {
	h, _, _ := newWalletHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	rec := httptest.NewRecorder()
	h.GetWallet(rec, asUser(req, uuid.New()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if b := decodeBalance(t, rec); b.Available != 0 {
		t.Errorf("available = %d", b.Available)
	}
}

func TestWallet_TopUpRejectsNonPositive(t *testing.T) {
	h, _, _ := newWalletHandler(t, nil)
	for _, body := range []string{`{"amount":0}`, `{"amount":-5}`, `{"amount":1.5}`, `{}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/wallet/topup", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.TopUp(rec, asUser(req, uuid.New()))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestWallet_Transactions(t *testing.T) {
	h, store, l := newWalletHandler(t, nil)
	user := uuid.New()
	other := uuid.New()
	for _, u := range []uuid.UUID{user, user, other} {
		err := repository.WithTx(context.Background(), store, func(tx pgx.Tx) error {
			_, err := l.TopUp(context.Background(), tx, u, 10)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/wallet/transactions?limit=1", nil)
	rec := httptest.NewRecorder()
	h.Transactions(rec, asUser(req, user))
	var entries []*models.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != user {
		t.Errorf("entries = %+v", entries)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/wallet/transactions?limit=501", nil)
	rec = httptest.NewRecorder()
	h.Transactions(rec, asUser(req, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit 501, got %d", rec.Code)
	}
}

// =====================================================================
// Admin
// =====================================================================

func TestAdminBonus(t *testing.T) {
	user := uuid.New()
	h, _, _ := newWalletHandler(t, mockUsers{user: true})

	body := fmt.Sprintf(`{"user_id":%q,"amount":7}`, user)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bonus", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.AdminBonus(rec, asAdmin(req))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if b := decodeBalance(t, rec); b.Available != 7 || b.UserID != user.String() {
		t.Errorf("balance = %+v", b)
	}
}

func TestAdminBonus_Rejects(t *testing.T) {
	h, _, _ := newWalletHandler(t, mockUsers{})
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown user", fmt.Sprintf(`{"user_id":%q,"amount":7}`, uuid.New()), http.StatusNotFound},
		{"zero amount", fmt.Sprintf(`{"user_id":%q,"amount":0}`, uuid.New()), http.StatusBadRequest},
		{"bad user id", `{"user_id":"nope","amount":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/bonus", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.AdminBonus(rec, asAdmin(req))
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAdminTransactions_Filters(t *testing.T) {
	h, store, l := newWalletHandler(t, nil)
	for range 3 {
		err := repository.WithTx(context.Background(), store, func(tx pgx.Tx) error {
			_, err := l.Bonus(context.Background(), tx, uuid.New(), 1)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/transactions?limit=1000", nil)
	rec := httptest.NewRecorder()
	h.AdminTransactions(rec, asAdmin(req))
	var entries []*models.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v: %s", err, rec.Body.String())
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/transactions?to=2000-01-01T00:00:00Z", nil)
	rec = httptest.NewRecorder()
	h.AdminTransactions(rec, asAdmin(req))
	entries = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries before 2000 = %d", len(entries))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/transactions?from=yesterday", nil)
	rec = httptest.NewRecorder()
	h.AdminTransactions(rec, asAdmin(req))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
