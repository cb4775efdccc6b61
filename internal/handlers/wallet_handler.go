package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/intake"
	"github.com/parlance/backend/internal/middleware"
	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/validation"
)

const maxAdminLimit = 1000

// WalletLedger is the part of the ledger the wallet endpoints drive.
type WalletLedger interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	TopUp(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	Bonus(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
}

// EntryLister reads ledger history.
type EntryLister interface {
	List(ctx context.Context, f models.EntryFilter) ([]*models.Transaction, error)
}

// UserChecker reports whether a user exists.
type UserChecker interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// WalletHandler serves /v1/wallet and the admin ledger endpoints.
type WalletHandler struct {
	DB        repository.Beginner
	Ledger    WalletLedger
	Entries   EntryLister
	Users     UserChecker
	Validator *validation.Validator
	Logger    *slog.Logger
}

type balanceResponse struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
}

func toBalanceResponse(b *models.Balance) balanceResponse {
	return balanceResponse{UserID: b.UserID.String(), Available: b.Available, Reserved: b.Reserved}
}

// --- GET /v1/wallet ---

func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	b, err := h.Ledger.Balance(r.Context(), p.UserID)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(b))
}

// --- POST /v1/wallet/topup ---

type amountRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (h *WalletHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req amountRequest
	if err := readValidated(w, r, h.Validator, validation.TopUp, &req); err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	var bal *models.Balance
	err := repository.WithTx(r.Context(), h.DB, func(tx pgx.Tx) error {
		var err error
		bal, err = h.Ledger.TopUp(r.Context(), tx, p.UserID, req.Amount)
		return err
	})
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	h.Logger.Info("wallet topped up", "user_id", p.UserID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, toBalanceResponse(bal))
}

// --- GET /v1/wallet/transactions ---

func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	skip, limit, err := pagination(r, intake.DefaultListLimit)
	if err == nil {
		err = checkPage(skip, limit, intake.MaxListLimit)
	}
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	h.list(w, r, models.EntryFilter{UserID: &p.UserID, Skip: skip, Limit: limit})
}

// --- POST /v1/admin/bonus ---

// AdminBonus credits a user. The balance row is created if the user never had one.
func (h *WalletHandler) AdminBonus(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := readValidated(w, r, h.Validator, validation.Bonus, &req); err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, h.Logger, &intake.InvalidRequestError{Field: "user_id", Message: "must be a UUID"}, "")
		return
	}
	ok, err := h.Users.Exists(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	if !ok {
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return
	}
	var bal *models.Balance
	err = repository.WithTx(r.Context(), h.DB, func(tx pgx.Tx) error {
		var err error
		bal, err = h.Ledger.Bonus(r.Context(), tx, userID, req.Amount)
		return err
	})
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	h.Logger.Info("bonus granted", "user_id", userID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, toBalanceResponse(bal))
}

// --- GET /v1/admin/transactions ---

// AdminTransactions lists every ledger entry, optionally bounded by RFC3339 from/to.
func (h *WalletHandler) AdminTransactions(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pagination(r, intake.DefaultListLimit)
	if err == nil {
		err = checkPage(skip, limit, maxAdminLimit)
	}
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	f := models.EntryFilter{Skip: skip, Limit: limit}
	for _, q := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		s := r.URL.Query().Get(q.name)
		if s == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, h.Logger, &intake.InvalidRequestError{Field: q.name, Message: "must be RFC3339"}, "")
			return
		}
		*q.dst = &ts
	}
	h.list(w, r, f)
}

func (h *WalletHandler) list(w http.ResponseWriter, r *http.Request, f models.EntryFilter) {
	entries, err := h.Entries.List(r.Context(), f)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	if entries == nil {
		entries = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func checkPage(skip, limit, maxLimit int) error {
	if skip < 0 {
		return &intake.InvalidRequestError{Field: "skip", Message: "must be >= 0"}
	}
	if limit < 1 || limit > maxLimit {
		return &intake.InvalidRequestError{Field: "limit", Message: "out of range"}
	}
	return nil
}
