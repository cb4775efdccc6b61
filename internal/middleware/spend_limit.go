package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parlance/backend/internal/models"
)

// EntrySummer totals a user's ledger entries of one kind since a point in time.
type EntrySummer interface {
	SumSince(ctx context.Context, userID uuid.UUID, kind string, since time.Time) (int64, error)
}

// SpendLimit rejects a submission when today's net reserved amount plus cost
// would exceed limit. cost is the number of credits the request will reserve.
// A limit of zero disables the check.
func SpendLimit(entries EntrySummer, limit int64, cost func(*http.Request) int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			spent, err := dailySpendFn(r.Context(), entries, p.UserID, now().UTC())
			if err != nil {
				http.Error(w, `{"error":"failed to check daily spend"}`, http.StatusInternalServerError)
				return
			}
			price := cost(r)
			if spent+price > limit {
				http.Error(w, fmt.Sprintf(`{"error":"daily spend %d + %d exceeds daily limit %d"}`, spent, price, limit), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var now = time.Now

// PerItemCost charges price once per batch item, or once for a single submission.
// It reads the body and restores it so the handler can read it again.
func PerItemCost(price int64) func(*http.Request) int64 {
	return func(r *http.Request) int64 {
		if r.Body == nil {
			return price
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return price
		}
		var peek struct {
			Items []json.RawMessage `json:"items"`
		}
		if json.Unmarshal(body, &peek) != nil || len(peek.Items) == 0 {
			return price
		}
		return price * int64(len(peek.Items))
	}
}

const maxPeekBytes = 1 << 20

// dailySpendFn is the function used to compute today's spend.
// Tests can replace this to avoid hitting a real database.
var dailySpendFn = defaultDailySpend

// defaultDailySpend is reserved minus released since UTC midnight, so refunded
// translations do not count against the limit.
func defaultDailySpend(ctx context.Context, entries EntrySummer, userID uuid.UUID, at time.Time) (int64, error) {
	midnight := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	reserved, err := entries.SumSince(ctx, userID, models.EntryReserve, midnight)
	if err != nil {
		return 0, fmt.Errorf("sum reserves: %w", err)
	}
	released, err := entries.SumSince(ctx, userID, models.EntryRelease, midnight)
	if err != nil {
		return 0, fmt.Errorf("sum releases: %w", err)
	}
	return reserved - released, nil
}
