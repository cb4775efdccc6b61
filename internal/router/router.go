package router

import (
	"net/http"

	"github.com/parlance/backend/internal/auth"
	"github.com/parlance/backend/internal/handlers"
	"github.com/parlance/backend/internal/middleware"
)

// Handlers are the endpoint groups the router mounts.
type Handlers struct {
	Auth      *auth.Handler
	Translate *handlers.TranslateHandler
	Wallet    *handlers.WalletHandler
}

// Middleware wraps the authenticated routes.
type Middleware struct {
	Authenticate func(http.Handler) http.Handler
	// SpendLimit guards endpoints that reserve funds. Nil disables it.
	SpendLimit func(http.Handler) http.Handler
}

// New returns the API handler: auth under /api/v1, everything else under /v1.
func New(h Handlers, mw Middleware) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	mux.HandleFunc("GET /healthz", handlers.Healthz)

	user := func(fn http.HandlerFunc) http.Handler {
		return mw.Authenticate(fn)
	}
	mux.Handle("GET "+base+"/auth/me", user(h.Auth.Me))
	spend := func(fn http.HandlerFunc) http.Handler {
		if mw.SpendLimit == nil {
			return user(fn)
		}
		return mw.Authenticate(mw.SpendLimit(fn))
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return mw.Authenticate(middleware.RequireAdmin(fn))
	}

	mux.Handle("POST /v1/translate", spend(h.Translate.Translate))
	mux.Handle("POST /v1/translate/batch", spend(h.Translate.Batch))
	mux.Handle("POST /v1/tasks", spend(h.Translate.CreateTask))
	mux.Handle("GET /v1/tasks", user(h.Translate.ListTasks))
	mux.Handle("GET /v1/tasks/{id}", user(h.Translate.GetTask))

	mux.Handle("GET /v1/wallet", user(h.Wallet.GetWallet))
	mux.Handle("POST /v1/wallet/topup", user(h.Wallet.TopUp))
	mux.Handle("GET /v1/wallet/transactions", user(h.Wallet.Transactions))

	mux.Handle("POST /v1/admin/bonus", admin(h.Wallet.AdminBonus))
	mux.Handle("GET /v1/admin/transactions", admin(h.Wallet.AdminTransactions))

	return mux
}
