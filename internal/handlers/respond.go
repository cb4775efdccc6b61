package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/parlance/backend/internal/intake"
	"github.com/parlance/backend/internal/ledger"
	"github.com/parlance/backend/internal/tasks"
	"github.com/parlance/backend/internal/translation"
	"github.com/parlance/backend/internal/validation"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id,omitempty"`
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var (
		invalid  *intake.InvalidRequestError
		replay   *intake.ReplayError
		capErr   *translation.Error
		illegal  *tasks.IllegalTransitionError
		timedOut *tasks.TimeoutError
	)
	switch {
	case errors.As(err, &invalid), errors.Is(err, validation.ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, intake.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &replay):
		if replay.Failed() {
			return http.StatusBadGateway
		}
		return http.StatusConflict
	case errors.As(err, &illegal):
		return http.StatusConflict
	case errors.As(err, &timedOut):
		return http.StatusGatewayTimeout
	case errors.As(err, &capErr):
		if capErr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError responds with the mapped status. Internal errors are logged and hidden.
func writeError(w http.ResponseWriter, log *slog.Logger, err error, taskID string) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, TaskID: taskID})
}

// readValidated reads the body, checks it against the schema for kind and decodes it into dst.
func readValidated(w http.ResponseWriter, r *http.Request, v *validation.Validator, kind string, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return &intake.InvalidRequestError{Message: "failed to read body"}
	}
	if err := v.Validate(kind, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &intake.InvalidRequestError{Message: "invalid JSON"}
	}
	return nil
}

// pagination parses skip and limit query parameters.
func pagination(r *http.Request, defaultLimit int) (skip, limit int, err error) {
	q := r.URL.Query()
	limit = defaultLimit
	if s := q.Get("skip"); s != "" {
		if skip, err = strconv.Atoi(s); err != nil {
			return 0, 0, &intake.InvalidRequestError{Field: "skip", Message: "must be an integer"}
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return 0, 0, &intake.InvalidRequestError{Field: "limit", Message: "must be an integer"}
		}
	}
	return skip, limit, nil
}

// Healthz handles GET /healthz.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
