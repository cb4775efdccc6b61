package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/parlance/backend/internal/intake"
	"github.com/parlance/backend/internal/middleware"
	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/validation"
)

// Intake is the submission and task read surface.
type Intake interface {
	SubmitSync(ctx context.Context, userID uuid.UUID, req intake.Request) (*intake.Submission, error)
	SubmitAsync(ctx context.Context, userID uuid.UUID, req intake.Request) (*intake.Submission, error)
	SubmitBatch(ctx context.Context, userID uuid.UUID, reqs []intake.Request) (*intake.BatchResult, error)
	GetTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, userID uuid.UUID, skip, limit int) ([]*models.Task, error)
	TaskHistory(ctx context.Context, userID, taskID uuid.UUID) ([]*models.TaskTransition, error)
}

// TranslateHandler serves /v1/translate and /v1/tasks.
type TranslateHandler struct {
	Intake    Intake
	Validator *validation.Validator
	Logger    *slog.Logger
}

type taskResponse struct {
	TaskID      string           `json:"task_id"`
	State       models.TaskState `json:"state"`
	Direction   models.Direction `json:"direction"`
	ResultText  *string          `json:"result_text,omitempty"`
	ErrorReason *string          `json:"error_reason,omitempty"`
	Price       int64            `json:"price"`
	ExternalID  *string          `json:"external_id,omitempty"`
	Mode        string           `json:"mode"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`

	History []*models.TaskTransition `json:"history,omitempty"`
}

func toTaskResponse(t *models.Task) taskResponse {
	return taskResponse{
		TaskID:      t.ID.String(),
		State:       t.State,
		Direction:   t.Direction,
		ResultText:  t.ResultText,
		ErrorReason: t.ErrorReason,
		Price:       t.Price,
		ExternalID:  t.ExternalID,
		Mode:        t.Mode,
		CreatedAt:   t.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   t.UpdatedAt.UTC().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (h *TranslateHandler) caller(w http.ResponseWriter, r *http.Request) *middleware.Principal {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return p
}

// --- POST /v1/translate ---

// Translate runs a translation inline and answers with the settled task.
func (h *TranslateHandler) Translate(w http.ResponseWriter, r *http.Request) {
	p := h.caller(w, r)
	if p == nil {
		return
	}
	var req intake.Request
	if err := readValidated(w, r, h.Validator, validation.Translate, &req); err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	sub, err := h.Intake.SubmitSync(r.Context(), p.UserID, req)
	if err != nil {
		taskID := ""
		if sub != nil {
			taskID = sub.Task.ID.String()
		}
		writeError(w, h.Logger, err, taskID)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(sub.Task))
}

// --- POST /v1/translate/batch ---

type batchRequest struct {
	Items []intake.Request `json:"items"`
}

// Batch runs up to 50 translations inline, each settled independently.
func (h *TranslateHandler) Batch(w http.ResponseWriter, r *http.Request) {
	p := h.caller(w, r)
	if p == nil {
		return
	}
	var req batchRequest
	if err := readValidated(w, r, h.Validator, validation.Batch, &req); err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	res, err := h.Intake.SubmitBatch(r.Context(), p.UserID, req.Items)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /v1/tasks ---

// CreateTask queues a translation and answers 202 with the queued task. A repeated
// external_id answers 200 with the task it already created.
func (h *TranslateHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	p := h.caller(w, r)
	if p == nil {
		return
	}
	var req intake.Request
	if err := readValidated(w, r, h.Validator, validation.Translate, &req); err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	sub, err := h.Intake.SubmitAsync(r.Context(), p.UserID, req)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	status := http.StatusAccepted
	if sub.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, toTaskResponse(sub.Task))
}

// --- GET /v1/tasks/{id} ---

// GetTask answers with one of the caller's tasks; ?history=1 adds its state history.
func (h *TranslateHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	p := h.caller(w, r)
	if p == nil {
		return
	}
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	t, err := h.Intake.GetTask(r.Context(), p.UserID, taskID)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	resp := toTaskResponse(t)
	if wantHistory(r) {
		resp.History, err = h.Intake.TaskHistory(r.Context(), p.UserID, taskID)
		if err != nil {
			writeError(w, h.Logger, err, "")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func wantHistory(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("history"))
	return err == nil && v
}

// --- GET /v1/tasks ---

func (h *TranslateHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	p := h.caller(w, r)
	if p == nil {
		return
	}
	skip, limit, err := pagination(r, intake.DefaultListLimit)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	list, err := h.Intake.ListTasks(r.Context(), p.UserID, skip, limit)
	if err != nil {
		writeError(w, h.Logger, err, "")
		return
	}
	out := make([]taskResponse, len(list))
	for i, t := range list {
		out[i] = toTaskResponse(t)
	}
	writeJSON(w, http.StatusOK, out)
}
