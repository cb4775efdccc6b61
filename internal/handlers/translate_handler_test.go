package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parlance/backend/internal/intake"
	"github.com/parlance/backend/internal/ledger"
	"github.com/parlance/backend/internal/middleware"
	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/tasks"
	"github.com/parlance/backend/internal/translation"
	"github.com/parlance/backend/internal/validation"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockIntake struct {
	mu       sync.Mutex
	lastReq  intake.Request
	lastUser uuid.UUID
	batch    []intake.Request
	sub      *intake.Submission
	err      error
	task     *models.Task
	list     []*models.Task
	history  []*models.TaskTransition
	skip     int
	limit    int
}

func (m *mockIntake) record(user uuid.UUID, req intake.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUser = user
	m.lastReq = req
}

func (m *mockIntake) SubmitSync(_ context.Context, user uuid.UUID, req intake.Request) (*intake.Submission, error) {
	m.record(user, req)
	return m.sub, m.err
}

func (m *mockIntake) SubmitAsync(_ context.Context, user uuid.UUID, req intake.Request) (*intake.Submission, error) {
	m.record(user, req)
	return m.sub, m.err
}

func (m *mockIntake) SubmitBatch(_ context.Context, _ uuid.UUID, reqs []intake.Request) (*intake.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = reqs
	if m.err != nil {
		return nil, m.err
	}
	return &intake.BatchResult{Items: make([]intake.BatchItem, len(reqs)), ChargedCredits: int64(len(reqs))}, nil
}

func (m *mockIntake) GetTask(_ context.Context, user, id uuid.UUID) (*models.Task, error) {
	if m.task == nil || m.task.ID != id || m.task.UserID != user {
		return nil, intake.ErrNotFound
	}
	return m.task, nil
}

func (m *mockIntake) TaskHistory(_ context.Context, user, id uuid.UUID) ([]*models.TaskTransition, error) {
	if m.task == nil || m.task.ID != id || m.task.UserID != user {
		return nil, intake.ErrNotFound
	}
	return m.history, nil
}

func (m *mockIntake) ListTasks(_ context.Context, _ uuid.UUID, skip, limit int) ([]*models.Task, error) {
	m.skip, m.limit = skip, limit
	return m.list, m.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTranslateHandler(m *mockIntake) *TranslateHandler {
	return &TranslateHandler{Intake: m, Validator: validation.MustNew(), Logger: slog.Default()}
}

func asUser(r *http.Request, id uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithPrincipal(r.Context(), &middleware.Principal{UserID: id, Role: models.RoleUser}))
}

func sampleTask(user uuid.UUID, state models.TaskState) *models.Task {
	now := time.Now()
	return &models.Task{
		ID:         uuid.New(),
		UserID:     user,
		SourceText: "hello",
		Direction:  models.EnToFr,
		State:      state,
		Price:      1,
		Mode:       models.ModeAsync,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// =====================================================================
// Error mapping
// =====================================================================

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&intake.InvalidRequestError{Field: "text", Message: "empty"}, http.StatusBadRequest},
		{validation.ErrValidation, http.StatusBadRequest},
		{&ledger.InsufficientFundsError{Requested: 5}, http.StatusPaymentRequired},
		{intake.ErrNotFound, http.StatusNotFound},
		{&tasks.IllegalTransitionError{Event: tasks.EventComplete}, http.StatusConflict},
		{&intake.ReplayError{State: models.TaskQueued}, http.StatusConflict},
		{&intake.ReplayError{State: models.TaskRefunded, Reason: "model down"}, http.StatusBadGateway},
		{&translation.Error{Reason: "bad gateway"}, http.StatusBadGateway},
		{&translation.Error{Reason: "slow", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&tasks.TimeoutError{State: models.TaskProcessing}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

// =====================================================================
// POST /v1/translate
// =====================================================================

func TestTranslate_Success(t *testing.T) {
	user := uuid.New()
	done := sampleTask(user, models.TaskCompleted)
	result := "bonjour"
	done.ResultText = &result
	m := &mockIntake{sub: &intake.Submission{Task: done}}
	h := newTranslateHandler(m)

	req := httptest.NewRequest(http.MethodPost, "/v1/translate", strings.NewReader(`{"text":"hello","source_lang":"en","target_lang":"fr"}`))
	rec := httptest.NewRecorder()
	h.Translate(rec, asUser(req, user))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ResultText == nil || *resp.ResultText != "bonjour" || resp.State != models.TaskCompleted {
		t.Errorf("response = %+v", resp)
	}
	if m.lastUser != user || m.lastReq.SourceLang != "en" {
		t.Errorf("intake got user %s req %+v", m.lastUser, m.lastReq)
	}
}

func TestTranslate_Errors(t *testing.T) {
	user := uuid.New()
	refunded := sampleTask(user, models.TaskRefunded)
	queued := sampleTask(user, models.TaskQueued)

	cases := []struct {
		name   string
		body   string
		sub    *intake.Submission
		err    error
		status int
		taskID bool
	}{
		{"schema violation", `{"text":"hi","direction":"en-de"}`, nil, nil, http.StatusBadRequest, false},
		{"missing text", `{"direction":"en-fr"}`, nil, nil, http.StatusBadRequest, false},
		{"insufficient funds", `{"text":"hi","direction":"en-fr"}`, nil, &ledger.InsufficientFundsError{Requested: 1}, http.StatusPaymentRequired, false},
		{"capability failure", `{"text":"hi","direction":"en-fr"}`, &intake.Submission{Task: refunded}, &translation.Error{Reason: "model down"}, http.StatusBadGateway, true},
		{"timeout", `{"text":"hi","direction":"en-fr"}`, &intake.Submission{Task: refunded}, &tasks.TimeoutError{TaskID: refunded.ID}, http.StatusGatewayTimeout, true},
		{"replay of queued task", `{"text":"hi","direction":"en-fr","external_id":"x2"}`, &intake.Submission{Task: queued, Existing: true}, &intake.ReplayError{TaskID: queued.ID, State: models.TaskQueued}, http.StatusConflict, true},
		{"replay of failed task", `{"text":"hi","direction":"en-fr","external_id":"x1"}`, &intake.Submission{Task: refunded, Existing: true}, &intake.ReplayError{TaskID: refunded.ID, State: models.TaskRefunded, Reason: "model down"}, http.StatusBadGateway, true},
		{"internal", `{"text":"hi","direction":"en-fr"}`, nil, errors.New("db down"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTranslateHandler(&mockIntake{sub: tc.sub, err: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/v1/translate", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.Translate(rec, asUser(req, user))

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if (resp.TaskID != "") != tc.taskID {
				t.Errorf("task_id = %q", resp.TaskID)
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(resp.Error, "db down") {
				t.Error("internal error leaked to client")
			}
		})
	}
}

func TestTranslate_Unauthenticated(t *testing.T) {
	h := newTranslateHandler(&mockIntake{})
	req := httptest.NewRequest(http.MethodPost, "/v1/translate", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()
	h.Translate(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

// =====================================================================
// POST /v1/translate/batch
// =====================================================================

func TestBatch(t *testing.T) {
	m := &mockIntake{}
	h := newTranslateHandler(m)
	body := `{"items":[{"text":"hello","direction":"en-fr"},{"input_text":"monde","direction":"fr-en"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/translate/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Batch(rec, asUser(req, uuid.New()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(m.batch) != 2 || m.batch[1].InputText != "monde" {
		t.Errorf("batch = %+v", m.batch)
	}
}

func TestBatch_TooManyItems(t *testing.T) {
	h := newTranslateHandler(&mockIntake{})
	items := make([]string, intake.MaxBatchItems+1)
	for i := range items {
		items[i] = `{"text":"x","direction":"en-fr"}`
	}
	body := `{"items":[` + strings.Join(items, ",") + `]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/translate/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Batch(rec, asUser(req, uuid.New()))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// =====================================================================
// /v1/tasks
// =====================================================================

func TestCreateTask_Accepted(t *testing.T) {
	user := uuid.New()
	m := &mockIntake{sub: &intake.Submission{Task: sampleTask(user, models.TaskQueued)}}
	h := newTranslateHandler(m)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"text":"hello","direction":"en-fr","external_id":"abc"}`))
	rec := httptest.NewRecorder()
	h.CreateTask(rec, asUser(req, user))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if m.lastReq.ExternalID != "abc" {
		t.Errorf("external_id not forwarded: %+v", m.lastReq)
	}
}

func TestCreateTask_ExistingExternalID(t *testing.T) {
	user := uuid.New()
	m := &mockIntake{sub: &intake.Submission{Task: sampleTask(user, models.TaskCompleted), Existing: true}}
	h := newTranslateHandler(m)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"text":"hello","direction":"en-fr","external_id":"abc"}`))
	rec := httptest.NewRecorder()
	h.CreateTask(rec, asUser(req, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	user := uuid.New()
	task := sampleTask(user, models.TaskQueued)
	h := newTranslateHandler(&mockIntake{task: task})

	cases := []struct {
		name   string
		id     string
		user   uuid.UUID
		status int
	}{
		{"owner", task.ID.String(), user, http.StatusOK},
		{"other user", task.ID.String(), uuid.New(), http.StatusNotFound},
		{"bad id", "not-a-uuid", user, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+tc.id, nil)
			req.SetPathValue("id", tc.id)
			rec := httptest.NewRecorder()
			h.GetTask(rec, asUser(req, tc.user))
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetTask_History(t *testing.T) {
	user := uuid.New()
	task := sampleTask(user, models.TaskQueued)
	now := time.Now()
	h := newTranslateHandler(&mockIntake{task: task, history: []*models.TaskTransition{
		{TaskID: task.ID, To: models.TaskReserved, Event: "create", CreatedAt: now},
		{TaskID: task.ID, From: models.TaskReserved, To: models.TaskQueued, Event: "enqueue", CreatedAt: now},
	}})

	cases := []struct {
		query string
		want  int
	}{
		{"", 0},
		{"?history=0", 0},
		{"?history=1", 2},
		{"?history=true", 2},
	}
	for _, tc := range cases {
		t.Run("query "+tc.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+task.ID.String()+tc.query, nil)
			req.SetPathValue("id", task.ID.String())
			rec := httptest.NewRecorder()
			h.GetTask(rec, asUser(req, user))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var resp taskResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.History) != tc.want {
				t.Fatalf("history len = %d, want %d", len(resp.History), tc.want)
			}
			if tc.want > 0 && resp.History[1].To != models.TaskQueued {
				t.Errorf("history = %+v", resp.History)
			}
		})
	}
}

func TestListTasks_Pagination(t *testing.T) {
	user := uuid.New()
	m := &mockIntake{list: []*models.Task{sampleTask(user, models.TaskQueued)}}
	h := newTranslateHandler(m)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks?skip=5&limit=10", nil)
	rec := httptest.NewRecorder()
	h.ListTasks(rec, asUser(req, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if m.skip != 5 || m.limit != 10 {
		t.Errorf("skip/limit = %d/%d", m.skip, m.limit)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec = httptest.NewRecorder()
	h.ListTasks(rec, asUser(req, user))
	if m.limit != intake.DefaultListLimit {
		t.Errorf("default limit = %d", m.limit)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks?limit=abc", nil)
	rec = httptest.NewRecorder()
	h.ListTasks(rec, asUser(req, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
