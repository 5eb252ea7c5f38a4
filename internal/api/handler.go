package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"salonnotify/internal/notify"
	"salonnotify/internal/scheduler"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

type Handler struct {
	sched *scheduler.Service
	orch  *notify.Orchestrator
	log   logx.Logger
}

func NewHandler(sched *scheduler.Service, orch *notify.Orchestrator, log logx.Logger) *Handler {
	return &Handler{sched: sched, orch: orch, log: log}
}

type CreateTaskRequest struct {
	Type      string            `json:"type"`
	ExecuteAt time.Time         `json:"execute_at"`
	Priority  string            `json:"priority,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	Recur     string            `json:"recur,omitempty"`
	Retry     *task.RetryPolicy `json:"retry,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type RescheduleRequest struct {
	ExecuteAt time.Time `json:"execute_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// TaskView is the wire shape of one task. The payload is re-encoded from the
// typed form so clients always see the canonical field set.
type TaskView struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Priority  string            `json:"priority"`
	ExecuteAt time.Time         `json:"execute_at"`
	CreatedAt time.Time         `json:"created_at"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func viewOf(t *task.Task) TaskView {
	v := TaskView{
		ID:        t.ID,
		Type:      string(t.Type),
		Status:    string(t.Status),
		Priority:  string(t.Priority),
		ExecuteAt: t.ExecuteAt,
		CreatedAt: t.CreatedAt,
		Meta:      t.Meta,
	}
	if t.Payload != nil {
		if raw, err := task.EncodePayload(t.Payload); err == nil {
			v.Payload = raw
		}
	}
	return v
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	typ := task.Type(req.Type)
	if !typ.Valid() {
		respondError(w, http.StatusBadRequest, "unknown task type: "+req.Type)
		return
	}
	payload, err := task.DecodePayload(typ, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	t := &task.Task{
		Type:      typ,
		Payload:   payload,
		ExecuteAt: req.ExecuteAt,
		Priority:  task.Priority(req.Priority),
		Retry:     req.Retry,
		Meta:      req.Meta,
	}
	if req.Recur != "" {
		if t.Meta == nil {
			t.Meta = map[string]string{}
		}
		t.Meta[task.MetaRecur] = req.Recur
	}

	id, err := h.sched.Schedule(r.Context(), t)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	h.log.Info("task created via api", logx.String("task", id), logx.String("type", req.Type))
	respondJSON(w, http.StatusCreated, viewOf(t))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.sched.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOf(t))
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.sched.ListPending(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	respondJSON(w, http.StatusOK, views)
}

// CancelTask maps DELETE onto the cancel transition. The row is kept for
// audit; only the status changes.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sched.Cancel(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	h.log.Info("task cancelled via api", logx.String("task", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RescheduleTask(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.sched.Reschedule(r.Context(), id, req.ExecuteAt); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	t, err := h.sched.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOf(t))
}

func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req task.OrchestrationPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.orch.Send(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if resp.Deferred {
		status = http.StatusAccepted
	}
	respondJSON(w, status, resp)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	snap := h.sched.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"running":    snap.Running,
		"cache_size": snap.CacheSize,
	})
}

// statusFor maps domain sentinels to HTTP codes; everything unrecognized is
// a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotPending),
		errors.Is(err, scheduler.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrPastExecuteAt),
		errors.Is(err, scheduler.ErrBadRecurSpec),
		errors.Is(err, task.ErrUnknownType),
		errors.Is(err, task.ErrInvalidMode),
		errors.Is(err, task.ErrRecipientSource),
		errors.Is(err, task.ErrContentSource),
		errors.Is(err, task.ErrPersonalizedPush),
		errors.Is(err, task.ErrPersonalizationCount),
		errors.Is(err, task.ErrNoRecipients):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
