package handler

import (
	"context"
	"fmt"

	"salonnotify/internal/notify"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// OrchestrationHandler executes a scheduled orchestration task through the
// orchestrator's delivery path, so scheduled and inline sends share the same
// personalization handling and audit trail.
type OrchestrationHandler struct {
	orch *notify.Orchestrator
	log  logx.Logger
}

func NewOrchestrationHandler(orch *notify.Orchestrator, log logx.Logger) *OrchestrationHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OrchestrationHandler{orch: orch, log: log}
}

func (h *OrchestrationHandler) Execute(ctx context.Context, t *task.Task) task.Result {
	p, ok := t.Payload.(task.OrchestrationPayload)
	if !ok {
		return task.Result{Err: fmt.Errorf("orchestration handler: unexpected payload %T", t.Payload)}
	}

	resp, err := h.orch.Deliver(ctx, t.ID, p)
	if err != nil {
		return task.Result{Err: err, Message: "orchestration failed"}
	}

	meta := map[string]any{
		"push_attempted": resp.Push.Attempted,
		"push_sent":      resp.Push.Sent,
		"push_failed":    resp.Push.Failed,
		"email_sent":     resp.Email.Sent,
		"email_failed":   resp.Email.Failed,
	}
	// Partial channel failure is still a completed orchestration; the
	// per-channel detail lives in the result metadata and the audit trail.
	return task.Result{
		Success:  true,
		Message:  fmt.Sprintf("orchestration done (push %d/%d, email %d)", resp.Push.Sent, resp.Push.Sent+resp.Push.Failed, resp.Email.Sent),
		Metadata: meta,
	}
}
