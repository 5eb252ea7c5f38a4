package handler

import (
	"context"

	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// LogHandler is side-effect-free: it logs the payload and succeeds. It backs
// the "custom" task type by default and stands in for real handlers in tests.
type LogHandler struct {
	log logx.Logger
}

func NewLogHandler(log logx.Logger) *LogHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogHandler{log: log}
}

func (h *LogHandler) Execute(ctx context.Context, t *task.Task) task.Result {
	note := ""
	if p, ok := t.Payload.(task.CustomPayload); ok {
		note = p.Note
	}
	h.log.Info("log task executed",
		logx.String("task", t.ID), logx.String("type", string(t.Type)), logx.String("note", note))
	return task.Result{Success: true, Message: "logged"}
}
