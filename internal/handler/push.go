package handler

import (
	"context"
	"errors"
	"fmt"

	"salonnotify/internal/channel"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// PushHandler delivers a push notification task to a set of user ids.
// Per-recipient failures make the task fail; the failed subset is reported
// in the result metadata so operators can follow up.
type PushHandler struct {
	push     channel.PushChannel
	renderer channel.Renderer
	log      logx.Logger
}

func NewPushHandler(push channel.PushChannel, renderer channel.Renderer, log logx.Logger) *PushHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PushHandler{push: push, renderer: renderer, log: log}
}

func (h *PushHandler) Execute(ctx context.Context, t *task.Task) task.Result {
	p, ok := t.Payload.(task.PushPayload)
	if !ok {
		return task.Result{Err: fmt.Errorf("push handler: unexpected payload %T", t.Payload)}
	}

	title, body := p.Title, p.Body
	if p.TemplateKey != "" {
		if h.renderer == nil {
			return task.Result{Err: errors.New("push handler: templated payload without renderer")}
		}
		r, err := h.renderer.Render(ctx, p.TemplateKey, channel.ChannelPush, p.Variables)
		if err != nil {
			if errors.Is(err, channel.ErrTemplateNotFound) && p.Title != "" {
				h.log.Warn("template missing; sending static title",
					logx.String("task", t.ID), logx.String("template", p.TemplateKey))
				title, body = p.Title, p.Title
			} else {
				return task.Result{Err: fmt.Errorf("push handler: %w", err)}
			}
		} else {
			title, body = r.Primary, r.Secondary
		}
	}

	res := h.push.SendPush(ctx, channel.PushInput{
		UserIDs: p.UserIDs,
		Title:   title,
		Body:    body,
		Data:    p.Data,
	})
	if res.Err != nil {
		return task.Result{Err: res.Err, Message: "push delivery failed"}
	}
	sent := len(p.UserIDs) - len(res.FailedUserIDs)
	meta := map[string]any{"sent": sent, "failed": len(res.FailedUserIDs)}
	if len(res.FailedUserIDs) > 0 {
		meta["failed_user_ids"] = res.FailedUserIDs
		return task.Result{
			Err:      fmt.Errorf("push delivered to %d of %d recipients", sent, len(p.UserIDs)),
			Message:  "partial push delivery",
			Metadata: meta,
		}
	}
	return task.Result{
		Success:  true,
		Message:  fmt.Sprintf("push sent to %d recipient(s)", sent),
		Metadata: meta,
	}
}
