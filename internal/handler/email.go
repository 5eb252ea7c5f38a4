package handler

import (
	"context"
	"errors"
	"fmt"

	"salonnotify/internal/channel"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// EmailHandler delivers a single-content bulk email task: one subject/body
// to every address in the payload.
type EmailHandler struct {
	email    channel.EmailChannel
	renderer channel.Renderer
	log      logx.Logger
}

func NewEmailHandler(email channel.EmailChannel, renderer channel.Renderer, log logx.Logger) *EmailHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmailHandler{email: email, renderer: renderer, log: log}
}

func (h *EmailHandler) Execute(ctx context.Context, t *task.Task) task.Result {
	p, ok := t.Payload.(task.EmailPayload)
	if !ok {
		return task.Result{Err: fmt.Errorf("email handler: unexpected payload %T", t.Payload)}
	}

	subject, body := p.Subject, p.Body
	if p.TemplateKey != "" {
		if h.renderer == nil {
			return task.Result{Err: errors.New("email handler: templated payload without renderer")}
		}
		r, err := h.renderer.Render(ctx, p.TemplateKey, channel.ChannelEmail, p.Variables)
		if err != nil {
			// Recoverable only when the payload carries a static subject.
			if errors.Is(err, channel.ErrTemplateNotFound) && p.Subject != "" {
				h.log.Warn("template missing; sending static subject",
					logx.String("task", t.ID), logx.String("template", p.TemplateKey))
				subject, body = p.Subject, p.Subject
			} else {
				return task.Result{Err: fmt.Errorf("email handler: %w", err)}
			}
		} else {
			subject, body = r.Primary, r.Secondary
		}
	}

	res := h.email.SendEmail(ctx, channel.EmailInput{
		To:      p.To,
		Subject: subject,
		Body:    body,
		From:    p.From,
		ReplyTo: p.ReplyTo,
	})
	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New("email channel reported failure")
		}
		return task.Result{Err: err, Message: "email delivery failed"}
	}
	return task.Result{
		Success:  true,
		Message:  fmt.Sprintf("email sent to %d recipient(s)", len(p.To)),
		Metadata: map[string]any{"email_id": res.EmailID, "recipients": len(p.To)},
	}
}
