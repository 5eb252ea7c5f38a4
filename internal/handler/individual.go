package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"salonnotify/internal/channel"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// IndividualEmailHandler fans one skeleton out to many recipients, rendering
// distinct content per recipient from the shared defaults plus that
// recipient's overrides (overrides win). Sends are sequential and
// rate-limited to keep outbound pressure on the provider bounded.
type IndividualEmailHandler struct {
	email    channel.EmailChannel
	renderer channel.Renderer
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewIndividualEmailHandler(email channel.EmailChannel, renderer channel.Renderer, ratePerSec int, log logx.Logger) *IndividualEmailHandler {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &IndividualEmailHandler{
		email:    email,
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:      log,
	}
}

func (h *IndividualEmailHandler) Execute(ctx context.Context, t *task.Task) task.Result {
	p, ok := t.Payload.(task.IndividualEmailPayload)
	if !ok {
		return task.Result{Err: fmt.Errorf("individual email handler: unexpected payload %T", t.Payload)}
	}

	sent := 0
	var failed []string
	for _, r := range p.Recipients {
		if err := h.limiter.Wait(ctx); err != nil {
			failed = append(failed, r.Email)
			continue
		}

		subject, body, err := h.contentFor(ctx, p, r)
		if err != nil {
			h.log.Warn("personalized render failed",
				logx.String("task", t.ID), logx.String("recipient", r.Email), logx.Err(err))
			failed = append(failed, r.Email)
			continue
		}

		res := h.email.SendEmail(ctx, channel.EmailInput{
			To: []string{r.Email}, Subject: subject, Body: body, From: p.From,
		})
		if res.Success {
			sent++
		} else {
			failed = append(failed, r.Email)
		}
	}

	meta := map[string]any{"sent": sent, "failed": len(failed)}
	if len(failed) > 0 {
		meta["failed_recipients"] = failed
		return task.Result{
			Err:      fmt.Errorf("individual email: %d of %d sends failed", len(failed), len(p.Recipients)),
			Message:  fmt.Sprintf("sent %d, failed %d", sent, len(failed)),
			Metadata: meta,
		}
	}
	return task.Result{
		Success:  true,
		Message:  fmt.Sprintf("sent %d personalized email(s)", sent),
		Metadata: meta,
	}
}

func (h *IndividualEmailHandler) contentFor(ctx context.Context, p task.IndividualEmailPayload, r task.PersonalRecipient) (subject, body string, err error) {
	vars := channel.MergeVariables(p.DefaultVars, r.Variables)
	if p.TemplateKey == "" {
		return p.Subject, p.Body, nil
	}
	if h.renderer == nil {
		return "", "", errors.New("templated payload without renderer")
	}
	rendered, err := h.renderer.Render(ctx, p.TemplateKey, channel.ChannelEmail, vars)
	if err != nil {
		if errors.Is(err, channel.ErrTemplateNotFound) && strings.TrimSpace(p.Subject) != "" {
			return p.Subject, p.Subject, nil
		}
		return "", "", err
	}
	return rendered.Primary, rendered.Secondary, nil
}
