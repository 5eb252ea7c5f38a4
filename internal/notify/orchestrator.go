package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"salonnotify/internal/channel"
	"salonnotify/internal/eventbus"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// Orchestrator coordinates the push and email channels for one request:
// push with email fallback (push_preferred), unconditional dual delivery
// (both), and personalized per-recipient email fan-out.
//
// It is itself schedulable: a request with a future send time is persisted
// as an orchestration task instead of executing inline.
type Orchestrator struct {
	cfg      Config
	email    channel.EmailChannel
	push     channel.PushChannel
	renderer channel.Renderer
	dir      channel.Directory
	deferrer Deferrer
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	limiter  *rate.Limiter
	now      func() time.Time
}

type Option func(*Orchestrator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDeferrer wires the scheduler in after construction; the app builds the
// orchestrator before the handler registry that the scheduler dispatches to.
func WithDeferrer(d Deferrer) Option {
	return func(o *Orchestrator) { o.deferrer = d }
}

func New(cfg Config, email channel.EmailChannel, push channel.PushChannel, renderer channel.Renderer, dir channel.Directory, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Orchestrator {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		cfg:      cfg,
		email:    email,
		push:     push,
		renderer: renderer,
		dir:      dir,
		store:    store,
		bus:      bus,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDeferrer completes the wiring cycle at startup.
func (o *Orchestrator) SetDeferrer(d Deferrer) { o.deferrer = d }

// Send validates the request, then either executes it inline or, when the
// send time is in the future, persists it as a pending orchestration task.
// Validation failures surface before anything is persisted.
func (o *Orchestrator) Send(ctx context.Context, req task.OrchestrationPayload) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	if !req.SendAt.IsZero() && req.SendAt.After(o.now()) {
		if o.deferrer == nil {
			return Response{}, errors.New("deferred send requested but no scheduler wired")
		}
		t := &task.Task{
			ID:        uuid.NewString(),
			Type:      task.TypeOrchestration,
			Payload:   req,
			ExecuteAt: req.SendAt,
			Priority:  task.PriorityNormal,
			Status:    task.StatusPending,
			CreatedAt: o.now(),
		}
		id, err := o.deferrer.Schedule(ctx, t)
		if err != nil {
			return Response{}, err
		}
		o.log.Info("orchestration deferred",
			logx.String("task", id), logx.Time("send_at", req.SendAt), logx.String("mode", string(req.Mode)))
		return Response{Deferred: true, TaskID: id}, nil
	}

	return o.Deliver(ctx, "", req)
}

// Deliver executes an already-validated request inline. taskID is non-empty
// when the delivery runs as a scheduled task (used for audit records).
func (o *Orchestrator) Deliver(ctx context.Context, taskID string, req task.OrchestrationPayload) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	if req.Personalized() {
		return o.deliverPersonalized(ctx, taskID, req)
	}

	recipients, err := o.resolveRecipients(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if len(recipients) == 0 {
		return Response{}, task.ErrNoRecipients
	}

	var resp Response

	// Push is attempted for every recipient in both modes.
	pushTitle, pushBody, pushErr := o.contentFor(ctx, req.Content, channel.ChannelPush)
	if pushErr != nil {
		resp.Push = DeliveryResult{Attempted: true, Failed: len(recipients), FailedUserIDs: recipients}
		o.audit(ctx, taskID, channel.ChannelPush, req.Mode, resp.Push, pushErr)
	} else {
		start := o.now()
		pr := o.push.SendPush(ctx, channel.PushInput{UserIDs: recipients, Title: pushTitle, Body: pushBody})
		resp.Push = pushResult(recipients, pr)
		o.auditTook(ctx, taskID, channel.ChannelPush, req.Mode, resp.Push, pr.Err, o.now().Sub(start))
	}

	switch req.Mode {
	case task.ModePushPreferred:
		// Email only the subset whose push failed; successful push
		// recipients must not receive a fallback email.
		failed := resp.Push.FailedUserIDs
		if len(failed) == 0 {
			resp.Email = DeliveryResult{}
			break
		}
		resp.Email = o.emailUsers(ctx, taskID, req, failed)
	case task.ModeBoth:
		// Independent of the push outcome.
		resp.Email = o.emailUsers(ctx, taskID, req, recipients)
	}

	return resp, nil
}

// resolveRecipients expands the request's single recipient source.
func (o *Orchestrator) resolveRecipients(ctx context.Context, req task.OrchestrationPayload) ([]string, error) {
	if len(req.UserIDs) > 0 {
		return req.UserIDs, nil
	}
	if strings.TrimSpace(req.Audience) != "" {
		if o.dir == nil {
			return nil, errors.New("audience recipients require a directory")
		}
		ids, err := o.dir.ResolveAudience(ctx, req.Audience)
		if err != nil {
			return nil, fmt.Errorf("resolve audience %q: %w", req.Audience, err)
		}
		return ids, nil
	}
	return nil, task.ErrRecipientSource
}

// contentFor produces the title/body pair for one channel: static text as-is,
// templates through the renderer. A missing template degrades to the static
// subject when one is present instead of failing the whole send.
func (o *Orchestrator) contentFor(ctx context.Context, c task.Content, ch string) (title, body string, err error) {
	return o.contentWithVars(ctx, c, ch, c.Variables)
}

func (o *Orchestrator) contentWithVars(ctx context.Context, c task.Content, ch string, vars map[string]any) (title, body string, err error) {
	if c.Static() {
		return c.Subject, c.Body, nil
	}
	if o.renderer == nil {
		return "", "", errors.New("templated content requires a renderer")
	}
	r, err := o.renderer.Render(ctx, c.TemplateKey, ch, vars)
	if err == nil {
		return r.Primary, r.Secondary, nil
	}
	if errors.Is(err, channel.ErrTemplateNotFound) && strings.TrimSpace(c.Subject) != "" {
		o.log.Warn("template missing; using static subject",
			logx.String("template", c.TemplateKey), logx.String("channel", ch))
		return c.Subject, c.Subject, nil
	}
	return "", "", fmt.Errorf("render %s/%s: %w", c.TemplateKey, ch, err)
}

// emailUsers resolves addresses for userIDs and sends exactly one email to
// the resolved set. In push_preferred mode userIDs is the push-failed subset,
// so recipients whose push succeeded never get the fallback email.
func (o *Orchestrator) emailUsers(ctx context.Context, taskID string, req task.OrchestrationPayload, userIDs []string) DeliveryResult {
	res := DeliveryResult{Attempted: true}

	if o.dir == nil {
		res.Failed = len(userIDs)
		res.FailedUserIDs = userIDs
		o.audit(ctx, taskID, channel.ChannelEmail, req.Mode, res, errors.New("no directory for email delivery"))
		return res
	}
	addrs, err := o.dir.EmailsFor(ctx, userIDs)
	if err != nil {
		res.Failed = len(userIDs)
		res.FailedUserIDs = userIDs
		o.audit(ctx, taskID, channel.ChannelEmail, req.Mode, res, err)
		return res
	}

	to := make([]string, 0, len(addrs))
	withEmail := make([]string, 0, len(addrs))
	for _, id := range userIDs {
		if addr, ok := addrs[id]; ok && addr != "" {
			to = append(to, addr)
			withEmail = append(withEmail, id)
		} else {
			res.Failed++
			res.FailedUserIDs = append(res.FailedUserIDs, id)
		}
	}
	if len(to) == 0 {
		o.audit(ctx, taskID, channel.ChannelEmail, req.Mode, res, errors.New("no addresses resolved"))
		return res
	}

	subject, body, err := o.contentFor(ctx, req.Content, channel.ChannelEmail)
	if err != nil {
		res.Failed += len(withEmail)
		res.FailedUserIDs = append(res.FailedUserIDs, withEmail...)
		o.audit(ctx, taskID, channel.ChannelEmail, req.Mode, res, err)
		return res
	}

	start := o.now()
	er := o.email.SendEmail(ctx, channel.EmailInput{To: to, Subject: subject, Body: body, From: o.cfg.From})
	if er.Success {
		res.Success = true
		res.Sent = len(to)
		res.ChannelIDs = append(res.ChannelIDs, er.EmailID)
	} else {
		res.Failed += len(withEmail)
		res.FailedUserIDs = append(res.FailedUserIDs, withEmail...)
	}
	o.auditTook(ctx, taskID, channel.ChannelEmail, req.Mode, res, er.Err, o.now().Sub(start))
	return res
}

// deliverPersonalized renders and sends one email per recipient, merging the
// shared default variables with that recipient's overrides (recipient wins).
// Push personalization is rejected at validation, so this path is email-only.
func (o *Orchestrator) deliverPersonalized(ctx context.Context, taskID string, req task.OrchestrationPayload) (Response, error) {
	res := DeliveryResult{Attempted: true}
	start := o.now()

	for _, r := range req.PerUser {
		if err := o.limiter.Wait(ctx); err != nil {
			res.Failed++
			res.FailedUserIDs = append(res.FailedUserIDs, r.UserID)
			continue
		}
		vars := channel.MergeVariables(req.Content.Variables, r.Variables)
		subject, body, err := o.contentWithVars(ctx, req.Content, channel.ChannelEmail, vars)
		if err != nil {
			res.Failed++
			res.FailedUserIDs = append(res.FailedUserIDs, r.UserID)
			o.log.Warn("personalized render failed", logx.String("user", r.UserID), logx.Err(err))
			continue
		}
		er := o.email.SendEmail(ctx, channel.EmailInput{
			To: []string{r.Email}, Subject: subject, Body: body, From: o.cfg.From,
		})
		if er.Success {
			res.Sent++
			if er.EmailID != "" {
				res.ChannelIDs = append(res.ChannelIDs, er.EmailID)
			}
		} else {
			res.Failed++
			res.FailedUserIDs = append(res.FailedUserIDs, r.UserID)
		}
	}

	res.Success = res.Failed == 0 && res.Sent > 0
	o.auditTook(ctx, taskID, channel.ChannelEmail, req.Mode, res, nil, o.now().Sub(start))
	return Response{Email: res}, nil
}

func pushResult(recipients []string, pr channel.PushResult) DeliveryResult {
	res := DeliveryResult{Attempted: true}
	if !pr.Success && len(pr.FailedUserIDs) == 0 {
		// the provider rejected the whole batch without naming anyone
		res.Failed = len(recipients)
		res.FailedUserIDs = append([]string(nil), recipients...)
		return res
	}
	res.Success = pr.Success && len(pr.FailedUserIDs) == 0
	res.ChannelIDs = pr.TicketIDs
	res.FailedUserIDs = pr.FailedUserIDs
	res.Failed = len(pr.FailedUserIDs)
	res.Sent = len(recipients) - res.Failed
	return res
}

func (o *Orchestrator) audit(ctx context.Context, taskID, ch string, mode task.Mode, res DeliveryResult, sendErr error) {
	o.auditTook(ctx, taskID, ch, mode, res, sendErr, 0)
}

// auditTook writes the delivery audit row and publishes the bus event.
// Audit failures are logged, never propagated.
func (o *Orchestrator) auditTook(ctx context.Context, taskID, ch string, mode task.Mode, res DeliveryResult, sendErr error, took time.Duration) {
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}

	if o.store != nil {
		rec := storage.DeliveryRecord{
			At:        o.now(),
			TaskID:    taskID,
			Channel:   ch,
			Mode:      string(mode),
			Sent:      res.Sent,
			Failed:    res.Failed,
			FailedIDs: res.FailedUserIDs,
			Error:     errText,
			TookMS:    took.Milliseconds(),
		}
		if err := o.store.AppendDelivery(ctx, rec); err != nil {
			o.log.Warn("delivery audit write failed", logx.String("channel", ch), logx.Err(err))
		}
	}

	if o.bus != nil {
		evType := eventbus.DeliverySent
		if sendErr != nil || res.Failed > 0 {
			evType = eventbus.DeliveryFailed
		}
		o.bus.Publish(eventbus.Event{Type: evType, Data: DeliveryEvent{
			TaskID: taskID, Channel: ch, Mode: string(mode),
			Sent: res.Sent, Failed: res.Failed, At: o.now(), Error: errText,
		}})
	}
}
