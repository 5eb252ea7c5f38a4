package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"salonnotify/internal/channel"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

type stubEmail struct {
	mu    sync.Mutex
	calls []channel.EmailInput
	fail  bool
}

func (s *stubEmail) SendEmail(ctx context.Context, in channel.EmailInput) channel.EmailResult {
	s.mu.Lock()
	s.calls = append(s.calls, in)
	s.mu.Unlock()
	if s.fail {
		return channel.EmailResult{Err: errors.New("smtp down")}
	}
	return channel.EmailResult{Success: true, EmailID: "em-1"}
}

type stubPush struct {
	mu      sync.Mutex
	calls   []channel.PushInput
	failIDs []string
	err     error
	reject  bool
}

func (s *stubPush) SendPush(ctx context.Context, in channel.PushInput) channel.PushResult {
	s.mu.Lock()
	s.calls = append(s.calls, in)
	s.mu.Unlock()
	if s.err != nil {
		return channel.PushResult{Err: s.err}
	}
	if s.reject {
		return channel.PushResult{}
	}
	return channel.PushResult{
		Success:       len(s.failIDs) == 0,
		FailedUserIDs: s.failIDs,
		TicketIDs:     []string{"tk-1"},
	}
}

type stubDeferrer struct {
	mu    sync.Mutex
	tasks []*task.Task
}

func (s *stubDeferrer) Schedule(ctx context.Context, t *task.Task) (string, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t.ID, nil
}

func testDirectory() *channel.StaticDirectory {
	return channel.NewStaticDirectory(map[string]string{
		"u1": "u1@example.com",
		"u2": "u2@example.com",
		"u3": "u3@example.com",
		"u4": "u4@example.com",
	}, map[string][]string{
		"salon_members": {"u1", "u2", "u3"},
	})
}

func newTestOrchestrator(email *stubEmail, push *stubPush, opts ...Option) *Orchestrator {
	renderer := channel.NewStaticRenderer()
	renderer.Put("welcome", channel.ChannelEmail, channel.Rendered{
		Primary:   "Welcome {{name}}",
		Secondary: "Hello {{name}}, your visit is on {{date}}.",
	})
	renderer.Put("welcome", channel.ChannelPush, channel.Rendered{
		Primary:   "Welcome",
		Secondary: "Hi {{name}}",
	})
	return New(Config{From: "salon@example.com", RatePerSec: 1000},
		email, push, renderer, testDirectory(), storage.NewMemory(), nil, logx.Nop(), opts...)
}

func TestPushPreferredEmailsOnlyFailedSubset(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{failIDs: []string{"u1", "u2"}}
	o := newTestOrchestrator(email, push)

	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:    task.ModePushPreferred,
		UserIDs: []string{"u1", "u2", "u3", "u4"},
		Content: task.Content{Subject: "Reminder", Body: "See you soon"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if resp.Push.Sent != 2 || resp.Push.Failed != 2 {
		t.Fatalf("push result = %+v", resp.Push)
	}
	if len(email.calls) != 1 {
		t.Fatalf("email calls = %d, want exactly 1", len(email.calls))
	}
	to := email.calls[0].To
	if len(to) != 2 || to[0] != "u1@example.com" || to[1] != "u2@example.com" {
		t.Fatalf("fallback email went to %v, want the failed subset only", to)
	}
	if !resp.Email.Success || resp.Email.Sent != 2 {
		t.Fatalf("email result = %+v", resp.Email)
	}
}

func TestPushPreferredFallsBackWhenBatchRejected(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{reject: true}
	o := newTestOrchestrator(email, push)

	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:    task.ModePushPreferred,
		UserIDs: []string{"u1", "u2"},
		Content: task.Content{Subject: "Reminder", Body: "See you soon"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// the provider said no without an error and without naming users;
	// every recipient still counts as failed and gets the email fallback
	if resp.Push.Success || resp.Push.Failed != 2 {
		t.Fatalf("push result = %+v", resp.Push)
	}
	if len(email.calls) != 1 || len(email.calls[0].To) != 2 {
		t.Fatalf("email calls = %+v, want one call to both recipients", email.calls)
	}
	if !resp.Email.Success || resp.Email.Sent != 2 {
		t.Fatalf("email result = %+v", resp.Email)
	}
}

func TestPushPreferredSkipsEmailWhenPushSucceeds(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{}
	o := newTestOrchestrator(email, push)

	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:    task.ModePushPreferred,
		UserIDs: []string{"u1", "u2"},
		Content: task.Content{Subject: "Reminder", Body: "See you soon"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(email.calls) != 0 {
		t.Fatalf("email sent despite full push success: %v", email.calls)
	}
	if resp.Email.Attempted {
		t.Fatalf("email marked attempted: %+v", resp.Email)
	}
}

func TestBothModeDeliversIndependently(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{err: errors.New("gateway unreachable")}
	o := newTestOrchestrator(email, push)

	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:     task.ModeBoth,
		Audience: "salon_members",
		Content:  task.Content{Subject: "News", Body: "Fresh offers"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// push failed entirely, email still goes to every member
	if resp.Push.Success || resp.Push.Failed != 3 {
		t.Fatalf("push result = %+v", resp.Push)
	}
	if len(email.calls) != 1 || len(email.calls[0].To) != 3 {
		t.Fatalf("email calls = %+v, want one call to 3 addresses", email.calls)
	}
	if !resp.Email.Success {
		t.Fatalf("email result = %+v", resp.Email)
	}
}

func TestPersonalizedRendersPerRecipient(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	o := newTestOrchestrator(email, &stubPush{})

	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode: task.ModeBoth,
		PerUser: []task.PersonalRecipient{
			{UserID: "u1", Email: "u1@example.com", Variables: map[string]any{"name": "Alice"}},
			{UserID: "u2", Email: "u2@example.com", Variables: map[string]any{"name": "Bob", "date": "Tuesday"}},
		},
		Content: task.Content{
			TemplateKey: "welcome",
			Variables:   map[string]any{"date": "Monday"},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Email.Success || resp.Email.Sent != 2 {
		t.Fatalf("email result = %+v", resp.Email)
	}
	if len(email.calls) != 2 {
		t.Fatalf("email calls = %d, want 2", len(email.calls))
	}

	// shared default applies unless overridden per recipient
	first, second := email.calls[0], email.calls[1]
	if !strings.Contains(first.Body, "Alice") || !strings.Contains(first.Body, "Monday") {
		t.Fatalf("first body = %q", first.Body)
	}
	if !strings.Contains(second.Body, "Bob") || !strings.Contains(second.Body, "Tuesday") {
		t.Fatalf("second body = %q (override should win)", second.Body)
	}
	if first.Subject == second.Subject {
		t.Fatalf("subjects not personalized: %q", first.Subject)
	}
}

func TestPersonalizedWithPushPreferredRejected(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{}
	o := newTestOrchestrator(email, push)

	_, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:    task.ModePushPreferred,
		PerUser: []task.PersonalRecipient{{Email: "u1@example.com"}},
		Content: task.Content{TemplateKey: "welcome"},
	})
	if !errors.Is(err, task.ErrPersonalizedPush) {
		t.Fatalf("Send = %v, want ErrPersonalizedPush", err)
	}
	if len(email.calls) != 0 || len(push.calls) != 0 {
		t.Fatal("channels were called for a rejected request")
	}
}

func TestFutureSendAtDefersThroughScheduler(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{}
	def := &stubDeferrer{}
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	o := newTestOrchestrator(email, push, WithClock(func() time.Time { return now }), WithDeferrer(def))

	sendAt := now.Add(2 * time.Hour)
	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:    task.ModeBoth,
		UserIDs: []string{"u1"},
		Content: task.Content{Subject: "Later", Body: "Scheduled"},
		SendAt:  sendAt,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Deferred || resp.TaskID == "" {
		t.Fatalf("response = %+v, want deferred with task id", resp)
	}
	if len(email.calls) != 0 || len(push.calls) != 0 {
		t.Fatal("deferred send must not touch the channels")
	}
	if len(def.tasks) != 1 {
		t.Fatalf("scheduled tasks = %d, want 1", len(def.tasks))
	}
	got := def.tasks[0]
	if got.Type != task.TypeOrchestration || !got.ExecuteAt.Equal(sendAt) {
		t.Fatalf("scheduled task = %+v", got)
	}
}

func TestMissingTemplateFallsBackToStaticSubject(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{err: errors.New("gateway unreachable")}
	o := newTestOrchestrator(email, push)

	resp, err := o.Send(context.Background(), task.OrchestrationPayload{
		Mode:    task.ModeBoth,
		UserIDs: []string{"u1"},
		Content: task.Content{TemplateKey: "no_such_template", Subject: "Plain subject"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(email.calls) != 1 || email.calls[0].Subject != "Plain subject" {
		t.Fatalf("email calls = %+v, want static-subject fallback", email.calls)
	}
	if !resp.Email.Success {
		t.Fatalf("email result = %+v", resp.Email)
	}
}

func TestDeliveryAuditRecorded(t *testing.T) {
	t.Parallel()

	email := &stubEmail{}
	push := &stubPush{failIDs: []string{"u2"}}
	renderer := channel.NewStaticRenderer()
	store := storage.NewMemory()
	o := New(Config{From: "salon@example.com"}, email, push, renderer, testDirectory(),
		store, nil, logx.Nop())

	_, err := o.Deliver(context.Background(), "task-1", task.OrchestrationPayload{
		Mode:    task.ModePushPreferred,
		UserIDs: []string{"u1", "u2"},
		Content: task.Content{Subject: "Hi", Body: "Hello"},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	recs := store.Deliveries()
	if len(recs) != 2 {
		t.Fatalf("audit rows = %d, want push + fallback email", len(recs))
	}
	for _, r := range recs {
		if r.TaskID != "task-1" {
			t.Fatalf("audit row without task id: %+v", r)
		}
	}
}
