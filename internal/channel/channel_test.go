package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	logx "salonnotify/pkg/logx"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	t.Parallel()

	r := NewStaticRenderer()
	r.Put("visit", ChannelEmail, Rendered{
		Primary:   "Your visit, {{name}}",
		Secondary: "Hi {{name}}, see you at {{time}}.",
	})

	out, err := r.Render(context.Background(), "visit", ChannelEmail,
		map[string]any{"name": "Alice", "time": "10:00"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Primary != "Your visit, Alice" {
		t.Fatalf("Primary = %q", out.Primary)
	}
	if out.Secondary != "Hi Alice, see you at 10:00." {
		t.Fatalf("Secondary = %q", out.Secondary)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	t.Parallel()

	r := NewStaticRenderer()
	_, err := r.Render(context.Background(), "missing", ChannelPush, nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
}

func TestMergeVariablesOverrideWins(t *testing.T) {
	t.Parallel()

	defaults := map[string]any{"salon": "Main St", "name": "guest"}
	got := MergeVariables(defaults, map[string]any{"name": "Alice"})
	if got["name"] != "Alice" || got["salon"] != "Main St" {
		t.Fatalf("merged = %v", got)
	}
	if defaults["name"] != "guest" {
		t.Fatal("defaults mutated")
	}
	if MergeVariables(nil, nil) != nil {
		t.Fatal("empty merge should be nil")
	}
}

func TestSMTPEmailBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	orig := sendMailHook
	sendMailHook = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}
	defer func() { sendMailHook = orig }()

	e := NewSMTPEmail(SMTPConfig{Host: "mail.example.com", Port: 587, From: "salon@example.com", ReplyTo: "front@example.com"}, logx.Nop())
	res := e.SendEmail(context.Background(), EmailInput{
		To: []string{"alice@example.com"}, Subject: "Reminder", Body: "See you soon.",
	})
	if !res.Success || res.EmailID == "" {
		t.Fatalf("result = %+v", res)
	}
	if gotAddr != "mail.example.com:587" || gotFrom != "salon@example.com" {
		t.Fatalf("addr = %q from = %q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{"Reply-To: front@example.com\r\n", "Subject: Reminder\r\n\r\nSee you soon."} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func TestSMTPEmailTransportFailure(t *testing.T) {
	orig := sendMailHook
	sendMailHook = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("connection refused")
	}
	defer func() { sendMailHook = orig }()

	e := NewSMTPEmail(SMTPConfig{Host: "mail.example.com", Port: 25}, logx.Nop())
	res := e.SendEmail(context.Background(), EmailInput{To: []string{"a@example.com"}, Subject: "x"})
	if res.Success || res.Err == nil {
		t.Fatalf("result = %+v, want failure", res)
	}
}

func TestSMTPEmailRequiresRecipients(t *testing.T) {
	t.Parallel()

	e := NewSMTPEmail(SMTPConfig{}, logx.Nop())
	if res := e.SendEmail(context.Background(), EmailInput{}); res.Err == nil {
		t.Fatal("empty recipient list accepted")
	}
}

func TestHTTPPushTickets(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tickets":[
			{"recipient":"u1","id":"tk-1","status":"ok"},
			{"recipient":"u2","status":"error","message":"no device token"}
		]}`))
	}))
	defer srv.Close()

	p := NewHTTPPush(PushConfig{Endpoint: srv.URL, Token: "secret"}, logx.Nop())
	res := p.SendPush(context.Background(), PushInput{UserIDs: []string{"u1", "u2", "u3"}, Title: "Hi", Body: "Hello"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if len(res.TicketIDs) != 1 || res.TicketIDs[0] != "tk-1" {
		t.Fatalf("tickets = %v", res.TicketIDs)
	}
	// u2 failed per ticket, u3 was never reported on.
	if len(res.FailedUserIDs) != 2 {
		t.Fatalf("failed = %v", res.FailedUserIDs)
	}
}

func TestHTTPPushGatewayError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPPush(PushConfig{Endpoint: srv.URL}, logx.Nop())
	res := p.SendPush(context.Background(), PushInput{UserIDs: []string{"u1"}})
	if res.Success || res.Err == nil {
		t.Fatalf("result = %+v, want transport failure", res)
	}
	if len(res.FailedUserIDs) != 1 {
		t.Fatalf("failed = %v", res.FailedUserIDs)
	}
}

func TestStaticDirectory(t *testing.T) {
	t.Parallel()

	d := NewStaticDirectory(
		map[string]string{"u1": "u1@example.com", "u2": ""},
		map[string][]string{"vip": {"u1", "u2"}},
	)

	ids, err := d.ResolveAudience(context.Background(), "vip")
	if err != nil || len(ids) != 2 {
		t.Fatalf("ResolveAudience = %v, %v", ids, err)
	}
	if _, err := d.ResolveAudience(context.Background(), "nobody"); err == nil {
		t.Fatal("unknown audience accepted")
	}

	emails, err := d.EmailsFor(context.Background(), []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("EmailsFor: %v", err)
	}
	if len(emails) != 1 || emails["u1"] != "u1@example.com" {
		t.Fatalf("EmailsFor = %v", emails)
	}
}
