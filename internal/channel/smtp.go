package channel

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	logx "salonnotify/pkg/logx"
)

// sendMailHook allows tests to override SMTP sending behavior.
var sendMailHook = smtp.SendMail

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	ReplyTo  string
}

// SMTPEmail delivers email via plain SMTP.
//
// Provider template ids are not supported by this adapter; callers render
// templates before handing content over (the renderer is a separate
// collaborator).
type SMTPEmail struct {
	cfg SMTPConfig
	log logx.Logger
}

func NewSMTPEmail(cfg SMTPConfig, log logx.Logger) *SMTPEmail {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SMTPEmail{cfg: cfg, log: log}
}

func (e *SMTPEmail) SendEmail(ctx context.Context, in EmailInput) EmailResult {
	if err := ctx.Err(); err != nil {
		return EmailResult{Err: err}
	}
	if len(in.To) == 0 {
		return EmailResult{Err: fmt.Errorf("smtp: no recipients")}
	}

	from := strings.TrimSpace(in.From)
	if from == "" {
		from = e.cfg.From
	}
	replyTo := strings.TrimSpace(in.ReplyTo)
	if replyTo == "" {
		replyTo = e.cfg.ReplyTo
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.User != "" {
		auth = smtp.PlainAuth("", e.cfg.User, e.cfg.Password, e.cfg.Host)
	}

	var hdr strings.Builder
	fmt.Fprintf(&hdr, "From: %s\r\n", from)
	fmt.Fprintf(&hdr, "To: %s\r\n", strings.Join(in.To, ","))
	if replyTo != "" {
		fmt.Fprintf(&hdr, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&hdr, "Subject: %s\r\n\r\n", in.Subject)

	if err := sendMailHook(addr, auth, from, in.To, []byte(hdr.String()+in.Body)); err != nil {
		e.log.Warn("smtp send failed", logx.Int("recipients", len(in.To)), logx.Err(err))
		return EmailResult{Err: fmt.Errorf("smtp send: %w", err)}
	}

	id := uuid.NewString()
	e.log.Debug("email sent", logx.String("email_id", id), logx.Int("recipients", len(in.To)))
	return EmailResult{Success: true, EmailID: id}
}
