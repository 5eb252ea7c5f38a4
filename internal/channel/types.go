package channel

import (
	"context"
	"errors"
)

// The engine treats delivery providers, the template renderer, and the user
// directory as external collaborators behind these contracts. Implementations
// in this package are thin adapters; tests use stubs.

// EmailInput is one email send: a single subject/body (or provider template)
// delivered to every address in To.
type EmailInput struct {
	To         []string
	Subject    string
	Body       string
	TemplateID string
	Variables  map[string]any
	From       string
	ReplyTo    string
}

// EmailResult is the provider's reply for one email call.
type EmailResult struct {
	Success bool
	EmailID string
	Err     error
}

type EmailChannel interface {
	SendEmail(ctx context.Context, in EmailInput) EmailResult
}

// PushInput is one push send addressed by user id; token resolution is the
// provider's concern.
type PushInput struct {
	UserIDs []string
	Title   string
	Body    string
	Data    map[string]string
}

// PushResult reports per-recipient push outcomes. FailedUserIDs lists the
// subset that did not get the notification (no usable token, disabled,
// provider rejection). A transport-level Err means nothing was delivered.
type PushResult struct {
	Success       bool
	TicketIDs     []string
	FailedUserIDs []string
	Err           error
}

type PushChannel interface {
	SendPush(ctx context.Context, in PushInput) PushResult
}

// Rendered is the renderer's output for one template+channel pair.
// For email: Primary=subject, Secondary=body. For push: Primary=title,
// Secondary=body, Tertiary=collapse/preview text.
type Rendered struct {
	Primary   string
	Secondary string
	Tertiary  string
}

// ErrTemplateNotFound is recoverable: callers fall back to static content
// when the request carries any.
var ErrTemplateNotFound = errors.New("template not found")

// Renderer is the black-box template-variable substitution engine.
type Renderer interface {
	Render(ctx context.Context, templateKey, channel string, variables map[string]any) (Rendered, error)
}

// Channel names passed to Renderer.Render.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// Directory resolves user ids to contact details. It fronts the profile
// database, which is outside this engine.
type Directory interface {
	// EmailsFor returns the known address for each user id; ids without an
	// address are simply absent from the map.
	EmailsFor(ctx context.Context, userIDs []string) (map[string]string, error)
	// ResolveAudience expands a named dynamic audience (e.g. "salon_members")
	// into user ids.
	ResolveAudience(ctx context.Context, audience string) ([]string, error)
}
