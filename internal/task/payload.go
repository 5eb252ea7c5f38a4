package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the closed set of task payload variants. Each task type owns
// one concrete payload struct; JSON appears only at the store boundary.
type Payload interface {
	TaskType() Type
	Validate() error
}

// ---- Delivery modes (orchestration) ----

// Mode selects how the orchestrator coordinates the push and email channels.
type Mode string

const (
	// ModePushPreferred attempts push first and emails only the recipients
	// whose push delivery failed.
	ModePushPreferred Mode = "push_preferred"
	// ModeBoth sends on both channels unconditionally; the two outcomes are
	// independent.
	ModeBoth Mode = "both"
)

func (m Mode) Valid() bool { return m == ModePushPreferred || m == ModeBoth }

// ---- Shared content shapes ----

// Content is the message body of an orchestrated send: either static text
// (Subject/Body) or a template key plus shared variables, never both.
type Content struct {
	Subject     string         `json:"subject,omitempty"`
	Body        string         `json:"body,omitempty"`
	TemplateKey string         `json:"template_key,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// Static reports whether the content carries inline text.
func (c Content) Static() bool { return strings.TrimSpace(c.Body) != "" }

// Templated reports whether the content references a renderer template.
func (c Content) Templated() bool { return strings.TrimSpace(c.TemplateKey) != "" }

// PersonalRecipient pairs one recipient with its variable overrides.
// Overrides win over the request's shared default variables.
type PersonalRecipient struct {
	UserID    string         `json:"user_id,omitempty"`
	Email     string         `json:"email"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ---- Validation sentinels ----

var (
	ErrInvalidMode          = errors.New("invalid orchestration mode")
	ErrRecipientSource      = errors.New("recipients must be given by exactly one of: user list, audience, personalization list")
	ErrContentSource        = errors.New("content must be given by exactly one of: static text, template key")
	ErrPersonalizedPush     = errors.New("personalization is email-only and cannot be combined with push_preferred")
	ErrPersonalizationCount = errors.New("personalization list length does not match declared recipient count")
	ErrNoRecipients         = errors.New("at least one recipient is required")
)

// ---- Payload variants ----

// EmailPayload sends one message to one or more addresses (single-content
// bulk email).
type EmailPayload struct {
	To          []string       `json:"to"`
	Subject     string         `json:"subject,omitempty"`
	Body        string         `json:"body,omitempty"`
	TemplateKey string         `json:"template_key,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	From        string         `json:"from,omitempty"`
	ReplyTo     string         `json:"reply_to,omitempty"`
}

func (p EmailPayload) TaskType() Type { return TypeEmail }

func (p EmailPayload) Validate() error {
	if len(p.To) == 0 {
		return ErrNoRecipients
	}
	for _, addr := range p.To {
		if strings.TrimSpace(addr) == "" {
			return errors.New("empty recipient address")
		}
	}
	hasBody := strings.TrimSpace(p.Body) != ""
	hasTpl := strings.TrimSpace(p.TemplateKey) != ""
	if hasBody == hasTpl {
		return ErrContentSource
	}
	if hasBody && strings.TrimSpace(p.Subject) == "" {
		return errors.New("subject is required with a static body")
	}
	return nil
}

// PushPayload sends one push notification to a set of users.
type PushPayload struct {
	UserIDs     []string          `json:"user_ids"`
	Title       string            `json:"title,omitempty"`
	Body        string            `json:"body,omitempty"`
	TemplateKey string            `json:"template_key,omitempty"`
	Variables   map[string]any    `json:"variables,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

func (p PushPayload) TaskType() Type { return TypePush }

func (p PushPayload) Validate() error {
	if len(p.UserIDs) == 0 {
		return ErrNoRecipients
	}
	hasTitle := strings.TrimSpace(p.Title) != ""
	hasTpl := strings.TrimSpace(p.TemplateKey) != ""
	if hasTitle == hasTpl {
		return ErrContentSource
	}
	return nil
}

// IndividualEmailPayload fans one template (or static subject/body skeleton)
// out to many recipients, each with its own variable overrides.
type IndividualEmailPayload struct {
	Subject      string              `json:"subject,omitempty"`
	Body         string              `json:"body,omitempty"`
	TemplateKey  string              `json:"template_key,omitempty"`
	DefaultVars  map[string]any      `json:"default_vars,omitempty"`
	Recipients   []PersonalRecipient `json:"recipients"`
	From         string              `json:"from,omitempty"`
	DeclaredSize int                 `json:"declared_size,omitempty"`
}

func (p IndividualEmailPayload) TaskType() Type { return TypeIndividualEmail }

func (p IndividualEmailPayload) Validate() error {
	if len(p.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, r := range p.Recipients {
		if strings.TrimSpace(r.Email) == "" {
			return errors.New("personal recipient without email address")
		}
	}
	hasBody := strings.TrimSpace(p.Body) != ""
	hasTpl := strings.TrimSpace(p.TemplateKey) != ""
	if hasBody == hasTpl {
		return ErrContentSource
	}
	if p.DeclaredSize > 0 && p.DeclaredSize != len(p.Recipients) {
		return ErrPersonalizationCount
	}
	return nil
}

// OrchestrationPayload is the schedulable form of an orchestration request.
// SendAt in the future defers execution through the scheduler; otherwise the
// orchestrator runs inline.
type OrchestrationPayload struct {
	Mode Mode `json:"mode"`

	// Exactly one recipient source:
	UserIDs  []string            `json:"user_ids,omitempty"`
	Audience string              `json:"audience,omitempty"`
	PerUser  []PersonalRecipient `json:"per_user,omitempty"`

	// DeclaredSize, when set with PerUser, must match len(PerUser).
	DeclaredSize int `json:"declared_size,omitempty"`

	Content Content   `json:"content"`
	SendAt  time.Time `json:"send_at,omitempty"`
}

func (p OrchestrationPayload) TaskType() Type { return TypeOrchestration }

// Personalized reports whether per-recipient variables were supplied.
func (p OrchestrationPayload) Personalized() bool { return len(p.PerUser) > 0 }

func (p OrchestrationPayload) Validate() error {
	if !p.Mode.Valid() {
		return ErrInvalidMode
	}
	sources := 0
	if len(p.UserIDs) > 0 {
		sources++
	}
	if strings.TrimSpace(p.Audience) != "" {
		sources++
	}
	if len(p.PerUser) > 0 {
		sources++
	}
	if sources != 1 {
		return ErrRecipientSource
	}
	if p.Personalized() {
		if p.Mode == ModePushPreferred {
			return ErrPersonalizedPush
		}
		if p.DeclaredSize > 0 && p.DeclaredSize != len(p.PerUser) {
			return ErrPersonalizationCount
		}
		for _, r := range p.PerUser {
			if strings.TrimSpace(r.Email) == "" {
				return errors.New("personal recipient without email address")
			}
		}
	}
	if p.Content.Static() == p.Content.Templated() {
		return ErrContentSource
	}
	if p.Content.Static() && strings.TrimSpace(p.Content.Subject) == "" {
		return errors.New("subject is required with static content")
	}
	return nil
}

// CustomPayload carries an opaque blob for externally-registered handlers
// (and the log handler used in tests).
type CustomPayload struct {
	Note string          `json:"note,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (p CustomPayload) TaskType() Type { return TypeCustom }

func (p CustomPayload) Validate() error { return nil }

// ---- Store-boundary codec ----

// EncodePayload serializes a payload for persistence.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.TaskType(), err)
	}
	return b, nil
}

// DecodePayload deserializes a stored payload blob using the task type as
// the variant tag.
func DecodePayload(typ Type, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty payload blob")
	}
	var (
		p   Payload
		err error
	)
	switch typ {
	case TypeEmail:
		var v EmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypePush:
		var v PushPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeIndividualEmail:
		var v IndividualEmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeOrchestration:
		var v OrchestrationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCustom:
		var v CustomPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, ErrUnknownType
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return p, nil
}
