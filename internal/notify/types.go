package notify

import (
	"context"
	"time"

	"salonnotify/internal/task"
)

// Config controls the delivery orchestrator.
type Config struct {
	// RatePerSec bounds personalized per-recipient sends (token bucket).
	RatePerSec int
	// From is the default sender identity for fallback and fan-out email.
	From string
}

// DeliveryResult is the outcome of one channel within an orchestrated send.
type DeliveryResult struct {
	Attempted     bool     `json:"attempted"`
	Success       bool     `json:"success"`
	Sent          int      `json:"sent"`
	Failed        int      `json:"failed"`
	FailedUserIDs []string `json:"failed_user_ids,omitempty"`
	ChannelIDs    []string `json:"channel_ids,omitempty"`
}

// Response composes the per-channel results of one orchestration request.
// When the request was deferred, only Deferred/TaskID are meaningful.
type Response struct {
	Email    DeliveryResult `json:"email"`
	Push     DeliveryResult `json:"push"`
	Deferred bool           `json:"deferred,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
}

// Deferrer persists a future orchestration as a pending task. Implemented by
// the scheduler; kept narrow here to avoid a package cycle.
type Deferrer interface {
	Schedule(ctx context.Context, t *task.Task) (string, error)
}

// DeliveryEvent is published on the event bus per channel attempt.
type DeliveryEvent struct {
	TaskID  string    `json:"task_id,omitempty"`
	Channel string    `json:"channel"`
	Mode    string    `json:"mode"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
