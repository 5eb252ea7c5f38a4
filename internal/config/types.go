package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration reads a Go duration string out of a config field. Empty or
// zero falls back to def; negative values are rejected because every
// duration here is an interval or a timeout. path names the field in error
// messages (e.g. "scheduler.horizon").
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Config is the full on-disk configuration for the notification engine.
// Accepted as JSON or YAML; YAML is coerced to JSON before the strict decode,
// so unknown keys are rejected in both formats.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the durable task store. Nil falls back to the
	// in-memory driver, which is only useful for development.
	Storage *StorageConfig `json:"storage,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api"`

	Email EmailConfig `json:"email"`
	Push  PushConfig  `json:"push"`

	// Orchestrator tunes orchestrated delivery. If omitted, runtime
	// defaults apply (rate_per_sec=10, from=email.from).
	Orchestrator *OrchestratorConfig `json:"orchestrator,omitempty"`

	// Templates seeds the static renderer, keyed by template key.
	Templates map[string]TemplateConfig `json:"templates,omitempty"`

	Directory DirectoryConfig `json:"directory"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects and tunes the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Redis driver settings.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// SchedulerConfig tunes the two scheduler loops and the memory horizon.
//
// All durations are Go duration strings (e.g. "5s", "10m", "1h").
//
// Defaults (when fields are omitted/zero):
//   - horizon: "1h"
//   - fast_interval: "5s"
//   - slow_interval: "10m"
//
// The slow interval must stay below the horizon or tasks entering the window
// could be missed between reconciliations.
type SchedulerConfig struct {
	Horizon      string `json:"horizon,omitempty"`
	FastInterval string `json:"fast_interval,omitempty"`
	SlowInterval string `json:"slow_interval,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

type PushConfig struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token,omitempty"`
	// Timeout is a Go duration string for one provider round trip.
	Timeout string `json:"timeout,omitempty"`
}

type OrchestratorConfig struct {
	// RatePerSec bounds personalized per-recipient email fan-out.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// From overrides email.from for orchestrated sends.
	From string `json:"from,omitempty"`
}

// TemplateConfig holds the static text for one template key, per channel.
// Either channel section may be omitted.
type TemplateConfig struct {
	Email *EmailTemplate `json:"email,omitempty"`
	Push  *PushTemplate  `json:"push,omitempty"`
}

type EmailTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type PushTemplate struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Preview string `json:"preview,omitempty"`
}

// DirectoryConfig is a static user directory: user id to email address, plus
// named audiences expanding to user id lists.
type DirectoryConfig struct {
	Users     map[string]string   `json:"users,omitempty"`
	Audiences map[string][]string `json:"audiences,omitempty"`
}
