package config

import (
	"reflect"
	"sort"
	"strings"

	logx "salonnotify/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (SMTP password, API and push tokens)
// are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means the in-memory driver.
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.addr_set", strings.TrimSpace(newS.Addr) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.horizon", strings.TrimSpace(newCfg.Scheduler.Horizon)),
			logx.String("scheduler.fast_interval", strings.TrimSpace(newCfg.Scheduler.FastInterval)),
			logx.String("scheduler.slow_interval", strings.TrimSpace(newCfg.Scheduler.SlowInterval)),
		)
	}

	// API (never log token)
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	// Email (never log password)
	if oldCfg.Email != newCfg.Email {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.String("email.host", newCfg.Email.Host),
			logx.Int("email.port", newCfg.Email.Port),
			logx.String("email.from", newCfg.Email.From),
			logx.Bool("email.password_set", newCfg.Email.Password != ""),
		)
	}

	// Push (never log token)
	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.String("push.endpoint", newCfg.Push.Endpoint),
			logx.Bool("push.token_set", newCfg.Push.Token != ""),
			logx.String("push.timeout", strings.TrimSpace(newCfg.Push.Timeout)),
		)
	}

	oldO, newO := derefOrchestrator(oldCfg.Orchestrator), derefOrchestrator(newCfg.Orchestrator)
	if oldO != newO {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.Int("orchestrator.rate_per_sec", newO.RatePerSec),
			logx.Bool("orchestrator.from_set", strings.TrimSpace(newO.From) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.Int("templates.count", len(newCfg.Templates)))
	}

	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		changed = append(changed, "directory")
		attrs = append(attrs,
			logx.Int("directory.users", len(newCfg.Directory.Users)),
			logx.Int("directory.audiences", len(newCfg.Directory.Audiences)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefOrchestrator(o *OrchestratorConfig) OrchestratorConfig {
	if o == nil {
		return OrchestratorConfig{}
	}
	return *o
}
