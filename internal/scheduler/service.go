package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"salonnotify/internal/eventbus"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// Service owns the task lifecycle: the public schedule/cancel/reschedule API,
// the bounded in-memory cache of near-term tasks, and the two timing loops
// that drive execution and cache reconciliation.
type Service struct {
	cfg   Config
	store storage.Store
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	parser cron.Parser

	// cache holds pending/processing tasks due within the horizon.
	cmu   sync.Mutex
	cache map[string]*task.Task

	// lifecycle: stopCh is non-nil while running, stopDone while stopping.
	mu       sync.Mutex
	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, store storage.Store, exec Executor, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		exec:  exec,
		bus:   bus,
		log:   log,
		now:   time.Now,
		// Standard 5-field cron specs plus @every/@daily descriptors.
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cache:  map[string]*task.Task{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs one reconciliation pass synchronously (re-admitting tasks due
// soon after a restart), then launches the fast and slow loops.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	// Restart safety: reload the near-term window before the first fast tick.
	s.slowTick(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh, s.cfg.FastInterval, s.fastTick)
	}()
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh, s.cfg.SlowInterval, s.slowTick)
	}()

	s.log.Info("scheduler started",
		logx.Duration("horizon", s.cfg.Horizon),
		logx.Duration("fast_interval", s.cfg.FastInterval),
		logx.Duration("slow_interval", s.cfg.SlowInterval))
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, every time.Duration, tick func(context.Context)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// Stop signals both loops and waits for the in-flight tick (if any) to
// finish, or until ctx expires. An executing handler is not interrupted;
// cancellation is cooperative.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Snapshot returns diagnostics for the status surface.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	s.cmu.Lock()
	size := len(s.cache)
	s.cmu.Unlock()
	return Snapshot{
		Running:      running,
		CacheSize:    size,
		Horizon:      s.cfg.Horizon,
		FastInterval: s.cfg.FastInterval,
		SlowInterval: s.cfg.SlowInterval,
	}
}

// ---- cache helpers ----

func (s *Service) cacheGet(id string) *task.Task {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.cache[id]
}

func (s *Service) cachePut(t *task.Task) {
	s.cmu.Lock()
	s.cache[t.ID] = t
	s.cmu.Unlock()
}

func (s *Service) withinHorizon(at time.Time) bool {
	return !at.After(s.now().Add(s.cfg.Horizon))
}
