package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"salonnotify/internal/eventbus"
	"salonnotify/internal/storage"
	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubExecutor records execution order and returns a scripted result.
type stubExecutor struct {
	mu      sync.Mutex
	order   []string
	results map[string]task.Result
	panics  map[string]bool
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{results: map[string]task.Result{}, panics: map[string]bool{}}
}

func (e *stubExecutor) Execute(ctx context.Context, t *task.Task) task.Result {
	e.mu.Lock()
	e.order = append(e.order, t.ID)
	panics := e.panics[t.ID]
	res, ok := e.results[t.ID]
	e.mu.Unlock()
	if panics {
		panic("scripted panic")
	}
	if !ok {
		return task.Result{Success: true}
	}
	return res
}

func (e *stubExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func newTestService(t *testing.T, clk *fakeClock) (*Service, storage.Store, *stubExecutor) {
	t.Helper()
	st := storage.NewMemory()
	exec := newStubExecutor()
	svc, err := New(Config{}, st, exec, eventbus.New(), logx.Nop(), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, st, exec
}

func pushTask(at time.Time, prio task.Priority) *task.Task {
	return &task.Task{
		Type:      task.TypePush,
		Payload:   task.PushPayload{UserIDs: []string{"u1"}, Title: "Hi"},
		ExecuteAt: at,
		Priority:  prio,
	}
}

func TestScheduleRejectsPastExecuteAt(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, st, _ := newTestService(t, clk)

	_, err := svc.Schedule(context.Background(), pushTask(clk.Now().Add(-time.Second), task.PriorityNormal))
	if !errors.Is(err, ErrPastExecuteAt) {
		t.Fatalf("Schedule(past) = %v, want ErrPastExecuteAt", err)
	}
	_, err = svc.Schedule(context.Background(), pushTask(clk.Now(), task.PriorityNormal))
	if !errors.Is(err, ErrPastExecuteAt) {
		t.Fatalf("Schedule(now) = %v, want ErrPastExecuteAt", err)
	}

	// nothing persisted on rejection
	pend, err := st.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pend) != 0 {
		t.Fatalf("rejected task was persisted: %v", pend)
	}
}

func TestScheduleHorizonResidency(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	nearID, err := svc.Schedule(ctx, pushTask(clk.Now().Add(10*time.Minute), task.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule near: %v", err)
	}
	farID, err := svc.Schedule(ctx, pushTask(clk.Now().Add(90*time.Minute), task.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule far: %v", err)
	}

	if svc.cacheGet(nearID) == nil {
		t.Fatal("task due within the horizon should be cached")
	}
	if svc.cacheGet(farID) != nil {
		t.Fatal("task beyond the horizon must not be cached")
	}

	// 40 minutes later the far task is within the 1h window; the slow loop
	// admits it.
	clk.Advance(40 * time.Minute)
	svc.slowTick(ctx)
	if svc.cacheGet(farID) == nil {
		t.Fatal("task entering the horizon was not admitted")
	}
}

func TestFastTickExecutesByPriorityThenTime(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, exec := newTestService(t, clk)
	ctx := context.Background()

	low, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityLow))
	high, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(2*time.Minute), task.PriorityHigh))
	normal, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))

	// nothing due yet
	svc.fastTick(ctx)
	if got := exec.executed(); len(got) != 0 {
		t.Fatalf("executed before due: %v", got)
	}

	clk.Advance(3 * time.Minute)
	svc.fastTick(ctx)

	want := []string{high, normal, low}
	got := exec.executed()
	if len(got) != 3 {
		t.Fatalf("executed %d tasks, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}

	st, err := svc.GetStatus(ctx, high)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
}

func TestFailedResultMarksTaskFailed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, st, exec := newTestService(t, clk)
	ctx := context.Background()

	id, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	exec.results[id] = task.Result{Err: errors.New("provider down")}

	clk.Advance(2 * time.Minute)
	svc.fastTick(ctx)

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestHandlerPanicMarksTaskFailed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, exec := newTestService(t, clk)
	ctx := context.Background()

	id, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	exec.panics[id] = true

	clk.Advance(2 * time.Minute)
	svc.fastTick(ctx)

	st, err := svc.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st != task.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, exec := newTestService(t, clk)
	ctx := context.Background()

	id, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.Cancel(ctx, id); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("second Cancel = %v, want ErrNotCancellable", err)
	}

	// a cancelled task never executes
	clk.Advance(2 * time.Minute)
	svc.fastTick(ctx)
	if got := exec.executed(); len(got) != 0 {
		t.Fatalf("cancelled task executed: %v", got)
	}

	st, _ := svc.GetStatus(ctx, id)
	if st != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", st)
	}

	// completed tasks are not cancellable either
	done, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	clk.Advance(2 * time.Minute)
	svc.fastTick(ctx)
	if err := svc.Cancel(ctx, done); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel(completed) = %v, want ErrNotCancellable", err)
	}
}

// slowCancelStore stalls the durable cancelled write until released, so a
// test can interleave the fast loop with an in-flight Cancel.
type slowCancelStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowCancelStore) UpdateStatus(ctx context.Context, id string, st task.Status) error {
	if st == task.StatusCancelled {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.Store.UpdateStatus(ctx, id, st)
}

func TestCancelRacingExecutionNeverDoubleFires(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	st := &slowCancelStore{
		Store:   storage.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	exec := newStubExecutor()
	svc, err := New(Config{}, st, exec, eventbus.New(), logx.Nop(), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	id, err := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clk.Advance(2 * time.Minute)

	// Cancel claims the cached task, then stalls on the durable write.
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Cancel(ctx, id) }()
	<-st.entered

	// The fast loop runs while the cancel is mid-flight: the task must not
	// execute, because the cancel already won the claim.
	svc.fastTick(ctx)
	if got := exec.executed(); len(got) != 0 {
		t.Fatalf("task executed during an in-flight cancel: %v", got)
	}

	close(st.release)
	if err := <-errCh; err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := st.Store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("store status = %s, want cancelled", got.Status)
	}
}

func TestRescheduleWinsOverScannedBatch(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, exec := newTestService(t, clk)
	ctx := context.Background()

	id, err := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clk.Advance(2 * time.Minute)

	// Emulate a reschedule landing between the fast loop's scan and the
	// dispatch: the due-time re-check under the cache lock must skip it.
	if err := svc.Reschedule(ctx, id, clk.Now().Add(30*time.Minute)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	svc.execOne(ctx, svc.cacheGet(id))
	if got := exec.executed(); len(got) != 0 {
		t.Fatalf("task executed despite a future execute-at: %v", got)
	}

	st, err := svc.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st != task.StatusPending {
		t.Fatalf("status = %s, want pending", st)
	}
}

func TestRescheduleOnlyWhilePending(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	id, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(10*time.Minute), task.PriorityNormal))

	if err := svc.Reschedule(ctx, id, clk.Now().Add(-time.Minute)); !errors.Is(err, ErrPastExecuteAt) {
		t.Fatalf("Reschedule(past) = %v, want ErrPastExecuteAt", err)
	}

	// push it beyond the horizon; cache residency follows
	if err := svc.Reschedule(ctx, id, clk.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if svc.cacheGet(id) != nil {
		t.Fatal("rescheduled-out task still cached")
	}
	got, err := svc.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.ExecuteAt.Equal(clk.Now().Add(2 * time.Hour)) {
		t.Fatalf("ExecuteAt = %v", got.ExecuteAt)
	}

	// and back in
	if err := svc.Reschedule(ctx, id, clk.Now().Add(5*time.Minute)); err != nil {
		t.Fatalf("Reschedule back: %v", err)
	}
	if svc.cacheGet(id) == nil {
		t.Fatal("rescheduled-in task not cached")
	}

	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.Reschedule(ctx, id, clk.Now().Add(time.Hour)); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Reschedule(cancelled) = %v, want ErrNotPending", err)
	}
}

func TestSlowTickEvictsTerminalTasks(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clk)
	ctx := context.Background()

	id, _ := svc.Schedule(ctx, pushTask(clk.Now().Add(time.Minute), task.PriorityNormal))
	clk.Advance(2 * time.Minute)
	svc.fastTick(ctx)

	if svc.cacheGet(id) == nil {
		t.Fatal("executed task evicted before reconciliation")
	}
	svc.slowTick(ctx)
	if svc.cacheGet(id) != nil {
		t.Fatal("terminal task still cached after reconciliation")
	}
}

func TestStartReloadsPendingWork(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	st := storage.NewMemory()
	ctx := context.Background()

	// first instance schedules and goes away
	first, _ := New(Config{}, st, newStubExecutor(), eventbus.New(), logx.Nop(), WithClock(clk.Now))
	id, err := first.Schedule(ctx, pushTask(clk.Now().Add(10*time.Minute), task.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// second instance over the same store picks the task up at start
	second, _ := New(Config{}, st, newStubExecutor(), eventbus.New(), logx.Nop(), WithClock(clk.Now))
	second.Start(ctx)
	defer second.Stop(ctx)

	if second.cacheGet(id) == nil {
		t.Fatal("pending task not re-admitted at start")
	}
}

func TestRecurringTaskSchedulesNextOccurrence(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, st, _ := newTestService(t, clk)
	ctx := context.Background()

	tk := pushTask(clk.Now().Add(time.Minute), task.PriorityNormal)
	tk.Meta = map[string]string{task.MetaRecur: "@every 1h"}
	id, err := svc.Schedule(ctx, tk)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clk.Advance(2 * time.Minute)
	svc.fastTick(ctx)

	pend, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pend) != 1 {
		t.Fatalf("pending after recurrence = %d, want 1", len(pend))
	}
	next := pend[0]
	if next.ID == id {
		t.Fatal("next occurrence reused the old id")
	}
	if !next.ExecuteAt.After(clk.Now()) {
		t.Fatalf("next occurrence not in the future: %v", next.ExecuteAt)
	}
	if next.RecurSpec() != "@every 1h" {
		t.Fatalf("recurrence spec not carried: %q", next.RecurSpec())
	}
}

func TestScheduleRejectsBadRecurSpec(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clk)

	tk := pushTask(clk.Now().Add(time.Minute), task.PriorityNormal)
	tk.Meta = map[string]string{task.MetaRecur: "every hour on the hour"}
	if _, err := svc.Schedule(context.Background(), tk); !errors.Is(err, ErrBadRecurSpec) {
		t.Fatalf("Schedule = %v, want ErrBadRecurSpec", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	bad := Config{Horizon: time.Hour, SlowInterval: 2 * time.Hour, FastInterval: time.Second}
	if err := bad.Validate(); err == nil {
		t.Fatal("slow interval above horizon accepted")
	}
	bad = Config{Horizon: time.Hour, SlowInterval: 10 * time.Minute, FastInterval: 20 * time.Minute}
	if err := bad.Validate(); err == nil {
		t.Fatal("fast interval above slow interval accepted")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("zero config rejected: %v", err)
	}
}
