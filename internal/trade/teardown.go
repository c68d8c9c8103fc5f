package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"strandmarkt/internal/metrics"
)

const (
	DefaultCompletedTeardown = 5 * time.Minute
	DefaultCancelledTeardown = 30 * time.Second

	teardownRunTimeout = 30 * time.Second
)

type TeardownConfig struct {
	CompletedDelay time.Duration
	CancelledDelay time.Duration
	Workers        int
	// RetryBackoff is the initial delay between destroy attempts.
	RetryBackoff time.Duration
	MaxRetries   int
}

type armedTeardown struct {
	token uuid.UUID
	timer *time.Timer
	due   time.Time
}

// Teardown destroys the private channel of a terminal session after a grace
// period and removes the session record. It is the only place that knows the
// delays. Timers are an in-memory cache; Engine.Sweep re-arms them from the
// store after a restart.
type Teardown struct {
	store   Store
	spaces  Spaces
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     TeardownConfig
	pool    *pond.WorkerPool
	retry   retrypolicy.RetryPolicy[any]
	now     func() time.Time

	mu      sync.Mutex
	armed   map[int64]armedTeardown
	running map[int64]struct{}
	stopped bool
}

func NewTeardown(cfg TeardownConfig, store Store, spaces Spaces, logger *slog.Logger, m *metrics.Metrics) *Teardown {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompletedDelay <= 0 {
		cfg.CompletedDelay = DefaultCompletedTeardown
	}
	if cfg.CancelledDelay <= 0 {
		cfg.CancelledDelay = DefaultCancelledTeardown
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	log := logger.With("component", "teardown")
	return &Teardown{
		store:   store,
		spaces:  spaces,
		log:     log,
		metrics: m,
		cfg:     cfg,
		pool: pond.New(cfg.Workers, 256,
			pond.MinWorkers(1),
			pond.PanicHandler(func(p interface{}) {
				log.Error("teardown worker panic", "panic", p)
			}),
		),
		retry: retrypolicy.NewBuilder[any]().
			WithBackoff(cfg.RetryBackoff, 8*cfg.RetryBackoff).
			WithMaxRetries(cfg.MaxRetries).
			Build(),
		now:     time.Now,
		armed:   make(map[int64]armedTeardown),
		running: make(map[int64]struct{}),
	}
}

// Delay returns the grace period for a terminal status.
func (t *Teardown) Delay(status SessionStatus) time.Duration {
	if status == SessionCompleted {
		return t.cfg.CompletedDelay
	}
	return t.cfg.CancelledDelay
}

// Schedule arms the teardown of s with the full delay for its status,
// replacing any timer armed earlier for the same session.
func (t *Teardown) Schedule(s TradeSession) time.Duration {
	d := t.Delay(s.Status)
	t.arm(s.ID, d, true)
	return d
}

// Rearm arms a timer for a terminal session unless one is already armed or
// running. The delay is measured from the session's close time so restarts do
// not extend the grace period.
func (t *Teardown) Rearm(s TradeSession) bool {
	d := t.Delay(s.Status)
	if s.ClosedAt != nil {
		d -= t.now().Sub(*s.ClosedAt)
	}
	if d < 0 {
		d = 0
	}
	return t.arm(s.ID, d, false)
}

func (t *Teardown) arm(id int64, d time.Duration, replace bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if prev, ok := t.armed[id]; ok {
		if !replace {
			return false
		}
		prev.timer.Stop()
	}
	if _, ok := t.running[id]; ok && !replace {
		return false
	}
	token := uuid.New()
	t.armed[id] = armedTeardown{
		token: token,
		due:   t.now().Add(d),
		timer: time.AfterFunc(d, func() { t.fire(id, token) }),
	}
	t.metrics.PendingTeardowns(len(t.armed))
	return true
}

// Cancel disarms the timer of a session. It reports whether one was armed.
func (t *Teardown) Cancel(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.armed[id]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(t.armed, id)
	t.metrics.PendingTeardowns(len(t.armed))
	return true
}

// Pending returns the number of armed timers.
func (t *Teardown) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}

// Due reports when the teardown of a session fires, if armed.
func (t *Teardown) Due(id int64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.armed[id]
	return a.due, ok
}

// Stop disarms all timers and waits for running teardowns to finish.
func (t *Teardown) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for id, a := range t.armed {
		a.timer.Stop()
		delete(t.armed, id)
	}
	t.mu.Unlock()
	t.pool.StopAndWait()
}

func (t *Teardown) fire(id int64, token uuid.UUID) {
	t.mu.Lock()
	a, ok := t.armed[id]
	if !ok || a.token != token || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.armed, id)
	t.metrics.PendingTeardowns(len(t.armed))

	// Submitted under t.mu: Stop marks the scheduler stopped under the same
	// lock before it stops the pool, so the pool is still open here.
	submitted := t.pool.TrySubmit(func() {
		defer func() {
			t.mu.Lock()
			delete(t.running, id)
			t.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), teardownRunTimeout)
		defer cancel()
		if err := t.Run(ctx, id); err != nil {
			t.log.Error("teardown failed", "session_id", id, "err", err)
		}
	})
	if submitted {
		t.running[id] = struct{}{}
	} else {
		// The session stays persisted; the next sweep re-arms it.
		t.metrics.Teardown("failed")
		t.log.Warn("teardown queue full", "session_id", id)
	}
	t.mu.Unlock()
}

// Run tears a session down immediately. Running it for a session that is
// already gone is a no-op.
func (t *Teardown) Run(ctx context.Context, id int64) error {
	s, err := t.store.Session(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		t.metrics.Teardown("skipped")
		return nil
	}
	if err != nil {
		t.metrics.Teardown("failed")
		return fmt.Errorf("load session: %w", err)
	}
	if !s.Status.Terminal() {
		t.log.Warn("tearing down open session", "session_id", id, "status", s.Status)
	}
	if s.ChannelRef != "" {
		err := failsafe.With[any](t.retry).WithContext(ctx).Run(func() error {
			return t.spaces.Destroy(ctx, s.ChannelRef)
		})
		if err != nil {
			t.metrics.Teardown("failed")
			return fmt.Errorf("destroy channel %s: %w", s.ChannelRef, err)
		}
	}
	if err := t.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		t.metrics.Teardown("failed")
		return fmt.Errorf("delete session: %w", err)
	}
	t.metrics.Teardown("ok")
	t.log.Info("trade channel removed", "session_id", id, "channel", s.ChannelRef, "status", s.Status)
	return nil
}
