// Package controlloop drives the daemon's lifecycle: preflight checks
// against every backend, draining the decision feed into the ledger, and
// periodically fanning the current decision set out to every backend's
// Apply. Grounded on internal/bouncer/bouncer.go's Run/Shutdown/wg
// sync.WaitGroup/context.CancelFunc lifecycle and
// internal/bouncer/decisions.go's startProcessingDecisions drain loop,
// generalized from "apply to one in-process store" to "apply to N
// backends"; original_source/app/decision_handler.py's main() supplies the
// tick timing (hydration sleep, dry-run short-circuit before the loop,
// per-tick recovery sleep on error).
package controlloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/feed"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PreflightError wraps the first backend precheck failure encountered at
// startup. It is always fatal: the caller should log it and exit non-zero.
type PreflightError struct {
	Backend string
	Err     error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("controlloop: preflight failed for backend %q: %s", e.Backend, e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// Config holds ControlLoop tuning knobs. HydrationWait, TickInterval, and
// RecoverySleep mirror decision_handler.py's main(): a fixed sleep after
// starting the feed so the first tick sees a hydrated ledger, the interval
// between ticks, and the extra sleep applied after a tick that errored.
type Config struct {
	HydrationWait time.Duration
	TickInterval  time.Duration
	RecoverySleep time.Duration
	DryRun        bool
}

// DefaultConfig returns the timings decision_handler.py's main() uses.
func DefaultConfig() Config {
	return Config{
		HydrationWait: 3 * time.Second,
		TickInterval:  10 * time.Second,
		RecoverySleep: 30 * time.Second,
	}
}

// decisionFeed is the slice of *feed.Feed the control loop depends on,
// narrowed to an interface so tests can drive the loop without a real
// CrowdSec Local API connection.
type decisionFeed interface {
	Run(ctx context.Context)
	Updates() <-chan feed.Update
}

// ControlLoop owns the ledger and drives the feed-drain and backend-apply
// goroutines. It is not safe for concurrent use of Run/Shutdown from
// multiple goroutines.
type ControlLoop struct {
	cfg      Config
	feed     decisionFeed
	ledger   *ledger.Ledger
	backends []backend.Backend
	logger   *zap.Logger
	metrics  *metrics.Collector

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
	stopped       bool
	startedAt     time.Time
	mu            sync.Mutex
	decisionCount atomic.Int64

	// changeSeq is bumped by drainUpdates every time a non-empty Update is
	// applied to the ledger. tick (run only from Run's single goroutine)
	// compares it against lastTickedSeq to skip the backend fan-out when
	// nothing changed since the previous tick.
	changeSeq     atomic.Int64
	tickedOnce    bool
	lastTickedSeq int64
}

// Info is a snapshot of the loop's runtime state, for internal/adminsrv's
// /info endpoint.
type Info struct {
	Backends      []string
	DecisionCount int
	Uptime        time.Duration
	DryRun        bool
}

// Info returns a snapshot of the loop's current state. Safe to call
// concurrently with Run.
func (cl *ControlLoop) Info() Info {
	cl.mu.Lock()
	startedAt := cl.startedAt
	cl.mu.Unlock()

	names := make([]string, len(cl.backends))
	for i, b := range cl.backends {
		names[i] = b.Name()
	}

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	return Info{
		Backends:      names,
		DecisionCount: int(cl.decisionCount.Load()),
		Uptime:        uptime,
		DryRun:        cl.cfg.DryRun,
	}
}

// New returns a ControlLoop that fans decisions out to backends.
func New(cfg Config, f *feed.Feed, backends []backend.Backend, logger *zap.Logger, collector *metrics.Collector) *ControlLoop {
	return newControlLoop(cfg, f, backends, logger, collector)
}

func newControlLoop(cfg Config, f decisionFeed, backends []backend.Backend, logger *zap.Logger, collector *metrics.Collector) *ControlLoop {
	return &ControlLoop{
		cfg:      cfg,
		feed:     f,
		ledger:   ledger.New(),
		backends: backends,
		logger:   logger,
		metrics:  collector,
	}
}

// Preflight calls Precheck on every backend concurrently and returns the
// first failure (in backend order) wrapped as a *PreflightError. All
// backends are checked even after one fails, but only that first failure is
// returned; later failures are not reported.
func (cl *ControlLoop) Preflight(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(cl.backends))

	for i, b := range cl.backends {
		i, b := i, b
		g.Go(func() error {
			if err := b.Precheck(ctx); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return &PreflightError{Backend: cl.backends[i].Name(), Err: err}
		}
	}
	return nil
}

// Run blocks until ctx is canceled or Shutdown is called. It starts the
// feed, waits HydrationWait for the ledger to fill, and then (unless
// DryRun) ticks every TickInterval, fanning the current decision set out to
// every backend. A tick that sees any backend error sleeps an extra
// RecoverySleep before the next tick, matching decision_handler.py's
// except-then-sleep(30) behavior.
func (cl *ControlLoop) Run(ctx context.Context) error {
	cl.mu.Lock()
	if cl.started {
		cl.mu.Unlock()
		return nil
	}
	cl.started = true
	cl.startedAt = time.Now()
	cl.ctx, cl.cancel = context.WithCancel(ctx)
	cl.mu.Unlock()

	cl.feed.Run(cl.ctx)

	cl.wg.Add(1)
	go cl.drainUpdates()

	cl.logger.Info("waiting for initial decision hydration", zap.Duration("wait", cl.cfg.HydrationWait))
	if cl.sleepOrDone(cl.cfg.HydrationWait) {
		return nil
	}

	if cl.cfg.DryRun {
		cl.logger.Info("dry run: preflight and hydration only, exiting before first tick")
		return nil
	}

	cl.logger.Info("control loop running", zap.Int("backends", len(cl.backends)))

	for {
		if cl.sleepOrDone(cl.cfg.TickInterval) {
			return nil
		}

		if err := cl.tick(); err != nil {
			cl.logger.Error("tick failed for one or more backends", zap.Error(err))
			if cl.sleepOrDone(cl.cfg.RecoverySleep) {
				return nil
			}
		}
	}
}

// Shutdown cancels the running loop and waits for its goroutines to exit.
// Safe to call after the loop's context was already canceled externally
// (e.g. Run was driven by a context that a signal handler canceled) as well
// as after an explicit Shutdown call; only the first call waits.
func (cl *ControlLoop) Shutdown() {
	cl.mu.Lock()
	if !cl.started || cl.stopped {
		cl.mu.Unlock()
		return
	}
	cl.stopped = true
	cl.cancel()
	cl.mu.Unlock()

	cl.wg.Wait()
}

func (cl *ControlLoop) drainUpdates() {
	defer cl.wg.Done()
	for {
		select {
		case <-cl.ctx.Done():
			return
		case upd, ok := <-cl.feed.Updates():
			if !ok {
				return
			}
			cl.mu.Lock()
			_ = cl.ledger.ApplyDeletions(upd.Deleted)
			_ = cl.ledger.ApplyAdditions(upd.Added)
			cl.decisionCount.Store(int64(cl.ledger.Len()))
			cl.mu.Unlock()
			if len(upd.Added) > 0 || len(upd.Deleted) > 0 {
				cl.changeSeq.Add(1)
			}
		}
	}
}

// tick snapshots the ledger and fans it out to every backend concurrently,
// skipping the fan-out entirely when the ledger hasn't changed since the
// previous tick. Each backend's Apply is isolated: one backend's error is
// logged and counted but never stops the others from running this tick,
// matching spec's "failing backend never stops the others".
func (cl *ControlLoop) tick() error {
	seq := cl.changeSeq.Load()
	if cl.tickedOnce && seq == cl.lastTickedSeq {
		cl.logger.Debug("ledger unchanged since last tick, skipping backend fan-out")
		return nil
	}
	cl.tickedOnce = true
	cl.lastTickedSeq = seq

	start := time.Now()
	cl.mu.Lock()
	decisions := cl.ledger.Decisions()
	cl.mu.Unlock()

	var g errgroup.Group
	for _, b := range cl.backends {
		b := b
		g.Go(func() error {
			applied, err := b.Apply(cl.ctx, decisions)
			if err != nil {
				cl.metrics.BackendErrors.WithLabelValues(b.Name()).Inc()
				cl.logger.Error("backend apply failed",
					zap.String("backend", b.Name()), zap.Error(err))
				return err
			}
			if applied {
				cl.metrics.BackendApplies.WithLabelValues(b.Name()).Inc()
			}
			return nil
		})
	}
	err := g.Wait()

	cl.metrics.TickDuration.Observe(time.Since(start).Seconds())
	cl.metrics.DecisionsApplied.Add(float64(len(decisions)))

	return err
}

// sleepOrDone waits for d or the loop's context, whichever comes first. It
// returns true if the context was canceled first, signaling Run should
// return without further work.
func (cl *ControlLoop) sleepOrDone(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-cl.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
