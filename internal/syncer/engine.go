// Package syncer replays queued writes against the backend.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transsflow/fieldsync/internal/apperr"
	"github.com/transsflow/fieldsync/internal/storage"
)

// ErrDrainInProgress is returned by Drain when a pass is already running.
// The request is not lost: the running pass runs once more when it finishes.
var ErrDrainInProgress = errors.New("drain already in progress")

// Status is the engine's state machine.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// ActionStore is the subset of the durable queue the engine needs.
type ActionStore interface {
	ListPendingActions() ([]storage.QueuedAction, error)
	MarkActionSynced(id int64) error
	MarkActionFailed(id int64, f storage.Failure) error
	ClearSyncedActions() (int64, error)
	CountPendingActions() (int, error)
}

// Report summarizes one drain pass.
type Report struct {
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Remaining  int       `json:"remaining"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Option configures an Engine.
type Option func(*Engine)

func WithRetryPolicy(p RetryPolicy) Option { return func(e *Engine) { e.policy = p } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithNotifier registers fn to receive the report of every finished pass.
func WithNotifier(fn func(Report)) Option { return func(e *Engine) { e.notify = fn } }

// WithAutoClear controls whether synced rows are deleted at the end of a pass.
func WithAutoClear(on bool) Option { return func(e *Engine) { e.autoClear = on } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithOnline lets Trigger and the periodic loop skip work while offline.
func WithOnline(fn func() bool) Option { return func(e *Engine) { e.online = fn } }

// Engine owns the drain loop. At most one pass runs at a time.
type Engine struct {
	store     ActionStore
	sender    Sender
	policy    RetryPolicy
	now       func() time.Time
	notify    func(Report)
	autoClear bool
	online    func() bool
	logger    *slog.Logger

	mu       sync.Mutex
	status   Status
	running  bool
	deferred bool
	last     Report

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine in the idle state.
func NewEngine(store ActionStore, sender Sender, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		sender:    sender,
		policy:    DefaultRetryPolicy(),
		now:       time.Now,
		autoClear: true,
		logger:    slog.Default(),
		status:    StatusIdle,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notify == nil {
		e.notify = e.logReport
	}
	return e
}

// Drain runs one pass over the pending actions. If another pass is in
// flight it records a deferred request and returns ErrDrainInProgress
// without sending anything.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	e.mu.Lock()
	if e.running {
		e.deferred = true
		e.mu.Unlock()
		return Report{}, ErrDrainInProgress
	}
	e.running = true
	e.status = StatusSyncing
	e.mu.Unlock()

	for {
		rep, err := e.pass(ctx)

		e.mu.Lock()
		e.status = rep.Status
		e.last = rep
		again := e.deferred && err == nil && ctx.Err() == nil
		handoff := e.deferred && !again
		e.deferred = false
		if again {
			e.status = StatusSyncing
		} else {
			e.running = false
		}
		e.mu.Unlock()

		e.notify(rep)
		if !again {
			if handoff && e.ctx.Err() == nil {
				// A failed or cancelled pass still owes the deferred request one run.
				e.Trigger()
			}
			return rep, err
		}
		e.logger.Debug("running deferred drain pass")
	}
}

// Trigger requests a drain without blocking. It does nothing while offline
// and only records a deferral when a pass is already running.
func (e *Engine) Trigger() {
	if e.online != nil && !e.online() {
		e.logger.Debug("drain trigger ignored while offline")
		return
	}
	e.mu.Lock()
	if e.running {
		e.deferred = true
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Drain(e.ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			e.logger.Error("triggered drain failed", "error", err)
		}
	}()
}

// Run triggers a drain on every tick until ctx is cancelled. This is the
// periodic background sync.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Trigger()
		}
	}
}

// Close cancels triggered passes and waits for them to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) LastReport() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// PendingCount returns the number of actions not yet synced.
func (e *Engine) PendingCount() (int, error) {
	return e.store.CountPendingActions()
}

func (e *Engine) pass(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: e.now()}

	actions, err := e.store.ListPendingActions()
	if err != nil {
		rep.Status = StatusError
		rep.FinishedAt = e.now()
		return rep, fmt.Errorf("listing pending actions: %w", err)
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		if a.Terminal || e.policy.Exhausted(a.Attempts) {
			rep.Skipped++
			continue
		}
		if !a.NextAttemptAt.IsZero() && a.NextAttemptAt.After(e.now()) {
			rep.Skipped++
			continue
		}

		_, sendErr := e.sender.Send(ctx, Request{
			Endpoint:       a.Endpoint,
			Payload:        a.Payload,
			IdempotencyKey: a.IdempotencyKey,
		})
		if sendErr != nil && ctx.Err() != nil {
			// Cancelled mid-send: not the action's fault, leave it as it was.
			break
		}
		if sendErr == nil {
			if err := e.store.MarkActionSynced(a.ID); err != nil {
				e.logger.Error("recording synced action", "action_id", a.ID, "error", err)
				rep.Failed++
				continue
			}
			rep.Synced++
			continue
		}

		rep.Failed++
		f := e.failure(a, sendErr)
		e.logger.Warn("action send failed", "action_id", a.ID, "endpoint", a.Endpoint,
			"attempt", a.Attempts+1, "terminal", f.Terminal, "error", sendErr)
		if err := e.store.MarkActionFailed(a.ID, f); err != nil {
			e.logger.Error("recording failed action", "action_id", a.ID, "error", err)
		}
	}

	if e.autoClear && rep.Synced > 0 {
		if _, err := e.store.ClearSyncedActions(); err != nil {
			e.logger.Error("clearing synced actions", "error", err)
		}
	}

	remaining, err := e.store.CountPendingActions()
	if err != nil {
		e.logger.Error("counting pending actions", "error", err)
		remaining = len(actions) - rep.Synced
	}
	rep.Remaining = remaining
	rep.Status = StatusIdle
	if remaining > 0 {
		rep.Status = StatusError
	}
	rep.FinishedAt = e.now()
	return rep, nil
}

// failure classifies a send error. Rejections that retrying cannot fix
// become terminal; everything else is scheduled per the retry policy.
func (e *Engine) failure(a storage.QueuedAction, err error) storage.Failure {
	f := storage.Failure{Err: err.Error()}
	if !apperr.Retryable(err) {
		f.Terminal = true
		return f
	}
	attempts := a.Attempts + 1
	if !e.policy.Exhausted(attempts) {
		f.RetryAt = e.now().Add(e.policy.Backoff(attempts))
	}
	return f
}

func (e *Engine) logReport(rep Report) {
	if rep.Synced > 0 {
		e.logger.Info(fmt.Sprintf("Synced %d actions", rep.Synced), "failed", rep.Failed, "remaining", rep.Remaining)
		return
	}
	if rep.Failed > 0 {
		e.logger.Warn("drain pass finished with failures", "failed", rep.Failed, "remaining", rep.Remaining)
	}
}
