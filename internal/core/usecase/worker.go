package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
	"github.com/atvirokodosprendimai/compmut/internal/metrics"
	"go.uber.org/zap"
)

// LeaseName is the advisory lock every worker process competes for.
const LeaseName = "competition-mutations"

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxAttempts  = 5
	DefaultLeaseTTL     = 30 * time.Second
	minRemaining        = time.Second
)

type WorkerConfig struct {
	// PollInterval bounds a wait on the wake channel.
	PollInterval time.Duration
	// MaxAttempts failed invocations move a record to the dead state.
	MaxAttempts int
	LeaseTTL    time.Duration
	// Owner identifies this process in the lease row.
	Owner string
}

// Worker is the only applier of mutations. It is single-threaded: Run must
// not be called concurrently on one Worker, and the lease keeps a second
// process out.
type Worker struct {
	repo     ports.MutationRepository
	progress ports.ProgressRepository
	leases   ports.LeaseRepository
	table    *DispatchTable
	wake     ports.WakeWaiter
	notifier ports.Notifier
	log      *zap.Logger
	cfg      WorkerConfig

	now func() time.Time

	seenCount      int64
	leaseRenewedAt time.Time

	pings        atomic.Int64
	appliedTotal atomic.Int64
	failedTotal  atomic.Int64
	deadTotal    atomic.Int64
}

type WorkerMetrics struct {
	Pings        int64
	AppliedTotal int64
	FailedTotal  int64
	DeadTotal    int64
}

// NewWorker wires a worker. leases and notifier may be nil.
func NewWorker(
	repo ports.MutationRepository,
	progress ports.ProgressRepository,
	leases ports.LeaseRepository,
	table *DispatchTable,
	wake ports.WakeWaiter,
	notifier ports.Notifier,
	log *zap.Logger,
	cfg WorkerConfig,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Worker{
		repo:      repo,
		progress:  progress,
		leases:    leases,
		table:     table,
		wake:      wake,
		notifier:  notifier,
		log:       log,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		seenCount: -1,
	}
}

// Run processes mutations until stopAt. Cancellation of ctx is a clean stop
// and returns nil. Storage faults are returned wrapped in ErrStorage.
func (w *Worker) Run(ctx context.Context, stopAt time.Time) error {
	w.log.Info("task runs until", zap.Time("stop_at", stopAt))

	err := w.run(ctx, stopAt)
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		err = nil
	case errors.Is(err, ErrStorage):
		w.log.Error("unexpected database error", zap.Error(err), zap.StackSkip("stacktrace", 1))
	default:
		w.log.Error("worker stopped", zap.Error(err))
	}

	w.log.Debug("pings received", zap.Int64("count", w.pings.Load()))
	return err
}

func (w *Worker) run(ctx context.Context, stopAt time.Time) error {
	if w.leases != nil {
		now := w.now()
		if _, err := w.leases.Acquire(ctx, LeaseName, w.cfg.Owner, now, w.cfg.LeaseTTL); err != nil {
			if errors.Is(err, domain.ErrLeaseHeld) {
				return err
			}
			return storage("acquire lease", err)
		}
		w.leaseRenewedAt = now
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := w.leases.Release(releaseCtx, LeaseName, w.cfg.Owner); err != nil {
				w.log.Warn("release lease", zap.Error(err))
			}
		}()
	}

	// An unclean stop may have left records behind the marker.
	if err := w.progress.Reset(ctx); err != nil {
		return storage("reset progress marker", err)
	}
	w.seenCount = -1

	if err := w.table.Reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.unexpected(ctx, "startup reconciliation failed", err)
	}

	return w.monitor(ctx, stopAt)
}

func (w *Worker) monitor(ctx context.Context, stopAt time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := w.now()
		if err := w.renewLease(ctx, now); err != nil {
			return err
		}

		count, err := w.repo.Count(ctx)
		if err != nil {
			return storage("count mutations", err)
		}
		retryDue, err := w.retryDue(ctx, now)
		if err != nil {
			return err
		}

		if count != w.seenCount || retryDue {
			w.seenCount = count
			if err := w.DrainPass(ctx); err != nil {
				return err
			}
		} else if err := w.table.IdleMaintenance(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.unexpected(ctx, "idle maintenance failed", err)
		}

		remaining := stopAt.Sub(w.now())
		if remaining <= minRemaining {
			return nil
		}
		if w.wake.WaitForPing(ctx, min(w.cfg.PollInterval, remaining)) {
			w.pings.Add(1)
			metrics.WakePings.Inc()
		}
	}
}

// DrainPass processes every retryable record up to the latest id, oldest
// first. The marker is advanced before the first record so that a record
// inserted meanwhile is seen by the next pass.
func (w *Worker) DrainPass(ctx context.Context) error {
	begin := w.now()

	latest, ok, err := w.repo.LatestID(ctx)
	if err != nil {
		return storage("latest mutation id", err)
	}
	if !ok {
		return nil
	}
	if _, err := w.progress.Advance(ctx, latest); err != nil {
		return storage("advance progress marker", err)
	}

	ids, err := w.repo.PendingIDs(ctx, latest, begin)
	if err != nil {
		return storage("pending mutations", err)
	}

	var applied int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Re-read: the producer side may have touched related rows since
		// the listing.
		rec, err := w.repo.Get(ctx, id)
		if err != nil {
			return storage(fmt.Sprintf("get mutation %d", id), err)
		}
		if !rec.Retryable() {
			continue
		}
		ok, err := w.process(ctx, rec)
		if err != nil {
			return err
		}
		if ok {
			applied++
		}
	}

	elapsed := w.now().Sub(begin)
	metrics.DrainPasses.Inc()
	metrics.DrainDuration.Observe(elapsed.Seconds())
	if applied > 0 {
		w.log.Info("mutations applied", zap.Int("count", applied), zap.Int64("latest", latest), zap.Duration("took", elapsed))
	}
	return nil
}

// process returns an error only for storage faults and cancellation.
func (w *Worker) process(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	w.log.Debug("processing mutation", zap.Int64("id", rec.ID), zap.Stringer("kind", rec.Kind))

	outcome, dispatchErr := w.table.Dispatch(ctx, rec)
	if dispatchErr == nil {
		if err := w.repo.MarkApplied(ctx, rec.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Closed by an operator while the handler ran.
				w.log.Warn("mutation already closed, keeping its state", zap.Int64("id", rec.ID), zap.Stringer("kind", rec.Kind))
				return false, nil
			}
			return false, storage(fmt.Sprintf("mark mutation %d applied", rec.ID), err)
		}
		w.appliedTotal.Add(1)
		metrics.MutationsProcessed.WithLabelValues(rec.Kind.String(), OutcomeApplied.String()).Inc()
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, w.recordFailure(ctx, rec, outcome, dispatchErr)
}

func (w *Worker) recordFailure(ctx context.Context, rec domain.MutationRecord, outcome Outcome, cause error) error {
	attempts := rec.Attempts + 1
	msg := cause.Error()
	w.failedTotal.Add(1)
	metrics.MutationsProcessed.WithLabelValues(rec.Kind.String(), outcome.String()).Inc()

	fields := []zap.Field{
		zap.Int64("id", rec.ID),
		zap.Stringer("kind", rec.Kind),
		zap.Int("attempt", attempts),
		zap.Error(cause),
	}
	var panicErr *PanicError
	if errors.As(cause, &panicErr) {
		fields = append(fields, zap.ByteString("stacktrace", panicErr.Stack))
	}
	if outcome == OutcomeFailed {
		w.log.Error("mutation failed", fields...)
		w.notify(ctx, fmt.Sprintf("mutation %s failed: %s", rec.Kind, msg),
			fmt.Sprintf("record %d attempt %d of %d\n\n%s", rec.ID, attempts, w.cfg.MaxAttempts, detail(cause)))
	}

	if attempts >= w.cfg.MaxAttempts {
		if err := w.repo.MarkDead(ctx, rec.ID, attempts, msg); err != nil {
			return storage(fmt.Sprintf("mark mutation %d dead", rec.ID), err)
		}
		w.deadTotal.Add(1)
		metrics.MutationsProcessed.WithLabelValues(rec.Kind.String(), "dead").Inc()
		w.log.Error("mutation moved to dead letters", fields[:3]...)
		w.notify(ctx, fmt.Sprintf("mutation %d dead after %d attempts", rec.ID, attempts), msg)
		return nil
	}

	next := w.now().Add(backoffDuration(attempts))
	if err := w.repo.MarkFailed(ctx, rec.ID, attempts, next, msg); err != nil {
		return storage(fmt.Sprintf("mark mutation %d failed", rec.ID), err)
	}
	return nil
}

func (w *Worker) retryDue(ctx context.Context, now time.Time) (bool, error) {
	at, ok, err := w.repo.NextRetryAt(ctx)
	if err != nil {
		return false, storage("next retry", err)
	}
	return ok && !at.After(now), nil
}

func (w *Worker) renewLease(ctx context.Context, now time.Time) error {
	if w.leases == nil || now.Sub(w.leaseRenewedAt) < w.cfg.LeaseTTL/3 {
		return nil
	}
	if _, err := w.leases.Renew(ctx, LeaseName, w.cfg.Owner, now, w.cfg.LeaseTTL); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return err
		}
		return storage("renew lease", err)
	}
	w.leaseRenewedAt = now
	return nil
}

// unexpected logs a failure outside of any record and tells the maintainers.
func (w *Worker) unexpected(ctx context.Context, msg string, err error) {
	w.log.Error(msg, zap.Error(err))
	w.notify(ctx, msg+": "+err.Error(), detail(err))
}

func (w *Worker) notify(ctx context.Context, subject, body string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyInternalError(ctx, subject, body); err != nil {
		w.log.Warn("maintainer notification failed", zap.Error(err))
	}
}

func (w *Worker) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Pings:        w.pings.Load(),
		AppliedTotal: w.appliedTotal.Load(),
		FailedTotal:  w.failedTotal.Load(),
		DeadTotal:    w.deadTotal.Load(),
	}
}

func detail(err error) string {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return err.Error() + "\n\n" + string(panicErr.Stack)
	}
	return err.Error()
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
