package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func seed(repo *memMutationRepo, kinds ...domain.Kind) {
	past := time.Now().UTC().Add(-time.Minute)
	for _, k := range kinds {
		_, _ = repo.Insert(context.Background(), domain.MutationRecord{Kind: k, CreatedAt: past, NextAttemptAt: past})
	}
}

func newTestWorker(repo *memMutationRepo, progress *memProgress, table *DispatchTable, log *zap.Logger) *Worker {
	return NewWorker(repo, progress, nil, table, newChanWake(), nil, log, WorkerConfig{PollInterval: 20 * time.Millisecond})
}

func TestDrainPassAppliesInInsertionOrder(t *testing.T) {
	repo := &memMutationRepo{}
	seed(repo, domain.KindFixAverages, domain.KindSeasonStart, domain.KindPromoteRegionToNational)
	var applied []int64
	w := newTestWorker(repo, &memProgress{}, allKindsTable(&applied), zap.NewNop())

	if err := w.DrainPass(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []int64{1, 2, 3}
	if len(applied) != len(want) {
		t.Fatalf("applied %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied %v, want %v", applied, want)
		}
	}
	for _, id := range want {
		if !repo.record(id).Applied {
			t.Fatalf("record %d not marked applied", id)
		}
	}
}

func TestDrainPassDoesNotReapply(t *testing.T) {
	repo := &memMutationRepo{}
	seed(repo, domain.KindFixAverages)
	var applied []int64
	w := newTestWorker(repo, &memProgress{}, allKindsTable(&applied), zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := w.DrainPass(context.Background()); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if len(applied) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(applied))
	}
}

func TestDrainPassRefetchesRecord(t *testing.T) {
	repo := &memMutationRepo{}
	seed(repo, domain.KindFixAverages, domain.KindFixAverages)
	// Record 2 gets resolved by an operator between the listing and its turn.
	repo.onGet = func(rec *domain.MutationRecord, _ int) {
		if rec.ID == 1 {
			r2 := repo.find(2)
			r2.Applied, r2.Status = true, domain.StatusResolved
		}
	}
	var applied []int64
	w := newTestWorker(repo, &memProgress{}, allKindsTable(&applied), zap.NewNop())

	if err := w.DrainPass(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(applied) != 1 || applied[0] != 1 {
		t.Fatalf("expected only record 1 applied, got %v", applied)
	}
}

// operatorClose resolves a record while its handler is still running.
type operatorClose struct {
	*stubHandler
	repo *memMutationRepo
	id   int64
}

func (h operatorClose) Offer(ctx context.Context, rec domain.MutationRecord) (bool, error) {
	claimed, err := h.stubHandler.Offer(ctx, rec)
	if rec.ID == h.id {
		h.repo.mu.Lock()
		r := h.repo.find(rec.ID)
		r.Applied, r.Status = true, domain.StatusResolved
		h.repo.mu.Unlock()
	}
	return claimed, err
}

func TestDrainPassToleratesRecordClosedDuringHandler(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	repo := &memMutationRepo{}
	seed(repo, domain.KindFixAverages, domain.KindFixAverages)
	var applied []int64
	h := operatorClose{
		stubHandler: &stubHandler{name: "averages", kinds: []domain.Kind{domain.KindFixAverages}, applied: &applied},
		repo:        repo,
		id:          1,
	}
	w := newTestWorker(repo, &memProgress{}, NewDispatchTable(log, h), log)

	if err := w.DrainPass(context.Background()); err != nil {
		t.Fatalf("drain must not abort, got %v", err)
	}
	if got := repo.record(1); got.Status != domain.StatusResolved {
		t.Fatalf("record 1 state overwritten: %+v", got)
	}
	if got := repo.record(2); !got.Applied || got.Status != domain.StatusApplied {
		t.Fatalf("record 2 not processed: %+v", got)
	}
	if m := w.Metrics(); m.AppliedTotal != 1 {
		t.Fatalf("applied total = %d, want 1", m.AppliedTotal)
	}
	if logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.Int64("id", 1)).Len() != 1 {
		t.Fatalf("expected one warning for record 1: %v", logs.All())
	}
}

func TestProgressMarkerNeverMovesBack(t *testing.T) {
	repo := &memMutationRepo{}
	progress := &memProgress{}
	var applied []int64
	w := newTestWorker(repo, progress, allKindsTable(&applied), zap.NewNop())
	ctx := context.Background()

	seed(repo, domain.KindSeasonStart, domain.KindFixAverages)
	if err := w.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := w.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	seed(repo, domain.KindCloseTeamFinal)
	if err := w.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(progress.advances) != 3 {
		t.Fatalf("expected an advance per pass, got %v", progress.advances)
	}
	for i := 1; i < len(progress.advances); i++ {
		if progress.advances[i] < progress.advances[i-1] {
			t.Fatalf("marker moved backwards: %v", progress.advances)
		}
	}
	if got := *progress.latest; got != 3 {
		t.Fatalf("marker = %d, want 3", got)
	}
}

func TestUnknownKindStaysUnappliedAndLogsID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	repo := &memMutationRepo{}
	seed(repo, domain.Kind(99), domain.KindFixAverages)
	var applied []int64
	w := newTestWorker(repo, &memProgress{}, NewDispatchTable(log, allKindsTable(&applied).Handlers()...), log)

	if err := w.DrainPass(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	rec := repo.record(1)
	if rec.Applied {
		t.Fatalf("unknown kind record marked applied")
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
	if !repo.record(2).Applied {
		t.Fatalf("record behind the unknown kind was not processed")
	}

	found := false
	for _, entry := range logs.FilterLevelExact(zapcore.ErrorLevel).All() {
		if id, ok := entry.ContextMap()["id"]; ok && id == int64(1) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no ERROR log referencing id 1: %v", logs.All())
	}
}

func TestHandlerFailureRetriesThenDeadLetters(t *testing.T) {
	repo := &memMutationRepo{}
	seed(repo, domain.KindFixAverages, domain.KindSeasonStart)
	var applied []int64
	failing := &stubHandler{name: "averages", kinds: []domain.Kind{domain.KindFixAverages}, applied: &applied,
		fail: map[int64]error{1: errors.New("ranking diverged")}}
	season := &stubHandler{name: "season", kinds: []domain.Kind{domain.KindSeasonStart}, applied: &applied}
	notifier := &recordingNotifier{}
	w := NewWorker(repo, &memProgress{}, nil, NewDispatchTable(zap.NewNop(), season, failing), newChanWake(), notifier,
		zap.NewNop(), WorkerConfig{MaxAttempts: 3})
	ctx := context.Background()

	if err := w.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	rec := repo.record(1)
	if rec.Attempts != 1 || rec.LastError == "" || !rec.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("failure not recorded: %+v", rec)
	}
	if !repo.record(2).Applied {
		t.Fatalf("record behind the failing one was not applied")
	}

	// Force the retries to be due.
	for i := 0; i < 2; i++ {
		repo.find(1).NextAttemptAt = time.Now().UTC().Add(-time.Second)
		if err := w.DrainPass(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
	rec = repo.record(1)
	if rec.Status != domain.StatusDead || rec.Applied {
		t.Fatalf("expected dead, unapplied record, got %+v", rec)
	}
	if m := w.Metrics(); m.FailedTotal != 3 || m.DeadTotal != 1 || m.AppliedTotal != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if len(notifier.subjects) == 0 {
		t.Fatalf("expected maintainer notifications")
	}

	// Dead records are skipped by later passes.
	repo.find(1).NextAttemptAt = time.Now().UTC().Add(-time.Second)
	if err := w.DrainPass(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := repo.record(1).Attempts; got != 3 {
		t.Fatalf("dead record retried, attempts = %d", got)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	repo := &memMutationRepo{}
	seed(repo, domain.KindFixAverages, domain.KindFixAverages)
	var applied []int64
	h := &stubHandler{name: "averages", kinds: []domain.Kind{domain.KindFixAverages}, applied: &applied,
		panicOn: map[int64]bool{1: true}}
	w := newTestWorker(repo, &memProgress{}, NewDispatchTable(zap.NewNop(), h), zap.NewNop())

	if err := w.DrainPass(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if repo.record(1).Applied || repo.record(1).Attempts != 1 {
		t.Fatalf("panicking record not recorded as failure: %+v", repo.record(1))
	}
	if !repo.record(2).Applied {
		t.Fatalf("second record not applied after panic")
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  4 * time.Second,
		3:  9 * time.Second,
		30: 5 * time.Minute,
	}
	for attempt, want := range cases {
		if got := backoffDuration(attempt); got != want {
			t.Errorf("backoffDuration(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRunInitResetsMarkerAndReconciles(t *testing.T) {
	repo := &memMutationRepo{}
	seed(repo, domain.KindSeasonStart)
	one := int64(1)
	progress := &memProgress{latest: &one}
	var applied []int64
	h := reconcilingHandler{&stubHandler{name: "season", kinds: []domain.Kind{domain.KindSeasonStart}, applied: &applied}}
	// Record 1 is below the remembered marker but was never applied.
	w := newTestWorker(repo, progress, NewDispatchTable(zap.NewNop(), h), zap.NewNop())

	if err := w.Run(context.Background(), time.Now().Add(1100*time.Millisecond)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if progress.resets != 1 {
		t.Fatalf("marker reset %d times, want 1", progress.resets)
	}
	if h.recon != 1 {
		t.Fatalf("reconcile ran %d times, want 1", h.recon)
	}
	if len(applied) != 1 {
		t.Fatalf("pending record not applied after restart: %v", applied)
	}
}

func TestRunIdleMaintenanceWhenNothingChanged(t *testing.T) {
	repo := &memMutationRepo{}
	var applied []int64
	h := &stubHandler{name: "season", kinds: []domain.Kind{domain.KindSeasonStart}, applied: &applied}
	w := newTestWorker(repo, &memProgress{}, NewDispatchTable(zap.NewNop(), h), zap.NewNop())

	if err := w.Run(context.Background(), time.Now().Add(1200*time.Millisecond)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.idle == 0 {
		t.Fatalf("idle maintenance never ran")
	}
}

func TestRunWakesOnPing(t *testing.T) {
	repo := &memMutationRepo{}
	var applied []int64
	wake := newChanWake()
	w := NewWorker(repo, &memProgress{}, nil, allKindsTable(&applied), wake, nil, zap.NewNop(),
		WorkerConfig{PollInterval: 5 * time.Second})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), time.Now().Add(1500*time.Millisecond)) }()

	time.Sleep(50 * time.Millisecond)
	seed(repo, domain.KindSeasonStart)
	wake.Ping(context.Background())

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("record inserted while waiting not applied: %v", applied)
	}
	if got := w.Metrics().Pings; got != 1 {
		t.Fatalf("pings = %d, want 1", got)
	}
}

func TestRunCancellationIsSilent(t *testing.T) {
	repo := &memMutationRepo{}
	var applied []int64
	w := NewWorker(repo, &memProgress{}, nil, allKindsTable(&applied), newChanWake(), nil, zap.NewNop(),
		WorkerConfig{PollInterval: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if err := w.Run(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("run did not stop promptly")
	}
}

func TestRunStorageFaultAborts(t *testing.T) {
	repo := &memMutationRepo{countErr: errors.New("disk I/O error")}
	var applied []int64
	w := newTestWorker(repo, &memProgress{}, allKindsTable(&applied), zap.NewNop())

	err := w.Run(context.Background(), time.Now().Add(time.Minute))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestRunRefusesHeldLease(t *testing.T) {
	leases := &memLeases{}
	if _, err := leases.Acquire(context.Background(), LeaseName, "other-host", time.Now().UTC(), time.Minute); err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	var applied []int64
	w := NewWorker(&memMutationRepo{}, &memProgress{}, leases, allKindsTable(&applied), newChanWake(), nil, zap.NewNop(),
		WorkerConfig{Owner: "me"})

	if err := w.Run(context.Background(), time.Now().Add(time.Minute)); !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
}

func TestRunReleasesLease(t *testing.T) {
	leases := &memLeases{}
	var applied []int64
	w := NewWorker(&memMutationRepo{}, &memProgress{}, leases, allKindsTable(&applied), newChanWake(), nil, zap.NewNop(),
		WorkerConfig{Owner: "me", PollInterval: 20 * time.Millisecond})

	if err := w.Run(context.Background(), time.Now().Add(1100*time.Millisecond)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if leases.owner != "" {
		t.Fatalf("lease still held by %q", leases.owner)
	}
}
