package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
)

type memMutationRepo struct {
	mu      sync.Mutex
	records []domain.MutationRecord

	countErr  error
	getCalls  int
	onGet     func(rec *domain.MutationRecord, call int)
	appliedAt []int64
}

func (r *memMutationRepo) Insert(_ context.Context, rec domain.MutationRecord) (domain.MutationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = int64(len(r.records) + 1)
	if rec.Status == "" {
		rec.Status = domain.StatusPending
	}
	r.records = append(r.records, rec)
	return rec, nil
}

func (r *memMutationRepo) Get(_ context.Context, id int64) (domain.MutationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	rec := r.find(id)
	if rec == nil {
		return domain.MutationRecord{}, domain.ErrNotFound
	}
	if r.onGet != nil {
		r.onGet(rec, r.getCalls)
	}
	return *rec, nil
}

func (r *memMutationRepo) Count(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countErr != nil {
		return 0, r.countErr
	}
	return int64(len(r.records)), nil
}

func (r *memMutationRepo) LatestID(context.Context) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return 0, false, nil
	}
	return r.records[len(r.records)-1].ID, true, nil
}

func (r *memMutationRepo) PendingIDs(_ context.Context, upTo int64, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, rec := range r.records {
		if rec.ID <= upTo && rec.Retryable() && (rec.Attempts == 0 || !rec.NextAttemptAt.After(now)) {
			ids = append(ids, rec.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memMutationRepo) NextRetryAt(context.Context) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		at time.Time
		ok bool
	)
	for _, rec := range r.records {
		if rec.Retryable() && rec.Attempts > 0 && (!ok || rec.NextAttemptAt.Before(at)) {
			at, ok = rec.NextAttemptAt, true
		}
	}
	return at, ok, nil
}

func (r *memMutationRepo) MarkApplied(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(id)
	if rec == nil {
		return errors.New("record missing")
	}
	if rec.Applied {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	rec.Applied, rec.Status, rec.AppliedAt = true, domain.StatusApplied, &now
	r.appliedAt = append(r.appliedAt, id)
	return nil
}

func (r *memMutationRepo) MarkFailed(_ context.Context, id int64, attempts int, next time.Time, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(id)
	rec.Attempts, rec.NextAttemptAt, rec.LastError = attempts, next, msg
	return nil
}

func (r *memMutationRepo) MarkDead(_ context.Context, id int64, attempts int, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(id)
	rec.Status, rec.Attempts, rec.LastError = domain.StatusDead, attempts, msg
	return nil
}

func (r *memMutationRepo) List(_ context.Context, filter domain.MutationFilter) ([]domain.MutationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MutationRecord
	for _, rec := range r.records {
		if filter.Status == "" || rec.Status == filter.Status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memMutationRepo) Requeue(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(id)
	if rec == nil || rec.Status != domain.StatusDead {
		return domain.ErrNotFound
	}
	rec.Status, rec.Attempts = domain.StatusPending, 0
	return nil
}

func (r *memMutationRepo) Resolve(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(id)
	if rec == nil || rec.Applied || rec.Status != domain.StatusDead {
		return domain.ErrNotFound
	}
	rec.Applied, rec.Status = true, domain.StatusResolved
	return nil
}

func (r *memMutationRepo) record(id int64) domain.MutationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.find(id)
}

func (r *memMutationRepo) find(id int64) *domain.MutationRecord {
	for i := range r.records {
		if r.records[i].ID == id {
			return &r.records[i]
		}
	}
	return nil
}

type memProgress struct {
	latest   *int64
	resets   int
	advances []int64
}

func (p *memProgress) Load(context.Context) (domain.ProgressMarker, error) {
	return domain.ProgressMarker{LatestID: p.latest}, nil
}

func (p *memProgress) Reset(context.Context) error {
	p.latest = nil
	p.resets++
	return nil
}

func (p *memProgress) Advance(_ context.Context, id int64) (domain.ProgressMarker, error) {
	if p.latest == nil || id > *p.latest {
		v := id
		p.latest = &v
	}
	p.advances = append(p.advances, *p.latest)
	return domain.ProgressMarker{LatestID: p.latest}, nil
}

type memLeases struct {
	mu    sync.Mutex
	owner string
	until time.Time
}

func (l *memLeases) Acquire(_ context.Context, name, owner string, now time.Time, ttl time.Duration) (domain.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner && l.until.After(now) {
		return domain.Lease{}, domain.ErrLeaseHeld
	}
	l.owner, l.until = owner, now.Add(ttl)
	return domain.Lease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: l.until}, nil
}

func (l *memLeases) Renew(_ context.Context, name, owner string, now time.Time, ttl time.Duration) (domain.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != owner {
		return domain.Lease{}, domain.ErrLeaseLost
	}
	l.until = now.Add(ttl)
	return domain.Lease{Name: name, Owner: owner, ExpiresAt: l.until}, nil
}

func (l *memLeases) Release(_ context.Context, _, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
	return nil
}

type chanWake struct {
	signal chan struct{}
	pinged int
	mu     sync.Mutex
}

func newChanWake() *chanWake { return &chanWake{signal: make(chan struct{}, 1)} }

func (w *chanWake) Ping(context.Context) {
	w.mu.Lock()
	w.pinged++
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *chanWake) WaitForPing(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.signal:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) NotifyInternalError(_ context.Context, subject, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

// stubHandler claims the kinds it lists and records every applied id.
type stubHandler struct {
	name    string
	kinds   []domain.Kind
	applied *[]int64
	fail    map[int64]error
	panicOn map[int64]bool
	idle    int
	idleErr error
	recon   int
}

func (h *stubHandler) Name() string         { return h.name }
func (h *stubHandler) Kinds() []domain.Kind { return h.kinds }

func (h *stubHandler) Offer(_ context.Context, rec domain.MutationRecord) (bool, error) {
	claimed := false
	for _, k := range h.kinds {
		if k == rec.Kind {
			claimed = true
		}
	}
	if !claimed {
		return false, nil
	}
	if h.panicOn[rec.ID] {
		panic("corrupt roster")
	}
	if err := h.fail[rec.ID]; err != nil {
		return true, err
	}
	*h.applied = append(*h.applied, rec.ID)
	return true, nil
}

func (h *stubHandler) IdleMaintenance(context.Context) error {
	h.idle++
	return h.idleErr
}

type reconcilingHandler struct {
	*stubHandler
}

func (h reconcilingHandler) Reconcile(context.Context) error {
	h.recon++
	return nil
}
