package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
)

type MutationRepository interface {
	Insert(ctx context.Context, rec domain.MutationRecord) (domain.MutationRecord, error)
	Get(ctx context.Context, id int64) (domain.MutationRecord, error)
	Count(ctx context.Context) (int64, error)
	// LatestID returns false when the table is empty.
	LatestID(ctx context.Context) (int64, bool, error)
	// PendingIDs lists ids of retryable records with id <= upTo whose next
	// attempt is due at now, in ascending id order.
	PendingIDs(ctx context.Context, upTo int64, now time.Time) ([]int64, error)
	// NextRetryAt returns the earliest next_attempt_at of a pending record
	// that failed before; false when there is none.
	NextRetryAt(ctx context.Context) (time.Time, bool, error)
	MarkApplied(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
	List(ctx context.Context, filter domain.MutationFilter) ([]domain.MutationRecord, error)
	Requeue(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id int64) error
}

type ProgressRepository interface {
	Load(ctx context.Context) (domain.ProgressMarker, error)
	Reset(ctx context.Context) error
	// Advance moves the marker to id; it never moves it backwards.
	Advance(ctx context.Context, id int64) (domain.ProgressMarker, error)
}

type LeaseRepository interface {
	Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (domain.Lease, error)
	Renew(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (domain.Lease, error)
	Release(ctx context.Context, name, owner string) error
}
