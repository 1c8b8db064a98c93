package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
)

func TestLeaseRepositorySingleOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewLeaseRepository(openTestDB(t))
	now := time.Now().UTC()

	if _, err := repo.Acquire(ctx, "competition-mutations", "a", now, time.Minute); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := repo.Acquire(ctx, "competition-mutations", "b", now.Add(time.Second), time.Minute); !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld for b, got %v", err)
	}
	if _, err := repo.Renew(ctx, "competition-mutations", "b", now, time.Minute); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("b must not renew, got %v", err)
	}
	lease, err := repo.Renew(ctx, "competition-mutations", "a", now.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("renew a: %v", err)
	}
	if !lease.ExpiresAt.After(now.Add(time.Minute)) {
		t.Fatalf("renew did not extend: %v", lease.ExpiresAt)
	}

	// An expired lease can be taken over.
	if _, err := repo.Acquire(ctx, "competition-mutations", "b", now.Add(5*time.Minute), time.Minute); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if _, err := repo.Renew(ctx, "competition-mutations", "a", now.Add(5*time.Minute), time.Minute); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("a must have lost the lease, got %v", err)
	}

	if err := repo.Release(ctx, "competition-mutations", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := repo.Acquire(ctx, "competition-mutations", "c", now.Add(5*time.Minute), time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
