package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"gorm.io/gorm"
)

type leaseModel struct {
	Name       string    `gorm:"column:name;primaryKey"`
	Owner      string    `gorm:"column:owner;not null"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null"`
}

func (leaseModel) TableName() string {
	return "worker_leases"
}

// LeaseRepository implements an advisory lock as a row with an owner and an
// expiry. The single writer connection makes read-then-write atomic.
type LeaseRepository struct {
	db *gormsqlite.DB
}

func NewLeaseRepository(db *gormsqlite.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

func (r *LeaseRepository) Acquire(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (domain.Lease, error) {
	now = now.UTC()
	lease := domain.Lease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var current leaseModel
		err := tx.Where("name = ?", name).First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(leaseToModel(lease)).Error
		case err != nil:
			return err
		}
		if current.Owner != owner && current.ExpiresAt.After(now) {
			return fmt.Errorf("%w: %s until %s", domain.ErrLeaseHeld, current.Owner, current.ExpiresAt.Format(time.RFC3339))
		}
		return tx.Model(&leaseModel{}).Where("name = ?", name).Updates(map[string]any{
			"owner":       owner,
			"acquired_at": lease.AcquiredAt,
			"expires_at":  lease.ExpiresAt,
		}).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			return domain.Lease{}, err
		}
		return domain.Lease{}, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return lease, nil
}

func (r *LeaseRepository) Renew(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (domain.Lease, error) {
	now = now.UTC()
	var lease domain.Lease
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var current leaseModel
		err := tx.Where("name = ? AND owner = ?", name, owner).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrLeaseLost
		}
		if err != nil {
			return err
		}
		current.ExpiresAt = now.Add(ttl)
		if err := tx.Model(&leaseModel{}).Where("name = ? AND owner = ?", name, owner).
			Update("expires_at", current.ExpiresAt).Error; err != nil {
			return err
		}
		lease = leaseToDomain(current)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return domain.Lease{}, err
		}
		return domain.Lease{}, fmt.Errorf("renew lease %s: %w", name, err)
	}
	return lease, nil
}

func (r *LeaseRepository) Release(ctx context.Context, name, owner string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("name = ? AND owner = ?", name, owner).Delete(&leaseModel{}).Error
	})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func leaseToModel(l domain.Lease) *leaseModel {
	return &leaseModel{Name: l.Name, Owner: l.Owner, AcquiredAt: l.AcquiredAt, ExpiresAt: l.ExpiresAt}
}

func leaseToDomain(m leaseModel) domain.Lease {
	return domain.Lease{Name: m.Name, Owner: m.Owner, AcquiredAt: m.AcquiredAt, ExpiresAt: m.ExpiresAt}
}
