package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"gorm.io/gorm"
)

type mutationModel struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Kind             int        `gorm:"column:kind;not null"`
	SeasonID         *int64     `gorm:"column:season_id"`
	SubCompetitionID *int64     `gorm:"column:sub_competition_id"`
	ClassID          *int64     `gorm:"column:class_id"`
	ParticipantID    *int64     `gorm:"column:participant_id"`
	CutOld           *int       `gorm:"column:cut_old"`
	CutNew           *int       `gorm:"column:cut_new"`
	CreatedBy        string     `gorm:"column:created_by;not null"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
	Applied          bool       `gorm:"column:applied;not null"`
	Status           string     `gorm:"column:status;not null"`
	Attempts         int        `gorm:"column:attempts;not null"`
	NextAttemptAt    time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError        string     `gorm:"column:last_error;not null"`
	AppliedAt        *time.Time `gorm:"column:applied_at"`
}

func (mutationModel) TableName() string {
	return "mutation_records"
}

const defaultListLimit = 50

type MutationRepository struct {
	db  *gormsqlite.DB
	now func() time.Time
}

func NewMutationRepository(db *gormsqlite.DB) *MutationRepository {
	return &MutationRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *MutationRepository) Insert(ctx context.Context, rec domain.MutationRecord) (domain.MutationRecord, error) {
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = rec.CreatedAt
	}
	model := mutationModel{
		Kind:             int(rec.Kind),
		SeasonID:         rec.Refs.SeasonID,
		SubCompetitionID: rec.Refs.SubCompetitionID,
		ClassID:          rec.Refs.ClassID,
		ParticipantID:    rec.Refs.ParticipantID,
		CutOld:           rec.Refs.CutOld,
		CutNew:           rec.Refs.CutNew,
		CreatedBy:        rec.CreatedBy,
		CreatedAt:        rec.CreatedAt.UTC(),
		Status:           string(domain.StatusPending),
		NextAttemptAt:    rec.NextAttemptAt.UTC(),
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.MutationRecord{}, fmt.Errorf("insert mutation: %w", err)
	}
	return mutationToDomain(model), nil
}

func (r *MutationRepository) Get(ctx context.Context, id int64) (domain.MutationRecord, error) {
	var model mutationModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("id = ?", id).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MutationRecord{}, domain.ErrNotFound
		}
		return domain.MutationRecord{}, fmt.Errorf("get mutation %d: %w", id, err)
	}
	return mutationToDomain(model), nil
}

func (r *MutationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&mutationModel{}).Count(&n).Error
	})
	if err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

func (r *MutationRepository) LatestID(ctx context.Context) (int64, bool, error) {
	var id sql.NullInt64
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&mutationModel{}).Select("MAX(id)").Row().Scan(&id)
	})
	if err != nil {
		return 0, false, fmt.Errorf("latest mutation id: %w", err)
	}
	return id.Int64, id.Valid, nil
}

// PendingIDs applies the next_attempt_at gate only to records that failed
// before; a fresh record stamped by a producer with a faster clock is due at
// once.
func (r *MutationRepository) PendingIDs(ctx context.Context, upTo int64, now time.Time) ([]int64, error) {
	var ids []int64
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&mutationModel{}).
			Where("applied = ? AND status = ? AND id <= ?", false, string(domain.StatusPending), upTo).
			Where("attempts = 0 OR next_attempt_at <= ?", now.UTC()).
			Order("id ASC").
			Pluck("id", &ids).Error
	})
	if err != nil {
		return nil, fmt.Errorf("pending mutation ids: %w", err)
	}
	return ids, nil
}

// NextRetryAt returns the earliest scheduled retry among records that already
// failed at least once.
func (r *MutationRepository) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	var model mutationModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("applied = ? AND status = ? AND attempts > 0", false, string(domain.StatusPending)).
			Order("next_attempt_at ASC").
			First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("next mutation retry: %w", err)
	}
	return model.NextAttemptAt, true, nil
}

// MarkApplied flips the applied flag. The guard on applied = false keeps the
// transition one-way; an already applied or resolved row yields ErrNotFound.
func (r *MutationRepository) MarkApplied(ctx context.Context, id int64) error {
	now := r.now()
	return r.flip(ctx, id, "applied = ?", false, domain.StatusApplied, map[string]any{
		"applied":    true,
		"status":     string(domain.StatusApplied),
		"applied_at": &now,
	})
}

func (r *MutationRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&mutationModel{}).
			Where("id = ? AND applied = ?", id, false).
			Updates(map[string]any{
				"attempts":        attempts,
				"next_attempt_at": nextAttemptAt.UTC(),
				"last_error":      errMsg,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("mark mutation %d failed: %w", id, err)
	}
	return nil
}

func (r *MutationRepository) MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&mutationModel{}).
			Where("id = ? AND applied = ?", id, false).
			Updates(map[string]any{
				"status":     string(domain.StatusDead),
				"attempts":   attempts,
				"last_error": errMsg,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("mark mutation %d dead: %w", id, err)
	}
	return nil
}

func (r *MutationRepository) List(ctx context.Context, filter domain.MutationFilter) ([]domain.MutationRecord, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = defaultListLimit
	}
	var rows []mutationModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&mutationModel{})
		if filter.Status != "" {
			query = query.Where("status = ?", string(filter.Status))
		}
		if filter.AfterID > 0 {
			query = query.Where("id > ?", filter.AfterID)
		}
		return query.Order("id ASC").Limit(filter.Limit).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}

	result := make([]domain.MutationRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, mutationToDomain(row))
	}
	return result, nil
}

// Requeue moves a dead record back to pending with a fresh retry budget.
func (r *MutationRepository) Requeue(ctx context.Context, id int64) error {
	now := r.now()
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Model(&mutationModel{}).
			Where("id = ? AND status = ?", id, string(domain.StatusDead)).
			Updates(map[string]any{
				"status":          string(domain.StatusPending),
				"attempts":        0,
				"next_attempt_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("requeue mutation %d: %w", id, err)
	}
	return nil
}

// Resolve closes a dead record by hand. It counts as applied. Pending records
// belong to the worker and cannot be resolved.
func (r *MutationRepository) Resolve(ctx context.Context, id int64) error {
	now := r.now()
	return r.flip(ctx, id, "status = ?", string(domain.StatusDead), domain.StatusResolved, map[string]any{
		"applied":    true,
		"status":     string(domain.StatusResolved),
		"applied_at": &now,
	})
}

func (r *MutationRepository) flip(ctx context.Context, id int64, guard string, guardArg any, status domain.Status, updates map[string]any) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Model(&mutationModel{}).
			Where("id = ? AND applied = ?", id, false).
			Where(guard, guardArg).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark mutation %d %s: %w", id, status, err)
	}
	return nil
}

func mutationToDomain(m mutationModel) domain.MutationRecord {
	return domain.MutationRecord{
		ID:   m.ID,
		Kind: domain.Kind(m.Kind),
		Refs: domain.PayloadRefs{
			SeasonID:         m.SeasonID,
			SubCompetitionID: m.SubCompetitionID,
			ClassID:          m.ClassID,
			ParticipantID:    m.ParticipantID,
			CutOld:           m.CutOld,
			CutNew:           m.CutNew,
		},
		CreatedBy:     m.CreatedBy,
		CreatedAt:     m.CreatedAt,
		Applied:       m.Applied,
		Status:        domain.Status(m.Status),
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		AppliedAt:     m.AppliedAt,
	}
}
