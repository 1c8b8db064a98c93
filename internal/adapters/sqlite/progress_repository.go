package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/compmut/internal/core/domain"
	"gorm.io/gorm/clause"
)

type progressModel struct {
	Singleton int       `gorm:"column:singleton;primaryKey"`
	LatestID  *int64    `gorm:"column:latest_id"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (progressModel) TableName() string {
	return "progress_marker"
}

// ProgressRepository stores the worker's high-water mark in a singleton row.
type ProgressRepository struct {
	db  *gormsqlite.DB
	now func() time.Time
}

func NewProgressRepository(db *gormsqlite.DB) *ProgressRepository {
	return &ProgressRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *ProgressRepository) Load(ctx context.Context) (domain.ProgressMarker, error) {
	var rows []progressModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("singleton = 1").Limit(1).Find(&rows).Error
	})
	if err != nil {
		return domain.ProgressMarker{}, fmt.Errorf("load progress marker: %w", err)
	}
	if len(rows) == 0 {
		return domain.ProgressMarker{}, nil
	}
	return domain.ProgressMarker{LatestID: rows[0].LatestID, UpdatedAt: rows[0].UpdatedAt}, nil
}

func (r *ProgressRepository) Reset(ctx context.Context) error {
	model := progressModel{Singleton: 1, UpdatedAt: r.now()}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "singleton"}},
			DoUpdates: clause.Assignments(map[string]any{"latest_id": nil, "updated_at": model.UpdatedAt}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("reset progress marker: %w", err)
	}
	return nil
}

func (r *ProgressRepository) Advance(ctx context.Context, id int64) (domain.ProgressMarker, error) {
	now := r.now()
	var marker domain.ProgressMarker
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var rows []progressModel
		if err := tx.Where("singleton = 1").Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 1 && rows[0].LatestID != nil && *rows[0].LatestID >= id {
			marker = domain.ProgressMarker{LatestID: rows[0].LatestID, UpdatedAt: rows[0].UpdatedAt}
			return nil
		}
		model := progressModel{Singleton: 1, LatestID: &id, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "singleton"}},
			DoUpdates: clause.AssignmentColumns([]string{"latest_id", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return err
		}
		marker = domain.ProgressMarker{LatestID: &id, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return domain.ProgressMarker{}, fmt.Errorf("advance progress marker: %w", err)
	}
	return marker, nil
}
