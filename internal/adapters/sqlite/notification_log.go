package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/adapters/sqlite/gormsqlite"
	"gorm.io/gorm/clause"
)

type notificationModel struct {
	Fingerprint string    `gorm:"column:fingerprint;primaryKey"`
	Day         string    `gorm:"column:day;primaryKey"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (notificationModel) TableName() string {
	return "notification_log"
}

type NotificationLog struct {
	db *gormsqlite.DB
}

func NewNotificationLog(db *gormsqlite.DB) *NotificationLog {
	return &NotificationLog{db: db}
}

func (l *NotificationLog) Claim(ctx context.Context, fingerprint, day string) (bool, error) {
	var claimed bool
	err := l.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&notificationModel{
			Fingerprint: fingerprint,
			Day:         day,
			CreatedAt:   time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return claimed, nil
}
