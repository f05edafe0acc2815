package repositories

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"remontbot/database"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append пишет запись аудита. Журнал только пополняется; порядок
// гарантирован в пределах одного писателя.
func (r *AuditRepository) Append(ctx context.Context, userID int64, action string, details map[string]any) error {
	var payload datatypes.JSON
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		payload = datatypes.JSON(raw)
	}
	return r.db.WithContext(ctx).Create(&database.AuditLog{
		UserID:    userID,
		Action:    action,
		Details:   payload,
		CreatedAt: time.Now(),
	}).Error
}

// ListByUser — записи аудита пользователя, новые сверху.
func (r *AuditRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]database.AuditLog, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []database.AuditLog
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
