package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"remontbot/database"
)

type MasterRepository struct {
	db *gorm.DB
}

func NewMasterRepository(db *gorm.DB) *MasterRepository {
	return &MasterRepository{db: db}
}

// MasterFilter отбирает мастеров в списках. Нулевое значение — все
// неудалённые мастера.
type MasterFilter struct {
	OnlyEligible   bool // одобренные и активные — кандидаты на назначение
	OnlyPending    bool // ждут одобрения
	Specialization string
	IncludeDeleted bool
}

func (r *MasterRepository) Create(ctx context.Context, m *database.Master) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MasterRepository) GetByID(ctx context.Context, id int64) (*database.Master, error) {
	var m database.Master
	err := r.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("мастер %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MasterRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*database.Master, error) {
	var m database.Master
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("мастер tg=%d: %w", telegramID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MasterRepository) List(ctx context.Context, f MasterFilter) ([]database.Master, error) {
	q := r.db.WithContext(ctx).Model(&database.Master{})
	if f.IncludeDeleted {
		q = q.Unscoped()
	}
	if f.OnlyEligible {
		q = q.Where("is_approved = ? AND is_active = ?", true, true)
	}
	if f.OnlyPending {
		q = q.Where("is_approved = ?", false)
	}
	if f.Specialization != "" {
		q = q.Where("specialization = ?", f.Specialization)
	}
	var masters []database.Master
	if err := q.Order("id").Find(&masters).Error; err != nil {
		return nil, err
	}
	return masters, nil
}

// Approve одобряет мастера. Идемпотентен: повторное одобрение — no-op.
func (r *MasterRepository) Approve(ctx context.Context, id int64) error {
	return r.patch(ctx, id, map[string]any{"is_approved": true})
}

func (r *MasterRepository) SetActive(ctx context.Context, id int64, active bool) error {
	return r.patch(ctx, id, map[string]any{"is_active": active})
}

func (r *MasterRepository) SetWorkChat(ctx context.Context, id int64, chatID int64) error {
	return r.patch(ctx, id, map[string]any{"work_chat_id": chatID})
}

func (r *MasterRepository) SetPhone(ctx context.Context, id int64, phone string) error {
	return r.patch(ctx, id, map[string]any{"phone": phone})
}

func (r *MasterRepository) patch(ctx context.Context, id int64, updates map[string]any) error {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	updates["version"] = m.Version + 1
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&database.Master{}).
		Where("id = ? AND version = ?", id, m.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}
