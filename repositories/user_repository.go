package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"remontbot/database"
	"remontbot/statemachine"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreate возвращает пользователя, создавая его при первом контакте
// с ролью UNKNOWN. Имя и username обновляются при каждом обращении.
func (r *UserRepository) GetOrCreate(ctx context.Context, telegramID int64, firstName, lastName, username string) (*database.User, error) {
	db := r.db.WithContext(ctx)
	var user database.User
	err := db.Where("telegram_id = ?", telegramID).First(&user).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = database.User{
			TelegramID: telegramID,
			FirstName:  firstName,
			LastName:   lastName,
			Username:   username,
			Roles:      string(statemachine.RoleUnknown),
		}
		if err := db.Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}

	if user.FirstName != firstName || user.LastName != lastName || user.Username != username {
		res := db.Model(&database.User{}).
			Where("telegram_id = ? AND version = ?", telegramID, user.Version).
			Updates(map[string]any{
				"first_name": firstName,
				"last_name":  lastName,
				"username":   username,
				"version":    user.Version + 1,
				"updated_at": time.Now(),
			})
		if res.Error == nil && res.RowsAffected == 1 {
			user.FirstName, user.LastName, user.Username = firstName, lastName, username
			user.Version++
		}
		// проигранная гонка за обновление имени не мешает работе
	}
	return &user, nil
}

func (r *UserRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*database.User, error) {
	var user database.User
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("пользователь %d: %w", telegramID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetRoles записывает канонический набор ролей. Пустой набор заменяется
// на UNKNOWN — пользователь не может остаться без ролей.
func (r *UserRepository) SetRoles(ctx context.Context, telegramID int64, roles []statemachine.Role) error {
	user, err := r.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&database.User{}).
		Where("telegram_id = ? AND version = ?", telegramID, user.Version).
		Updates(map[string]any{
			"roles":      database.CanonicalRoles(roles),
			"version":    user.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (r *UserRepository) AddRole(ctx context.Context, telegramID int64, role statemachine.Role) error {
	user, err := r.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return err
	}
	return r.SetRoles(ctx, telegramID, append(user.RoleList(), role))
}

func (r *UserRepository) RemoveRole(ctx context.Context, telegramID int64, role statemachine.Role) error {
	user, err := r.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return err
	}
	var rest []statemachine.Role
	for _, have := range user.RoleList() {
		if have != role {
			rest = append(rest, have)
		}
	}
	return r.SetRoles(ctx, telegramID, rest) // пустой набор станет UNKNOWN
}

// ListByRole перечисляет пользователей с ролью (рассылки админам и
// диспетчерам).
func (r *UserRepository) ListByRole(ctx context.Context, role statemachine.Role) ([]database.User, error) {
	var users []database.User
	err := r.db.WithContext(ctx).Where("roles LIKE ?", "%"+string(role)+"%").
		Order("telegram_id").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	// LIKE по набору через запятую может зацепить лишнее, фильтруем точно
	out := users[:0]
	for _, u := range users {
		if u.HasRole(role) {
			out = append(out, u)
		}
	}
	return out, nil
}
