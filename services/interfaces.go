package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
)

// Интерфейсы хранилища, которыми пользуются сервисы. Реализуются
// пакетом repositories; в тестах подменяются фейками.

type UserStore interface {
	GetOrCreate(ctx context.Context, telegramID int64, firstName, lastName, username string) (*database.User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*database.User, error)
	SetRoles(ctx context.Context, telegramID int64, roles []statemachine.Role) error
	AddRole(ctx context.Context, telegramID int64, role statemachine.Role) error
	RemoveRole(ctx context.Context, telegramID int64, role statemachine.Role) error
	ListByRole(ctx context.Context, role statemachine.Role) ([]database.User, error)
}

type MasterStore interface {
	Create(ctx context.Context, m *database.Master) error
	GetByID(ctx context.Context, id int64) (*database.Master, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*database.Master, error)
	List(ctx context.Context, f repositories.MasterFilter) ([]database.Master, error)
	Approve(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64, active bool) error
	SetWorkChat(ctx context.Context, id int64, chatID int64) error
}

type OrderStore interface {
	Create(ctx context.Context, o *database.Order) error
	GetByID(ctx context.Context, id int64) (*database.Order, error)
	List(ctx context.Context, f repositories.OrderFilter) ([]database.Order, error)
	UpdateFields(ctx context.Context, id, expectedVersion int64, patch map[string]any, actorID int64) (*database.Order, error)
	UpdateStatus(ctx context.Context, ch repositories.StatusChange) (*database.Order, error)
	AssignMaster(ctx context.Context, orderID, masterID, actorID, expectedVersion int64) (*database.Order, error)
	SoftDelete(ctx context.Context, id int64) error
	History(ctx context.Context, orderID int64) ([]database.StatusHistory, error)
	CountByStatus(ctx context.Context) (map[statemachine.Status]int64, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
}

type AuditStore interface {
	Append(ctx context.Context, userID int64, action string, details map[string]any) error
}

type RateStore interface {
	GetBySpecialization(ctx context.Context, name string) (*database.SpecializationRate, error)
	GetDefault(ctx context.Context) (*database.SpecializationRate, error)
	Upsert(ctx context.Context, name string, masterPct, companyPct decimal.Decimal) error
}
