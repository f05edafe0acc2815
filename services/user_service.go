package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
)

// UserService управляет ролями, анкетами мастеров и привязкой рабочих
// чатов.
type UserService struct {
	users   UserStore
	masters MasterStore
	audit   AuditStore
	events  EventSink
	log     *zap.Logger
}

func NewUserService(users UserStore, masters MasterStore, audit AuditStore, events EventSink, log *zap.Logger) *UserService {
	return &UserService{users: users, masters: masters, audit: audit, events: events, log: log}
}

// EnsureUser регистрирует пользователя при первом контакте (роль
// UNKNOWN) и возвращает его.
func (s *UserService) EnsureUser(ctx context.Context, telegramID int64, firstName, lastName, username string) (*database.User, error) {
	return s.users.GetOrCreate(ctx, telegramID, firstName, lastName, username)
}

func (s *UserService) Get(ctx context.Context, telegramID int64) (*database.User, error) {
	return s.users.GetByTelegramID(ctx, telegramID)
}

// AddRole выдаёт роль. Менять роли могут только админы.
func (s *UserService) AddRole(ctx context.Context, telegramID int64, role statemachine.Role, actorID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if !statemachine.IsValidRole(role) {
		return invalid("роль", "неизвестная роль "+string(role))
	}
	if err := s.users.AddRole(ctx, telegramID, role); err != nil {
		return err
	}
	s.auditLog(ctx, actorID, database.AuditAddRole, map[string]any{
		"user_id": telegramID,
		"role":    role,
	})
	return nil
}

// RemoveRole снимает роль. Последняя роль заменяется на UNKNOWN —
// пустого набора не бывает.
func (s *UserService) RemoveRole(ctx context.Context, telegramID int64, role statemachine.Role, actorID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if !statemachine.IsValidRole(role) {
		return invalid("роль", "неизвестная роль "+string(role))
	}
	if err := s.users.RemoveRole(ctx, telegramID, role); err != nil {
		return err
	}
	s.auditLog(ctx, actorID, database.AuditRemoveRole, map[string]any{
		"user_id": telegramID,
		"role":    role,
	})
	return nil
}

// RegisterMaster заводит анкету мастера: самостоятельная заявка или
// добавление админом — путь один, анкета ждёт одобрения.
func (s *UserService) RegisterMaster(ctx context.Context, telegramID int64, phone, specialization string) (*database.Master, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if specialization == "" {
		return nil, invalid("специализация", "не может быть пустой")
	}

	if existing, err := s.masters.GetByTelegramID(ctx, telegramID); err == nil {
		return existing, nil // анкета уже есть, повтор — no-op
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	// строка мастера без роли MASTER запрещена
	if err := s.users.AddRole(ctx, telegramID, statemachine.RoleMaster); err != nil {
		return nil, err
	}

	master := &database.Master{
		TelegramID:     telegramID,
		Phone:          normalized,
		Specialization: specialization,
		IsActive:       true,
		IsApproved:     false,
	}
	if err := s.masters.Create(ctx, master); err != nil {
		return nil, err
	}
	s.log.Info("анкета мастера создана",
		zap.Int64("master_id", master.ID),
		zap.String("specialization", specialization),
	)
	return master, nil
}

// ApproveMaster одобряет анкету. После одобрения мастеру можно
// назначать заказы; мастер получает уведомление.
func (s *UserService) ApproveMaster(ctx context.Context, masterID, actorID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	master, err := s.masters.GetByID(ctx, masterID)
	if err != nil {
		return err
	}
	if master.IsApproved {
		return nil
	}
	if err := s.masters.Approve(ctx, masterID); err != nil {
		return err
	}
	master.IsApproved = true

	s.auditLog(ctx, actorID, database.AuditApproveMaster, map[string]any{"master_id": masterID})
	if s.events != nil {
		s.events.Publish(Event{Type: EventMasterApproved, Master: master})
	}
	return nil
}

func (s *UserService) SetMasterActive(ctx context.Context, masterID int64, active bool, actorID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	return s.masters.SetActive(ctx, masterID, active)
}

// BindWorkChat привязывает рабочую группу мастера. Идентификаторы групп
// в Telegram отрицательные.
func (s *UserService) BindWorkChat(ctx context.Context, masterID, chatID, actorID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if chatID >= 0 {
		return invalid("чат", "идентификатор группы должен быть отрицательным")
	}
	if err := s.masters.SetWorkChat(ctx, masterID, chatID); err != nil {
		return err
	}
	s.auditLog(ctx, actorID, database.AuditBindWorkChat, map[string]any{
		"master_id": masterID,
		"chat_id":   chatID,
	})
	return nil
}

func (s *UserService) ListMasters(ctx context.Context, f repositories.MasterFilter) ([]database.Master, error) {
	return s.masters.List(ctx, f)
}

func (s *UserService) GetMasterByTelegramID(ctx context.Context, telegramID int64) (*database.Master, error) {
	return s.masters.GetByTelegramID(ctx, telegramID)
}

func (s *UserService) GetMaster(ctx context.Context, id int64) (*database.Master, error) {
	return s.masters.GetByID(ctx, id)
}

func (s *UserService) ListByRole(ctx context.Context, role statemachine.Role) ([]database.User, error) {
	return s.users.ListByRole(ctx, role)
}

// BootstrapRoles применяет стартовые назначения из окружения
// (ADMIN_IDS, DISPATCHER_IDS). Идемпотентно.
func (s *UserService) BootstrapRoles(ctx context.Context, adminIDs, dispatcherIDs []int64) error {
	for _, id := range adminIDs {
		if _, err := s.users.GetOrCreate(ctx, id, "", "", ""); err != nil {
			return err
		}
		if err := s.users.AddRole(ctx, id, statemachine.RoleAdmin); err != nil {
			return err
		}
	}
	for _, id := range dispatcherIDs {
		if _, err := s.users.GetOrCreate(ctx, id, "", "", ""); err != nil {
			return err
		}
		if err := s.users.AddRole(ctx, id, statemachine.RoleDispatcher); err != nil {
			return err
		}
	}
	return nil
}

func (s *UserService) requireAdmin(ctx context.Context, actorID int64) error {
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("операция доступна только админам: %w", ErrForbidden)
	}
	return nil
}

func (s *UserService) auditLog(ctx context.Context, userID int64, action string, details map[string]any) {
	if err := s.audit.Append(ctx, userID, action, details); err != nil {
		s.log.Error("запись аудита не удалась",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
