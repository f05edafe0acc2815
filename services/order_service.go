package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"remontbot/crypto"
	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
)

// lockRetries — сколько раз перечитать и повторить мутацию при
// конфликте версий, прежде чем отдать ошибку пользователю.
const lockRetries = 3

// OrderService реализует операции над заказами: создание, назначение
// мастера, переходы статусов, финансовое закрытие и выборки.
type OrderService struct {
	orders  OrderStore
	users   UserStore
	masters MasterStore
	audit   AuditStore
	rates   RateStore
	cipher  *crypto.Cipher
	events  EventSink
	log     *zap.Logger
}

func NewOrderService(
	orders OrderStore,
	users UserStore,
	masters MasterStore,
	audit AuditStore,
	rates RateStore,
	cipher *crypto.Cipher,
	events EventSink,
	log *zap.Logger,
) *OrderService {
	return &OrderService{
		orders:  orders,
		users:   users,
		masters: masters,
		audit:   audit,
		rates:   rates,
		cipher:  cipher,
		events:  events,
		log:     log,
	}
}

// CreateOrderInput — поля новой заявки до валидации.
type CreateOrderInput struct {
	EquipmentType string
	Description   string
	ClientName    string
	ClientAddress string
	ClientPhone   string
	ScheduledTime string
	Notes         string
}

// CreateOrder валидирует заявку, шифрует персональные данные и сохраняет
// заказ в статусе NEW. Создавать заказы могут диспетчеры и админы.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput, dispatcherID int64) (*database.Order, error) {
	actor, err := s.users.GetByTelegramID(ctx, dispatcherID)
	if err != nil {
		return nil, err
	}
	if !actor.IsDispatcher() && !actor.IsAdmin() {
		return nil, fmt.Errorf("создание заказа: %w", ErrForbidden)
	}

	if !database.IsKnownEquipment(in.EquipmentType) {
		return nil, invalid("тип техники", "неизвестный тип: "+in.EquipmentType)
	}
	if err := validateDescription(in.Description); err != nil {
		return nil, err
	}
	if err := validateName(in.ClientName); err != nil {
		return nil, err
	}
	if err := validateAddress(in.ClientAddress); err != nil {
		return nil, err
	}
	if err := validateNotes(in.Notes); err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(in.ClientPhone)
	if err != nil {
		return nil, err
	}

	encName, err := s.cipher.Encrypt(in.ClientName)
	if err != nil {
		return nil, err
	}
	encAddr, err := s.cipher.Encrypt(in.ClientAddress)
	if err != nil {
		return nil, err
	}
	encPhone, err := s.cipher.Encrypt(phone)
	if err != nil {
		return nil, err
	}

	order := &database.Order{
		EquipmentType: in.EquipmentType,
		Description:   in.Description,
		ClientName:    encName,
		ClientAddress: encAddr,
		ClientPhone:   encPhone,
		Status:        statemachine.StatusNew,
		DispatcherID:  dispatcherID,
		ScheduledTime: in.ScheduledTime,
		Notes:         in.Notes,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("сохранение заказа: %w", err)
	}

	s.auditLog(ctx, dispatcherID, database.AuditCreateOrder, map[string]any{
		"order_id":  order.ID,
		"equipment": order.EquipmentType,
	})
	s.publish(Event{Type: EventOrderCreated, Order: s.Decrypted(order), Actor: actor, New: order.Status})

	s.log.Info("заказ создан",
		zap.Int64("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("equipment", order.EquipmentType),
	)
	return order, nil
}

// CancelOrder мягко удаляет заказ в статусе NEW (диспетчер передумал).
func (s *OrderService) CancelOrder(ctx context.Context, orderID, actorID int64) error {
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsDispatcher() && !actor.IsAdmin() {
		return fmt.Errorf("отмена заказа: %w", ErrForbidden)
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != statemachine.StatusNew {
		return invalid("статус", "отменить можно только заказ в статусе NEW")
	}
	if err := s.orders.SoftDelete(ctx, orderID); err != nil {
		return err
	}
	s.auditLog(ctx, actorID, database.AuditCancelOrder, map[string]any{"order_id": orderID})
	return nil
}

// AssignMaster назначает одобренного активного мастера на заказ.
// Повторное назначение того же мастера — no-op. Конфликт версий
// перечитывается и повторяется до lockRetries раз.
func (s *OrderService) AssignMaster(ctx context.Context, orderID, masterID, actorID int64) (*database.Order, error) {
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return nil, err
	}
	master, err := s.masters.GetByID(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if !master.Eligible() {
		return nil, fmt.Errorf("мастер %d: %w", masterID, ErrMasterNotEligible)
	}

	var updated *database.Order
	for attempt := 0; attempt < lockRetries; attempt++ {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == statemachine.StatusAssigned &&
			order.AssignedMasterID != nil && *order.AssignedMasterID == masterID {
			return order, nil // уже назначен, идемпотентный повтор
		}
		if err := statemachine.ValidateTransition(order.Status, statemachine.StatusAssigned, actor.RoleList()); err != nil {
			return nil, err
		}

		updated, err = s.orders.AssignMaster(ctx, orderID, masterID, actorID, order.Version)
		if errors.Is(err, repositories.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, repositories.ErrOptimisticLock
	}

	s.auditLog(ctx, actorID, database.AuditAssignMaster, map[string]any{
		"order_id":  orderID,
		"master_id": masterID,
	})
	s.publish(Event{
		Type:   EventOrderAssigned,
		Order:  s.Decrypted(updated),
		Master: master,
		Actor:  actor,
		Old:    statemachine.StatusNew,
		New:    statemachine.StatusAssigned,
	})

	s.log.Info("мастер назначен",
		zap.Int64("order_id", orderID),
		zap.Int64("master_id", masterID),
	)
	return updated, nil
}

// StatusOpts — дополнительные поля перехода.
type StatusOpts struct {
	Notes               string
	EstimatedCompletion *time.Time // обязателен для перехода в DR
	RefuseReason        string
}

// ChangeStatus выполняет переход статуса с проверкой таблицы переходов,
// прав актора и обязательных полей целевого статуса.
func (s *OrderService) ChangeStatus(ctx context.Context, orderID int64, to statemachine.Status, actorID int64, opts StatusOpts) (*database.Order, error) {
	if !statemachine.IsValid(to) {
		return nil, invalid("статус", "неизвестный статус "+string(to))
	}
	if err := validateNotes(opts.Notes); err != nil {
		return nil, err
	}
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var updated *database.Order
	var from statemachine.Status
	for attempt := 0; attempt < lockRetries; attempt++ {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == to {
			return order, nil // уже там, идемпотентный повтор
		}
		from = order.Status
		if err := statemachine.ValidateTransition(from, to, actor.RoleList()); err != nil {
			return nil, err
		}

		set := map[string]any{}
		switch to {
		case statemachine.StatusClosed:
			// закрытие идёт через CloseWithFinancials; прямой переход
			// возможен, только если финансы уже заполнены
			if !order.TotalAmount.Valid {
				return nil, invalid("сумма", "закройте заказ через финансовое завершение")
			}
		case statemachine.StatusDR:
			if opts.EstimatedCompletion != nil {
				set["estimated_completion_date"] = *opts.EstimatedCompletion
			} else if order.EstimatedCompletionDate == nil {
				return nil, invalid("срок", "для длительного ремонта укажите ожидаемую дату завершения")
			}
		case statemachine.StatusRefused:
			if opts.RefuseReason != "" {
				set["refuse_reason"] = opts.RefuseReason
			}
		}

		// NEW не бывает с мастером, откуда бы заказ ни вернулся; при
		// отказе мастер снимается, только если работа ещё не началась
		clearMaster := to == statemachine.StatusNew ||
			((from == statemachine.StatusAssigned || from == statemachine.StatusAccepted) &&
				to == statemachine.StatusRefused)

		updated, err = s.orders.UpdateStatus(ctx, repositories.StatusChange{
			OrderID:         orderID,
			From:            from,
			To:              to,
			ExpectedVersion: order.Version,
			ActorID:         actorID,
			Notes:           opts.Notes,
			ClearMaster:     clearMaster,
			Set:             set,
		})
		if errors.Is(err, repositories.ErrOptimisticLock) || errors.Is(err, repositories.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, repositories.ErrOptimisticLock
	}

	s.auditLog(ctx, actorID, database.AuditChangeStatus, map[string]any{
		"order_id": orderID,
		"from":     from,
		"to":       to,
	})
	s.publish(Event{
		Type:  EventStatusChanged,
		Order: s.Decrypted(updated),
		Actor: actor,
		Old:   from,
		New:   to,
		Notes: opts.Notes,
	})

	s.log.Info("статус изменён",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

// CloseWithFinancials закрывает заказ из ONSITE или DR, считая прибыль
// мастера и компании по ставке его специализации (или 50/50).
func (s *OrderService) CloseWithFinancials(ctx context.Context, orderID int64, total, materials decimal.Decimal, hasReview, outOfCity bool, actorID int64) (*database.Order, error) {
	if total.LessThan(decimal.Zero) || materials.LessThan(decimal.Zero) {
		return nil, invalid("сумма", "суммы не могут быть отрицательными")
	}
	if materials.GreaterThan(total) {
		return nil, invalid("материалы", "стоимость материалов больше суммы заказа")
	}
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var updated *database.Order
	var from statemachine.Status
	for attempt := 0; attempt < lockRetries; attempt++ {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == statemachine.StatusClosed {
			return order, nil
		}
		from = order.Status
		if err := statemachine.ValidateTransition(from, statemachine.StatusClosed, actor.RoleList()); err != nil {
			return nil, err
		}
		if order.AssignedMasterID == nil {
			return nil, invalid("мастер", "у заказа нет назначенного мастера")
		}
		master, err := s.masters.GetByID(ctx, *order.AssignedMasterID)
		if err != nil {
			return nil, err
		}

		masterProfit, companyProfit, err := s.split(ctx, total, materials, master.Specialization)
		if err != nil {
			return nil, err
		}

		updated, err = s.orders.UpdateStatus(ctx, repositories.StatusChange{
			OrderID:         orderID,
			From:            from,
			To:              statemachine.StatusClosed,
			ExpectedVersion: order.Version,
			ActorID:         actorID,
			Set: map[string]any{
				"total_amount":   total,
				"materials_cost": materials,
				"master_profit":  masterProfit,
				"company_profit": companyProfit,
				"has_review":     hasReview,
				"out_of_city":    outOfCity,
			},
		})
		if errors.Is(err, repositories.ErrOptimisticLock) || errors.Is(err, repositories.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, repositories.ErrOptimisticLock
	}

	s.auditLog(ctx, actorID, database.AuditCloseOrder, map[string]any{
		"order_id": orderID,
		"total":    total.String(),
	})
	s.publish(Event{
		Type:  EventStatusChanged,
		Order: s.Decrypted(updated),
		Actor: actor,
		Old:   from,
		New:   statemachine.StatusClosed,
	})
	return updated, nil
}

// split делит прибыль (total − materials) по ставке специализации.
// Доля компании — остаток, чтобы сумма сходилась копейка в копейку.
func (s *OrderService) split(ctx context.Context, total, materials decimal.Decimal, specialization string) (master, company decimal.Decimal, err error) {
	rate, err := s.rates.GetBySpecialization(ctx, specialization)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	base := total.Sub(materials)
	master = base.Mul(rate.MasterPercentage).Div(decimal.NewFromInt(100)).Round(2)
	company = base.Sub(master)
	return master, company, nil
}

// Reschedule переносит выезд: обновляет scheduled_time и счётчик
// переносов, уведомляет назначенного мастера.
func (s *OrderService) Reschedule(ctx context.Context, orderID int64, newTime, reason string, actorID int64) (*database.Order, error) {
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsDispatcher() && !actor.IsAdmin() {
		return nil, fmt.Errorf("перенос: %w", ErrForbidden)
	}

	var updated *database.Order
	for attempt := 0; attempt < lockRetries; attempt++ {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if statemachine.IsTerminal(order.Status) || order.Status == statemachine.StatusRefused {
			return nil, invalid("статус", "нельзя перенести закрытый или отклонённый заказ")
		}
		updated, err = s.orders.UpdateFields(ctx, orderID, order.Version, map[string]any{
			"scheduled_time":      newTime,
			"rescheduled_count":   order.RescheduledCount + 1,
			"last_rescheduled_at": time.Now(),
			"reschedule_reason":   reason,
		}, actorID)
		if errors.Is(err, repositories.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, repositories.ErrOptimisticLock
	}

	s.auditLog(ctx, actorID, database.AuditReschedule, map[string]any{
		"order_id": orderID,
		"time":     newTime,
	})
	s.publish(Event{Type: EventOrderRescheduled, Order: s.Decrypted(updated), Actor: actor, New: updated.Status, Notes: reason})
	return updated, nil
}

// FieldPatch — частичное редактирование заказа. nil-поля не трогаются.
type FieldPatch struct {
	EquipmentType *string
	Description   *string
	Notes         *string
	ClientName    *string
	ClientAddress *string
	ClientPhone   *string
	ScheduledTime *string

	TotalAmount   *decimal.Decimal
	MaterialsCost *decimal.Decimal
	HasReview     *bool
	OutOfCity     *bool
}

func (p *FieldPatch) touchesClientContacts() bool {
	return p.ClientName != nil || p.ClientAddress != nil || p.ClientPhone != nil
}

func (p *FieldPatch) touchesNonFinancial() bool {
	return p.EquipmentType != nil || p.Description != nil || p.Notes != nil ||
		p.ScheduledTime != nil || p.touchesClientContacts()
}

// UpdateFields редактирует заказ с пополевой проверкой прав:
// мастера не трогают контакты клиента; терминальные заказы правит
// только админ, и только финансовые поля закрытого заказа.
func (s *OrderService) UpdateFields(ctx context.Context, orderID int64, patch FieldPatch, actorID int64) (*database.Order, error) {
	actor, err := s.users.GetByTelegramID(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var updated *database.Order
	for attempt := 0; attempt < lockRetries; attempt++ {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}

		terminal := order.Status == statemachine.StatusClosed || order.Status == statemachine.StatusRefused
		if terminal {
			// финансовая корректировка закрытого заказа — только админ
			if !(actor.IsAdmin() && order.Status == statemachine.StatusClosed) {
				return nil, fmt.Errorf("правка завершённого заказа: %w", ErrForbidden)
			}
			if patch.touchesNonFinancial() {
				return nil, fmt.Errorf("в закрытом заказе правятся только финансовые поля: %w", ErrForbidden)
			}
		}
		if actor.IsMaster() && !actor.IsAdmin() && !actor.IsDispatcher() && patch.touchesClientContacts() {
			return nil, fmt.Errorf("контакты клиента мастеру недоступны: %w", ErrForbidden)
		}

		updates, err := s.buildPatch(patch)
		if err != nil {
			return nil, err
		}
		if len(updates) == 0 {
			return order, nil
		}

		updated, err = s.orders.UpdateFields(ctx, orderID, order.Version, updates, actorID)
		if errors.Is(err, repositories.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, repositories.ErrOptimisticLock
	}

	s.auditLog(ctx, actorID, database.AuditUpdateOrder, map[string]any{"order_id": orderID})
	return updated, nil
}

func (s *OrderService) buildPatch(patch FieldPatch) (map[string]any, error) {
	updates := map[string]any{}
	if patch.EquipmentType != nil {
		if !database.IsKnownEquipment(*patch.EquipmentType) {
			return nil, invalid("тип техники", "неизвестный тип")
		}
		updates["equipment_type"] = *patch.EquipmentType
	}
	if patch.Description != nil {
		if err := validateDescription(*patch.Description); err != nil {
			return nil, err
		}
		updates["description"] = *patch.Description
	}
	if patch.Notes != nil {
		if err := validateNotes(*patch.Notes); err != nil {
			return nil, err
		}
		updates["notes"] = *patch.Notes
	}
	if patch.ClientName != nil {
		if err := validateName(*patch.ClientName); err != nil {
			return nil, err
		}
		enc, err := s.cipher.Encrypt(*patch.ClientName)
		if err != nil {
			return nil, err
		}
		updates["client_name"] = enc
	}
	if patch.ClientAddress != nil {
		if err := validateAddress(*patch.ClientAddress); err != nil {
			return nil, err
		}
		enc, err := s.cipher.Encrypt(*patch.ClientAddress)
		if err != nil {
			return nil, err
		}
		updates["client_address"] = enc
	}
	if patch.ClientPhone != nil {
		phone, err := NormalizePhone(*patch.ClientPhone)
		if err != nil {
			return nil, err
		}
		enc, err := s.cipher.Encrypt(phone)
		if err != nil {
			return nil, err
		}
		updates["client_phone"] = enc
	}
	if patch.ScheduledTime != nil {
		updates["scheduled_time"] = *patch.ScheduledTime
	}
	if patch.TotalAmount != nil {
		updates["total_amount"] = *patch.TotalAmount
	}
	if patch.MaterialsCost != nil {
		updates["materials_cost"] = *patch.MaterialsCost
	}
	if patch.HasReview != nil {
		updates["has_review"] = *patch.HasReview
	}
	if patch.OutOfCity != nil {
		updates["out_of_city"] = *patch.OutOfCity
	}
	return updates, nil
}

// ListForMaster — заказы мастера, по умолчанию без закрытых и отказов.
func (s *OrderService) ListForMaster(ctx context.Context, masterID int64, excludeClosed bool) ([]database.Order, error) {
	return s.orders.List(ctx, repositories.OrderFilter{
		MasterID:      masterID,
		ExcludeClosed: excludeClosed,
	})
}

// ListByPeriod — заказы, созданные в интервале [from, to).
func (s *OrderService) ListByPeriod(ctx context.Context, from, to time.Time, limit int) ([]database.Order, error) {
	return s.orders.List(ctx, repositories.OrderFilter{From: from, To: to, Limit: limit})
}

func (s *OrderService) ListByFilter(ctx context.Context, f repositories.OrderFilter) ([]database.Order, error) {
	return s.orders.List(ctx, f)
}

func (s *OrderService) Get(ctx context.Context, orderID int64) (*database.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// StatusHistory — журнал смен статуса в порядке изменения.
func (s *OrderService) StatusHistory(ctx context.Context, orderID int64) ([]database.StatusHistory, error) {
	return s.orders.History(ctx, orderID)
}

// Decrypted возвращает копию заказа с расшифрованными персональными
// полями для показа авторизованному получателю. В логи не пишется.
func (s *OrderService) Decrypted(o *database.Order) *database.Order {
	cp := *o
	cp.ClientName = s.cipher.Decrypt(o.ClientName)
	cp.ClientAddress = s.cipher.Decrypt(o.ClientAddress)
	cp.ClientPhone = s.cipher.Decrypt(o.ClientPhone)
	return &cp
}

func (s *OrderService) auditLog(ctx context.Context, userID int64, action string, details map[string]any) {
	if err := s.audit.Append(ctx, userID, action, details); err != nil {
		s.log.Error("запись аудита не удалась",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (s *OrderService) publish(e Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}
