package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"remontbot/database"
	"remontbot/statemachine"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// OrderFilter отбирает заказы в списках. Сортировка всегда стабильная:
// created_at по убыванию, затем id.
type OrderFilter struct {
	Status         statemachine.Status
	Statuses       []statemachine.Status
	MasterID       int64
	DispatcherID   int64
	From, To       time.Time // период по created_at
	ExcludeClosed  bool
	Limit          int
	IncludeDeleted bool
}

// StatusChange — атомарная смена статуса: проверка исходного статуса и
// version, обязательных полей целевого статуса, запись истории и аудита
// в одной транзакции.
type StatusChange struct {
	OrderID         int64
	From, To        statemachine.Status
	ExpectedVersion int64
	ActorID         int64
	Notes           string
	ClearMaster     bool           // политика: уход в NEW/REFUSED снимает мастера
	Set             map[string]any // дополнительные поля (финансы, сроки, причины)
}

// Create сохраняет заказ и первую запись истории (→ NEW) в одной
// транзакции.
func (r *OrderRepository) Create(ctx context.Context, o *database.Order) error {
	if err := checkStatusInvariants(o); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(o).Error; err != nil {
			return err
		}
		return tx.Create(&database.StatusHistory{
			OrderID:   o.ID,
			OldStatus: o.Status,
			NewStatus: o.Status,
			ChangedBy: o.DispatcherID,
			ChangedAt: time.Now(),
		}).Error
	})
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*database.Order, error) {
	return getOrder(r.db.WithContext(ctx), id)
}

func getOrder(tx *gorm.DB, id int64) (*database.Order, error) {
	var o database.Order
	err := tx.First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("заказ %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) List(ctx context.Context, f OrderFilter) ([]database.Order, error) {
	q := r.db.WithContext(ctx).Model(&database.Order{})
	if f.IncludeDeleted {
		q = q.Unscoped()
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ExcludeClosed {
		q = q.Where("status NOT IN ?", []statemachine.Status{statemachine.StatusClosed, statemachine.StatusRefused})
	}
	if f.MasterID != 0 {
		q = q.Where("assigned_master_id = ?", f.MasterID)
	}
	if f.DispatcherID != 0 {
		q = q.Where("dispatcher_id = ?", f.DispatcherID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var orders []database.Order
	if err := q.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CountByStatus — сводка для ежедневного отчёта.
func (r *OrderRepository) CountByStatus(ctx context.Context) (map[statemachine.Status]int64, error) {
	type row struct {
		Status statemachine.Status
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&database.Order{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[statemachine.Status]int64, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}

func (r *OrderRepository) CountCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&database.Order{}).
		Where("created_at >= ?", since).
		Count(&n).Error
	return n, err
}

// UpdateFields меняет поля заказа с оптимистической блокировкой и пишет
// изменения в entity_history. Статус этим путём не меняется.
func (r *OrderRepository) UpdateFields(ctx context.Context, id, expectedVersion int64, patch map[string]any, actorID int64) (*database.Order, error) {
	if _, ok := patch["status"]; ok {
		return nil, errors.New("статус меняется только через UpdateStatus")
	}
	var updated *database.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := getOrder(tx, id)
		if err != nil {
			return err
		}
		if order.Version != expectedVersion {
			return ErrOptimisticLock
		}

		updates := make(map[string]any, len(patch)+2)
		for k, v := range patch {
			updates[k] = v
		}
		updates["version"] = expectedVersion + 1
		updates["updated_at"] = time.Now()

		res := tx.Model(&database.Order{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOptimisticLock
		}

		if err := appendEntityHistory(tx, "order", id, actorID, patch); err != nil {
			return err
		}

		updated, err = getOrder(tx, id)
		if err != nil {
			return err
		}
		return checkStatusInvariants(updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateStatus выполняет переход статуса. Проверка таблицы переходов и
// ролей — дело сервиса; здесь проверяются исходный статус, version и
// структурные инварианты целевого статуса.
func (r *OrderRepository) UpdateStatus(ctx context.Context, ch StatusChange) (*database.Order, error) {
	var updated *database.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := getOrder(tx, ch.OrderID)
		if err != nil {
			return err
		}
		if order.Version != ch.ExpectedVersion {
			return ErrOptimisticLock
		}
		if order.Status != ch.From {
			return fmt.Errorf("ожидался %s, в базе %s: %w", ch.From, order.Status, ErrStatusMismatch)
		}

		updates := map[string]any{
			"status":     ch.To,
			"version":    ch.ExpectedVersion + 1,
			"updated_at": time.Now(),
		}
		if ch.ClearMaster {
			updates["assigned_master_id"] = nil
		}
		for k, v := range ch.Set {
			updates[k] = v
		}

		res := tx.Model(&database.Order{}).
			Where("id = ? AND version = ?", ch.OrderID, ch.ExpectedVersion).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOptimisticLock
		}

		updated, err = getOrder(tx, ch.OrderID)
		if err != nil {
			return err
		}
		if err := checkStatusInvariants(updated); err != nil {
			return err
		}

		// история статусов — в той же транзакции, что и сам переход
		if err := tx.Create(&database.StatusHistory{
			OrderID:   ch.OrderID,
			OldStatus: ch.From,
			NewStatus: ch.To,
			ChangedBy: ch.ActorID,
			ChangedAt: time.Now(),
			Notes:     ch.Notes,
		}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AssignMaster атомарно назначает мастера: ставит assigned_master_id,
// переводит заказ в ASSIGNED и пишет историю.
func (r *OrderRepository) AssignMaster(ctx context.Context, orderID, masterID, actorID, expectedVersion int64) (*database.Order, error) {
	var updated *database.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := getOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.Version != expectedVersion {
			return ErrOptimisticLock
		}

		res := tx.Model(&database.Order{}).
			Where("id = ? AND version = ?", orderID, expectedVersion).
			Updates(map[string]any{
				"assigned_master_id": masterID,
				"status":             statemachine.StatusAssigned,
				"version":            expectedVersion + 1,
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOptimisticLock
		}

		if err := tx.Create(&database.StatusHistory{
			OrderID:   orderID,
			OldStatus: order.Status,
			NewStatus: statemachine.StatusAssigned,
			ChangedBy: actorID,
			ChangedAt: time.Now(),
		}).Error; err != nil {
			return err
		}

		updated, err = getOrder(tx, orderID)
		if err != nil {
			return err
		}
		return checkStatusInvariants(updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDelete помечает заказ удалённым; из обычных выборок он исчезает.
func (r *OrderRepository) SoftDelete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&database.Order{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("заказ %d: %w", id, ErrNotFound)
	}
	return nil
}

// History возвращает журнал смен статуса заказа по времени.
func (r *OrderRepository) History(ctx context.Context, orderID int64) ([]database.StatusHistory, error) {
	var entries []database.StatusHistory
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).
		Order("changed_at, id").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// checkStatusInvariants — структурные требования статуса на границе
// хранилища: запись, нарушающая их, не фиксируется.
func checkStatusInvariants(o *database.Order) error {
	inv := statemachine.FieldInvariants(o.Status)
	if inv.AssignedMaster && o.AssignedMasterID == nil {
		return fmt.Errorf("статус %s без мастера: %w", o.Status, ErrInvariant)
	}
	if inv.NoMaster && o.AssignedMasterID != nil {
		return fmt.Errorf("статус %s с назначенным мастером: %w", o.Status, ErrInvariant)
	}
	if inv.TotalAmount && !o.TotalAmount.Valid {
		return fmt.Errorf("статус %s без суммы: %w", o.Status, ErrInvariant)
	}
	if inv.EstimatedFinish && o.EstimatedCompletionDate == nil {
		return fmt.Errorf("статус %s без срока завершения: %w", o.Status, ErrInvariant)
	}
	return nil
}

func appendEntityHistory(tx *gorm.DB, entityType string, entityID, actorID int64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	changes, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return tx.Create(&database.EntityHistory{
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    datatypes.JSON(changes),
		ChangedBy:  actorID,
		CreatedAt:  time.Now(),
	}).Error
}
