package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
)

// Фейковые хранилища в памяти для тестов сервисов.

type fakeUserStore struct {
	users map[int64]*database.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[int64]*database.User{}}
}

func (f *fakeUserStore) GetOrCreate(_ context.Context, id int64, first, last, username string) (*database.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	u := &database.User{
		TelegramID: id,
		FirstName:  first,
		LastName:   last,
		Username:   username,
		Roles:      string(statemachine.RoleUnknown),
		Version:    1,
	}
	f.users[id] = u
	return u, nil
}

func (f *fakeUserStore) GetByTelegramID(_ context.Context, id int64) (*database.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, repositories.ErrNotFound)
	}
	return u, nil
}

func (f *fakeUserStore) SetRoles(ctx context.Context, id int64, roles []statemachine.Role) error {
	u, err := f.GetByTelegramID(ctx, id)
	if err != nil {
		return err
	}
	u.Roles = database.CanonicalRoles(roles)
	u.Version++
	return nil
}

func (f *fakeUserStore) AddRole(ctx context.Context, id int64, role statemachine.Role) error {
	u, err := f.GetByTelegramID(ctx, id)
	if err != nil {
		return err
	}
	return f.SetRoles(ctx, id, append(u.RoleList(), role))
}

func (f *fakeUserStore) RemoveRole(ctx context.Context, id int64, role statemachine.Role) error {
	u, err := f.GetByTelegramID(ctx, id)
	if err != nil {
		return err
	}
	var rest []statemachine.Role
	for _, r := range u.RoleList() {
		if r != role {
			rest = append(rest, r)
		}
	}
	return f.SetRoles(ctx, id, rest)
}

func (f *fakeUserStore) ListByRole(_ context.Context, role statemachine.Role) ([]database.User, error) {
	var out []database.User
	for _, u := range f.users {
		if u.HasRole(role) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramID < out[j].TelegramID })
	return out, nil
}

type fakeMasterStore struct {
	masters map[int64]*database.Master
	nextID  int64
}

func newFakeMasterStore() *fakeMasterStore {
	return &fakeMasterStore{masters: map[int64]*database.Master{}, nextID: 1}
}

func (f *fakeMasterStore) Create(_ context.Context, m *database.Master) error {
	m.ID = f.nextID
	f.nextID++
	m.Version = 1
	f.masters[m.ID] = m
	return nil
}

func (f *fakeMasterStore) GetByID(_ context.Context, id int64) (*database.Master, error) {
	m, ok := f.masters[id]
	if !ok {
		return nil, fmt.Errorf("master %d: %w", id, repositories.ErrNotFound)
	}
	return m, nil
}

func (f *fakeMasterStore) GetByTelegramID(_ context.Context, tg int64) (*database.Master, error) {
	for _, m := range f.masters {
		if m.TelegramID == tg {
			return m, nil
		}
	}
	return nil, fmt.Errorf("master tg=%d: %w", tg, repositories.ErrNotFound)
}

func (f *fakeMasterStore) List(_ context.Context, filter repositories.MasterFilter) ([]database.Master, error) {
	var out []database.Master
	for _, m := range f.masters {
		if filter.OnlyEligible && !m.Eligible() {
			continue
		}
		if filter.OnlyPending && m.IsApproved {
			continue
		}
		if filter.Specialization != "" && m.Specialization != filter.Specialization {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeMasterStore) Approve(ctx context.Context, id int64) error {
	m, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	m.IsApproved = true
	m.Version++
	return nil
}

func (f *fakeMasterStore) SetActive(ctx context.Context, id int64, active bool) error {
	m, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	m.IsActive = active
	m.Version++
	return nil
}

func (f *fakeMasterStore) SetWorkChat(ctx context.Context, id int64, chatID int64) error {
	m, err := f.GetByID(ctx, id)
	if err != nil {
		return err
	}
	m.WorkChatID = &chatID
	m.Version++
	return nil
}

type fakeOrderStore struct {
	orders  map[int64]*database.Order
	history []database.StatusHistory
	nextID  int64
	// failAssigns имитирует проигранную гонку: первые N AssignMaster
	// возвращают конфликт версий.
	failAssigns int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: map[int64]*database.Order{}, nextID: 1}
}

// checkInvariants повторяет структурные проверки настоящего хранилища:
// запись, нарушающая требования своего статуса, не фиксируется.
func checkInvariants(o *database.Order) error {
	inv := statemachine.FieldInvariants(o.Status)
	if inv.AssignedMaster && o.AssignedMasterID == nil {
		return fmt.Errorf("статус %s без мастера: %w", o.Status, repositories.ErrInvariant)
	}
	if inv.NoMaster && o.AssignedMasterID != nil {
		return fmt.Errorf("статус %s с назначенным мастером: %w", o.Status, repositories.ErrInvariant)
	}
	if inv.TotalAmount && !o.TotalAmount.Valid {
		return fmt.Errorf("статус %s без суммы: %w", o.Status, repositories.ErrInvariant)
	}
	if inv.EstimatedFinish && o.EstimatedCompletionDate == nil {
		return fmt.Errorf("статус %s без срока завершения: %w", o.Status, repositories.ErrInvariant)
	}
	return nil
}

func (f *fakeOrderStore) Create(_ context.Context, o *database.Order) error {
	if err := checkInvariants(o); err != nil {
		return err
	}
	o.ID = f.nextID
	f.nextID++
	o.Version = 1
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	f.orders[o.ID] = o
	f.history = append(f.history, database.StatusHistory{
		OrderID: o.ID, OldStatus: o.Status, NewStatus: o.Status,
		ChangedBy: o.DispatcherID, ChangedAt: time.Now(),
	})
	return nil
}

func (f *fakeOrderStore) GetByID(_ context.Context, id int64) (*database.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, repositories.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) List(_ context.Context, filter repositories.OrderFilter) ([]database.Order, error) {
	var out []database.Order
	for _, o := range f.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.ExcludeClosed &&
			(o.Status == statemachine.StatusClosed || o.Status == statemachine.StatusRefused) {
			continue
		}
		if filter.MasterID != 0 && (o.AssignedMasterID == nil || *o.AssignedMasterID != filter.MasterID) {
			continue
		}
		if !filter.From.IsZero() && o.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !o.CreatedAt.Before(filter.To) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func applyColumn(o *database.Order, col string, v any) {
	switch col {
	case "equipment_type":
		o.EquipmentType = v.(string)
	case "description":
		o.Description = v.(string)
	case "notes":
		o.Notes = v.(string)
	case "client_name":
		o.ClientName = v.(string)
	case "client_address":
		o.ClientAddress = v.(string)
	case "client_phone":
		o.ClientPhone = v.(string)
	case "scheduled_time":
		o.ScheduledTime = v.(string)
	case "refuse_reason":
		o.RefuseReason = v.(string)
	case "reschedule_reason":
		o.RescheduleReason = v.(string)
	case "rescheduled_count":
		o.RescheduledCount = v.(int)
	case "last_rescheduled_at":
		t := v.(time.Time)
		o.LastRescheduledAt = &t
	case "estimated_completion_date":
		t := v.(time.Time)
		o.EstimatedCompletionDate = &t
	case "total_amount":
		o.TotalAmount = decimal.NewNullDecimal(v.(decimal.Decimal))
	case "materials_cost":
		o.MaterialsCost = decimal.NewNullDecimal(v.(decimal.Decimal))
	case "master_profit":
		o.MasterProfit = decimal.NewNullDecimal(v.(decimal.Decimal))
	case "company_profit":
		o.CompanyProfit = decimal.NewNullDecimal(v.(decimal.Decimal))
	case "has_review":
		o.HasReview = v.(bool)
	case "out_of_city":
		o.OutOfCity = v.(bool)
	}
}

func (f *fakeOrderStore) UpdateFields(_ context.Context, id, expectedVersion int64, patch map[string]any, actorID int64) (*database.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if o.Version != expectedVersion {
		return nil, repositories.ErrOptimisticLock
	}
	cp := *o
	for k, v := range patch {
		applyColumn(&cp, k, v)
	}
	if err := checkInvariants(&cp); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = time.Now()
	*o = cp
	out := cp
	return &out, nil
}

func (f *fakeOrderStore) UpdateStatus(_ context.Context, ch repositories.StatusChange) (*database.Order, error) {
	o, ok := f.orders[ch.OrderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if o.Version != ch.ExpectedVersion {
		return nil, repositories.ErrOptimisticLock
	}
	if o.Status != ch.From {
		return nil, repositories.ErrStatusMismatch
	}
	// изменения применяются к копии: при нарушении инварианта запись
	// остаётся нетронутой, как при откате транзакции
	cp := *o
	cp.Status = ch.To
	if ch.ClearMaster {
		cp.AssignedMasterID = nil
	}
	for k, v := range ch.Set {
		applyColumn(&cp, k, v)
	}
	if err := checkInvariants(&cp); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = time.Now()
	*o = cp
	f.history = append(f.history, database.StatusHistory{
		OrderID: ch.OrderID, OldStatus: ch.From, NewStatus: ch.To,
		ChangedBy: ch.ActorID, ChangedAt: time.Now(), Notes: ch.Notes,
	})
	out := cp
	return &out, nil
}

func (f *fakeOrderStore) AssignMaster(_ context.Context, orderID, masterID, actorID, expectedVersion int64) (*database.Order, error) {
	if f.failAssigns > 0 {
		f.failAssigns--
		// параллельный победитель уже назначил мастера
		if o, ok := f.orders[orderID]; ok && o.Status == statemachine.StatusNew {
			o.Status = statemachine.StatusAssigned
			o.AssignedMasterID = &masterID
			o.Version++
			f.history = append(f.history, database.StatusHistory{
				OrderID: orderID, OldStatus: statemachine.StatusNew,
				NewStatus: statemachine.StatusAssigned, ChangedBy: actorID, ChangedAt: time.Now(),
			})
		}
		return nil, repositories.ErrOptimisticLock
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if o.Version != expectedVersion {
		return nil, repositories.ErrOptimisticLock
	}
	cp := *o
	cp.Status = statemachine.StatusAssigned
	cp.AssignedMasterID = &masterID
	if err := checkInvariants(&cp); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = time.Now()
	from := o.Status
	*o = cp
	f.history = append(f.history, database.StatusHistory{
		OrderID: orderID, OldStatus: from, NewStatus: statemachine.StatusAssigned,
		ChangedBy: actorID, ChangedAt: time.Now(),
	})
	out := cp
	return &out, nil
}

func (f *fakeOrderStore) SoftDelete(_ context.Context, id int64) error {
	if _, ok := f.orders[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.orders, id)
	return nil
}

func (f *fakeOrderStore) History(_ context.Context, orderID int64) ([]database.StatusHistory, error) {
	var out []database.StatusHistory
	for _, h := range f.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) CountByStatus(_ context.Context) (map[statemachine.Status]int64, error) {
	out := map[statemachine.Status]int64{}
	for _, o := range f.orders {
		out[o.Status]++
	}
	return out, nil
}

func (f *fakeOrderStore) CountCreatedSince(_ context.Context, since time.Time) (int64, error) {
	var n int64
	for _, o := range f.orders {
		if !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type auditEntry struct {
	userID  int64
	action  string
	details map[string]any
}

type fakeAuditStore struct {
	entries []auditEntry
}

func (f *fakeAuditStore) Append(_ context.Context, userID int64, action string, details map[string]any) error {
	f.entries = append(f.entries, auditEntry{userID, action, details})
	return nil
}

func (f *fakeAuditStore) actions() []string {
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.action
	}
	return out
}

type fakeRateStore struct {
	rates map[string]*database.SpecializationRate
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{rates: map[string]*database.SpecializationRate{}}
}

func (f *fakeRateStore) GetBySpecialization(ctx context.Context, name string) (*database.SpecializationRate, error) {
	if r, ok := f.rates[name]; ok {
		return r, nil
	}
	return f.GetDefault(ctx)
}

func (f *fakeRateStore) GetDefault(_ context.Context) (*database.SpecializationRate, error) {
	half := decimal.NewFromInt(50)
	return &database.SpecializationRate{
		Name: "default", MasterPercentage: half, CompanyPercentage: half, IsDefault: true,
	}, nil
}

func (f *fakeRateStore) Upsert(_ context.Context, name string, masterPct, companyPct decimal.Decimal) error {
	f.rates[name] = &database.SpecializationRate{
		Name: name, MasterPercentage: masterPct, CompanyPercentage: companyPct,
	}
	return nil
}

type fakeSink struct {
	events []Event
}

func (f *fakeSink) Publish(e Event) { f.events = append(f.events, e) }
