package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
)

type fakeOrders struct {
	orders   []database.Order
	byStatus map[statemachine.Status]int64
	created  int64
}

func (f *fakeOrders) List(_ context.Context, fl repositories.OrderFilter) ([]database.Order, error) {
	var out []database.Order
	for _, o := range f.orders {
		if fl.Status != "" && o.Status != fl.Status {
			continue
		}
		if fl.ExcludeClosed && (o.Status == statemachine.StatusClosed || o.Status == statemachine.StatusRefused) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeOrders) CountByStatus(context.Context) (map[statemachine.Status]int64, error) {
	return f.byStatus, nil
}

func (f *fakeOrders) CountCreatedSince(context.Context, time.Time) (int64, error) {
	return f.created, nil
}

type fakeUsers struct {
	byRole map[statemachine.Role][]database.User
}

func (f *fakeUsers) ListByRole(_ context.Context, role statemachine.Role) ([]database.User, error) {
	return f.byRole[role], nil
}

type fakeMasters struct {
	byID     map[int64]*database.Master
	eligible []database.Master
}

func (f *fakeMasters) GetByID(_ context.Context, id int64) (*database.Master, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeMasters) List(context.Context, repositories.MasterFilter) ([]database.Master, error) {
	return f.eligible, nil
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeMessenger) SendHTML(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func newTestScheduler(orders *fakeOrders, users *fakeUsers, masters *fakeMasters, at time.Time) (*Scheduler, *fakeMessenger) {
	msg := &fakeMessenger{}
	s := New(orders, users, masters, msg, DefaultConfig(), zap.NewNop())
	s.now = func() time.Time { return at }
	return s, msg
}

func adminsAnd(dispatchers ...int64) *fakeUsers {
	f := &fakeUsers{byRole: map[statemachine.Role][]database.User{
		statemachine.RoleAdmin: {{TelegramID: 300, Roles: "ADMIN"}},
	}}
	for _, id := range dispatchers {
		f.byRole[statemachine.RoleDispatcher] = append(
			f.byRole[statemachine.RoleDispatcher],
			database.User{TelegramID: id, Roles: "DISPATCHER"},
		)
	}
	return f
}

func TestSLAScanAlertsOnStaleNewOrder(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	orders := &fakeOrders{orders: []database.Order{
		{ID: 7, Status: statemachine.StatusNew, EquipmentType: "Холодильник", UpdatedAt: now.Add(-3 * time.Hour)},
	}}
	s, msg := newTestScheduler(orders, adminsAnd(), &fakeMasters{}, now)

	if err := s.RunSLAScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(msg.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(msg.sent))
	}
	got := msg.sent[0]
	if got.chatID != 300 {
		t.Errorf("chatID = %d, want 300 (админ)", got.chatID)
	}
	if !strings.Contains(got.text, "Просроченные заказы: 1") {
		t.Errorf("нет заголовка с числом просрочек: %q", got.text)
	}
	if !strings.Contains(got.text, "3ч") {
		t.Errorf("нет времени в статусе: %q", got.text)
	}
}

func TestSLAScanSilentWhenWithinThresholds(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	mid := int64(1)
	orders := &fakeOrders{orders: []database.Order{
		{ID: 1, Status: statemachine.StatusNew, UpdatedAt: now.Add(-90 * time.Minute)},
		{ID: 2, Status: statemachine.StatusAssigned, AssignedMasterID: &mid, UpdatedAt: now.Add(-3 * time.Hour)},
		{ID: 3, Status: statemachine.StatusClosed, UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: 4, Status: statemachine.StatusDR, AssignedMasterID: &mid, UpdatedAt: now.Add(-72 * time.Hour)},
	}}
	s, msg := newTestScheduler(orders, adminsAnd(), &fakeMasters{}, now)

	if err := s.RunSLAScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(msg.sent) != 0 {
		t.Errorf("алертов = %d, want 0: %v", len(msg.sent), msg.sent)
	}
}

func TestSLAScanCollapsesTail(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	orders := &fakeOrders{}
	for i := int64(1); i <= 8; i++ {
		orders.orders = append(orders.orders, database.Order{
			ID: i, Status: statemachine.StatusNew,
			UpdatedAt: now.Add(-time.Duration(2+i) * time.Hour),
		})
	}
	s, msg := newTestScheduler(orders, adminsAnd(), &fakeMasters{}, now)

	if err := s.RunSLAScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(msg.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(msg.sent))
	}
	text := msg.sent[0].text
	if !strings.Contains(text, "Просроченные заказы: 8") {
		t.Errorf("нет общего числа: %q", text)
	}
	if !strings.Contains(text, "… и ещё 3") {
		t.Errorf("хвост не свёрнут: %q", text)
	}
	// перечисляются самые давние; свежайшие ушли в хвост
	if !strings.Contains(text, "№8") || strings.Contains(text, "№1 ") {
		t.Errorf("нет сортировки по убыванию давности: %q", text)
	}
}

func TestDailySummaryGoesToAdminsAndDispatchers(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	orders := &fakeOrders{
		byStatus: map[statemachine.Status]int64{
			statemachine.StatusNew:      2,
			statemachine.StatusAssigned: 1,
			statemachine.StatusClosed:   10,
		},
		created: 5,
	}
	masters := &fakeMasters{eligible: []database.Master{{ID: 1}, {ID: 2}, {ID: 3}}}
	s, msg := newTestScheduler(orders, adminsAnd(100, 101), masters, now)

	if err := s.RunDailySummary(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(msg.sent) != 3 {
		t.Fatalf("sent = %d, want 3 (админ + два диспетчера)", len(msg.sent))
	}
	text := msg.sent[0].text
	for _, want := range []string{
		"Новых заказов за 24 часа: 5",
		"Мастеров в работе: 3",
		"Новый: 2",
		"Назначен: 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("в сводке нет %q: %q", want, text)
		}
	}
	// терминальные статусы в сводке активных не показываются
	if strings.Contains(text, "Закрыт") {
		t.Errorf("в сводке активных есть закрытые: %q", text)
	}
}

func TestReminderForStaleAssignment(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m1, m2 := int64(1), int64(2)
	orders := &fakeOrders{orders: []database.Order{
		{ID: 7, Status: statemachine.StatusAssigned, EquipmentType: "Стиральная машина",
			AssignedMasterID: &m1, UpdatedAt: now.Add(-3 * time.Hour)},
		{ID: 8, Status: statemachine.StatusAssigned,
			AssignedMasterID: &m2, UpdatedAt: now.Add(-time.Hour)},
	}}
	masters := &fakeMasters{byID: map[int64]*database.Master{
		1: {ID: 1, TelegramID: 200},
		2: {ID: 2, TelegramID: 201},
	}}
	s, msg := newTestScheduler(orders, adminsAnd(), masters, now)

	if err := s.RunAssignmentReminder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(msg.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(msg.sent))
	}
	if msg.sent[0].chatID != 200 {
		t.Errorf("chatID = %d, want 200", msg.sent[0].chatID)
	}
	if !strings.Contains(msg.sent[0].text, "№7") {
		t.Errorf("напоминание не про заказ 7: %q", msg.sent[0].text)
	}
}

func TestRunJobSkipsWhileRunning(t *testing.T) {
	s, _ := newTestScheduler(&fakeOrders{}, adminsAnd(), &fakeMasters{}, time.Now())
	ctx := context.Background()
	ran := 0
	s.slaMu.Lock()
	s.runJob(ctx, "sla_scan", &s.slaMu, func(context.Context) error { ran++; return nil })
	s.slaMu.Unlock()
	if ran != 0 {
		t.Errorf("задача выполнилась поверх ещё идущей")
	}
	s.runJob(ctx, "sla_scan", &s.slaMu, func(context.Context) error { ran++; return nil })
	if ran != 1 {
		t.Errorf("задача не выполнилась после освобождения")
	}
}

func TestRunJobSwallowsPanic(t *testing.T) {
	s, _ := newTestScheduler(&fakeOrders{}, adminsAnd(), &fakeMasters{}, time.Now())
	ctx := context.Background()
	s.runJob(ctx, "sla_scan", &s.slaMu, func(context.Context) error { panic("boom") })
	// планировщик жив и выполняет следующую задачу
	ran := false
	s.runJob(ctx, "sla_scan", &s.slaMu, func(context.Context) error { ran = true; return nil })
	if !ran {
		t.Errorf("после паники задачи не выполняются")
	}
}

func TestUntilNextSummary(t *testing.T) {
	s, _ := newTestScheduler(&fakeOrders{}, adminsAnd(), &fakeMasters{}, time.Now())
	cases := []struct {
		at   time.Time
		want time.Duration
	}{
		{time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), time.Hour},
		{time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), 24 * time.Hour},
		{time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC), 9*time.Hour + 30*time.Minute},
	}
	for _, c := range cases {
		s.now = func() time.Time { return c.at }
		if got := s.untilNextSummary(); got != c.want {
			t.Errorf("untilNextSummary(%v) = %v, want %v", c.at, got, c.want)
		}
	}
}

func TestSummaryHourZeroMeansMidnight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummaryHour = 0
	s := New(&fakeOrders{}, adminsAnd(), &fakeMasters{}, &fakeMessenger{}, cfg, zap.NewNop())
	if s.cfg.SummaryHour != 0 {
		t.Fatalf("SummaryHour = %d, want 0", s.cfg.SummaryHour)
	}

	s.now = func() time.Time { return time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC) }
	if got := s.untilNextSummary(); got != time.Hour {
		t.Errorf("untilNextSummary = %v, want 1h до полуночи", got)
	}

	// вне диапазона — дефолтные 9 часов
	cfg.SummaryHour = -1
	s = New(&fakeOrders{}, adminsAnd(), &fakeMasters{}, &fakeMessenger{}, cfg, zap.NewNop())
	if s.cfg.SummaryHour != 9 {
		t.Errorf("SummaryHour = %d, want 9", s.cfg.SummaryHour)
	}
	cfg.SummaryHour = 24
	s = New(&fakeOrders{}, adminsAnd(), &fakeMasters{}, &fakeMessenger{}, cfg, zap.NewNop())
	if s.cfg.SummaryHour != 9 {
		t.Errorf("SummaryHour = %d, want 9", s.cfg.SummaryHour)
	}
}
