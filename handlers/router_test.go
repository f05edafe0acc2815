package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"remontbot/database"
	"remontbot/ratelimit"
	"remontbot/repositories"
	"remontbot/services"
	"remontbot/statemachine"
	"remontbot/states"
)

const (
	dispatcherTG = int64(100)
	masterTG     = int64(200)
	adminTG      = int64(300)
	strangerTG   = int64(400)
)

type fakeOrderOps struct {
	orders    map[int64]*database.Order
	created   []services.CreateOrderInput
	closed    []int64
	getPanics bool
	changeErr error
	lastClose struct {
		total, materials  decimal.Decimal
		review, outOfCity bool
	}
}

func newFakeOrderOps() *fakeOrderOps {
	return &fakeOrderOps{orders: map[int64]*database.Order{}}
}

func (f *fakeOrderOps) CreateOrder(_ context.Context, in services.CreateOrderInput, dispatcherID int64) (*database.Order, error) {
	f.created = append(f.created, in)
	o := &database.Order{
		ID:            int64(len(f.created)),
		EquipmentType: in.EquipmentType,
		Status:        statemachine.StatusNew,
		DispatcherID:  dispatcherID,
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeOrderOps) CancelOrder(_ context.Context, orderID, actorID int64) error {
	delete(f.orders, orderID)
	return nil
}

func (f *fakeOrderOps) AssignMaster(_ context.Context, orderID, masterID, actorID int64) (*database.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	o.Status = statemachine.StatusAssigned
	o.AssignedMasterID = &masterID
	return o, nil
}

func (f *fakeOrderOps) ChangeStatus(_ context.Context, orderID int64, to statemachine.Status, actorID int64, opts services.StatusOpts) (*database.Order, error) {
	if f.changeErr != nil {
		return nil, f.changeErr
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	o.Status = to
	if opts.RefuseReason != "" {
		o.RefuseReason = opts.RefuseReason
	}
	return o, nil
}

func (f *fakeOrderOps) CloseWithFinancials(_ context.Context, orderID int64, total, materials decimal.Decimal, hasReview, outOfCity bool, actorID int64) (*database.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	f.closed = append(f.closed, orderID)
	f.lastClose.total = total
	f.lastClose.materials = materials
	f.lastClose.review = hasReview
	f.lastClose.outOfCity = outOfCity
	o.Status = statemachine.StatusClosed
	o.TotalAmount = decimal.NewNullDecimal(total)
	o.MasterProfit = decimal.NewNullDecimal(total.Sub(materials).Div(decimal.NewFromInt(2)).Round(2))
	o.CompanyProfit = decimal.NewNullDecimal(total.Sub(materials).Sub(o.MasterProfit.Decimal))
	return o, nil
}

func (f *fakeOrderOps) Reschedule(_ context.Context, orderID int64, newTime, reason string, actorID int64) (*database.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	o.ScheduledTime = newTime
	o.RescheduledCount++
	return o, nil
}

func (f *fakeOrderOps) ListForMaster(_ context.Context, masterID int64, excludeClosed bool) ([]database.Order, error) {
	var out []database.Order
	for _, o := range f.orders {
		if o.AssignedMasterID != nil && *o.AssignedMasterID == masterID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderOps) ListByFilter(_ context.Context, fl repositories.OrderFilter) ([]database.Order, error) {
	var out []database.Order
	for _, o := range f.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeOrderOps) Get(_ context.Context, orderID int64) (*database.Order, error) {
	if f.getPanics {
		panic("хранилище недоступно")
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrderOps) StatusHistory(_ context.Context, orderID int64) ([]database.StatusHistory, error) {
	return nil, nil
}

func (f *fakeOrderOps) Decrypted(o *database.Order) *database.Order {
	cp := *o
	return &cp
}

type fakeUserOps struct {
	roles    map[int64]string
	masters  map[int64]*database.Master // по telegram id
	approved []int64
	// masterErr подменяет ответ GetMasterByTelegramID на произвольную
	// ошибку хранилища
	masterErr error
}

func newFakeUserOps() *fakeUserOps {
	return &fakeUserOps{
		roles: map[int64]string{
			dispatcherTG: "DISPATCHER",
			masterTG:     "MASTER",
			adminTG:      "ADMIN",
		},
		masters: map[int64]*database.Master{
			masterTG: {ID: 1, TelegramID: masterTG, IsApproved: true, IsActive: true, Specialization: "Холодильник", Phone: "+79991234567"},
		},
	}
}

func (f *fakeUserOps) EnsureUser(_ context.Context, telegramID int64, firstName, lastName, username string) (*database.User, error) {
	roles, ok := f.roles[telegramID]
	if !ok {
		roles = "UNKNOWN"
	}
	return &database.User{TelegramID: telegramID, FirstName: firstName, Roles: roles}, nil
}

func (f *fakeUserOps) AddRole(_ context.Context, telegramID int64, role statemachine.Role, actorID int64) error {
	return nil
}

func (f *fakeUserOps) RemoveRole(_ context.Context, telegramID int64, role statemachine.Role, actorID int64) error {
	return nil
}

func (f *fakeUserOps) RegisterMaster(_ context.Context, telegramID int64, phone, specialization string) (*database.Master, error) {
	m := &database.Master{ID: int64(len(f.masters) + 1), TelegramID: telegramID, Phone: phone, Specialization: specialization}
	f.masters[telegramID] = m
	return m, nil
}

func (f *fakeUserOps) ApproveMaster(_ context.Context, masterID, actorID int64) error {
	f.approved = append(f.approved, masterID)
	return nil
}

func (f *fakeUserOps) SetMasterActive(_ context.Context, masterID int64, active bool, actorID int64) error {
	return nil
}

func (f *fakeUserOps) BindWorkChat(_ context.Context, masterID, chatID, actorID int64) error {
	return nil
}

func (f *fakeUserOps) ListMasters(_ context.Context, fl repositories.MasterFilter) ([]database.Master, error) {
	var out []database.Master
	for _, m := range f.masters {
		if fl.OnlyEligible && !m.Eligible() {
			continue
		}
		if fl.OnlyPending && m.IsApproved {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeUserOps) GetMasterByTelegramID(_ context.Context, telegramID int64) (*database.Master, error) {
	if f.masterErr != nil {
		return nil, f.masterErr
	}
	m, ok := f.masters[telegramID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return m, nil
}

type fakeReplier struct {
	chats     []int64
	texts     []string
	keyboards []tgbotapi.InlineKeyboardMarkup
}

func (f *fakeReplier) Send(chatID int64, text string) error {
	f.chats = append(f.chats, chatID)
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeReplier) SendHTML(chatID int64, text string) error {
	return f.Send(chatID, text)
}

func (f *fakeReplier) SendKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	f.keyboards = append(f.keyboards, kb)
	return f.Send(chatID, text)
}

func (f *fakeReplier) last() string {
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeAcker struct{ acked int }

func (f *fakeAcker) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.acked++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type admitAll struct{}

func (admitAll) Admit(int64) ratelimit.Decision { return ratelimit.Decision{Allowed: true} }

type admitNone struct{ d ratelimit.Decision }

func (a admitNone) Admit(int64) ratelimit.Decision { return a.d }

type env struct {
	router  *Router
	orders  *fakeOrderOps
	users   *fakeUserOps
	replier *fakeReplier
	acker   *fakeAcker
	flows   *states.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		orders:  newFakeOrderOps(),
		users:   newFakeUserOps(),
		replier: &fakeReplier{},
		acker:   &fakeAcker{},
		flows:   states.NewMemoryStore(),
	}
	e.router = NewRouter(e.orders, e.users, e.flows, admitAll{}, e.replier, e.acker, zap.NewNop(), false)
	return e
}

func commandUpdate(userID int64, text string) tgbotapi.Update {
	cmd := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID, FirstName: "Тест"},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func textUpdate(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, FirstName: "Тест"},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: text,
	}}
}

func callbackUpdate(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: userID, FirstName: "Тест"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: userID}},
		Data:    data,
	}}
}

func TestAdmissionRejectsBeforeAnyWork(t *testing.T) {
	e := newEnv(t)
	e.router.limiter = admitNone{d: ratelimit.Decision{
		Allowed:    false,
		Reason:     ratelimit.ReasonLimitExceeded,
		RetryAfter: 3 * time.Second,
		Warn:       true,
	}}
	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/orders"))
	if len(e.replier.texts) != 1 || !strings.Contains(e.replier.last(), "⏳") {
		t.Fatalf("ожидалось одно предупреждение о лимите, получено %v", e.replier.texts)
	}

	// без Warn — молчаливый сброс
	e.router.limiter = admitNone{d: ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonBanned}}
	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/orders"))
	if len(e.replier.texts) != 1 {
		t.Errorf("запрос в бане не должен порождать ответов: %v", e.replier.texts)
	}
}

func TestUnknownCommand(t *testing.T) {
	e := newEnv(t)
	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/frobnicate"))
	if !strings.Contains(e.replier.last(), "Неизвестная команда") {
		t.Errorf("ответ = %q", e.replier.last())
	}
}

func TestRoleGuardOnCommands(t *testing.T) {
	e := newEnv(t)
	e.router.HandleUpdate(commandUpdate(masterTG, "/neworder"))
	if !strings.Contains(e.replier.last(), "Недостаточно прав") {
		t.Errorf("мастеру доступен /neworder: %q", e.replier.last())
	}
	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/approve 1"))
	if !strings.Contains(e.replier.last(), "Недостаточно прав") {
		t.Errorf("диспетчеру доступен /approve: %q", e.replier.last())
	}
}

func TestOrderCreationFlow(t *testing.T) {
	e := newEnv(t)

	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/neworder"))
	if len(e.replier.keyboards) != 1 {
		t.Fatalf("нет клавиатуры выбора техники")
	}

	e.router.HandleUpdate(callbackUpdate(dispatcherTG, "eq:2")) // Холодильник
	if !strings.Contains(e.replier.last(), "Опишите неисправность") {
		t.Fatalf("после выбора техники: %q", e.replier.last())
	}

	steps := []string{
		"Не морозит верхняя камера, компрессор горячий",
		"Иван Петров",
		"г. Москва, ул. Ленина, д. 10, кв. 5",
		"89991234567",
		"завтра 15:00",
	}
	for _, s := range steps {
		e.router.HandleUpdate(textUpdate(dispatcherTG, s))
	}
	if !strings.Contains(e.replier.last(), "Проверьте заявку") {
		t.Fatalf("нет сводки перед подтверждением: %q", e.replier.last())
	}

	e.router.HandleUpdate(callbackUpdate(dispatcherTG, "confirm:yes"))
	if len(e.orders.created) != 1 {
		t.Fatalf("заказ не создан")
	}
	in := e.orders.created[0]
	if in.EquipmentType != "Холодильник" || in.ClientName != "Иван Петров" ||
		in.ClientPhone != "89991234567" || in.ScheduledTime != "завтра 15:00" {
		t.Errorf("входные данные собраны неверно: %+v", in)
	}
	if flow, _ := e.flows.Get(context.Background(), dispatcherTG); flow != nil {
		t.Errorf("диалог не очищен после создания")
	}
	if !strings.Contains(e.replier.last(), "✅") {
		t.Errorf("нет подтверждения: %q", e.replier.last())
	}
}

func TestOrderFlowRepromptsOnBadPhone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	flow := states.NewFlow(states.StepOrderPhone)
	if err := e.flows.Set(ctx, dispatcherTG, flow); err != nil {
		t.Fatal(err)
	}

	e.router.HandleUpdate(textUpdate(dispatcherTG, "это не телефон"))
	if !strings.Contains(e.replier.last(), "Телефон не распознан") {
		t.Fatalf("нет переспроса: %q", e.replier.last())
	}
	got, _ := e.flows.Get(ctx, dispatcherTG)
	if got == nil || got.Step != states.StepOrderPhone {
		t.Errorf("шаг ушёл дальше при некорректном вводе")
	}
}

func TestCancelClearsFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.flows.Set(ctx, dispatcherTG, states.NewFlow(states.StepOrderAddress)); err != nil {
		t.Fatal(err)
	}
	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/cancel"))
	if flow, _ := e.flows.Get(ctx, dispatcherTG); flow != nil {
		t.Errorf("/cancel не очистил диалог")
	}
}

func TestCloseFlowCollectsFinancials(t *testing.T) {
	e := newEnv(t)
	mid := int64(1)
	e.orders.orders[7] = &database.Order{ID: 7, Status: statemachine.StatusOnsite, AssignedMasterID: &mid}

	e.router.HandleUpdate(callbackUpdate(masterTG, "st:7:CLOSED"))
	if !strings.Contains(e.replier.last(), "Общая сумма работ") {
		t.Fatalf("диалог закрытия не начат: %q", e.replier.last())
	}

	e.router.HandleUpdate(textUpdate(masterTG, "4500"))
	e.router.HandleUpdate(textUpdate(masterTG, "500,50"))
	e.router.HandleUpdate(textUpdate(masterTG, "да"))
	e.router.HandleUpdate(textUpdate(masterTG, "нет"))

	if len(e.orders.closed) != 1 || e.orders.closed[0] != 7 {
		t.Fatalf("закрытие не вызвано: %v", e.orders.closed)
	}
	lc := e.orders.lastClose
	if !lc.total.Equal(decimal.NewFromInt(4500)) ||
		!lc.materials.Equal(decimal.RequireFromString("500.50")) ||
		!lc.review || lc.outOfCity {
		t.Errorf("финансовые данные собраны неверно: %+v", lc)
	}
	if !strings.Contains(e.replier.last(), "закрыт") {
		t.Errorf("нет итогового ответа: %q", e.replier.last())
	}
}

func TestRefuseFlowPassesReason(t *testing.T) {
	e := newEnv(t)
	e.orders.orders[3] = &database.Order{ID: 3, Status: statemachine.StatusNew}

	e.router.HandleUpdate(callbackUpdate(dispatcherTG, "st:3:REFUSED"))
	if !strings.Contains(e.replier.last(), "Причина отказа") {
		t.Fatalf("диалог отказа не начат: %q", e.replier.last())
	}
	e.router.HandleUpdate(textUpdate(dispatcherTG, "Клиент передумал"))
	if e.orders.orders[3].Status != statemachine.StatusRefused {
		t.Errorf("статус = %s", e.orders.orders[3].Status)
	}
	if e.orders.orders[3].RefuseReason != "Клиент передумал" {
		t.Errorf("причина = %q", e.orders.orders[3].RefuseReason)
	}
}

func TestAssignCallback(t *testing.T) {
	e := newEnv(t)
	e.orders.orders[5] = &database.Order{ID: 5, Status: statemachine.StatusNew}

	e.router.HandleUpdate(callbackUpdate(dispatcherTG, "assign:5:1"))
	if e.acker.acked != 1 {
		t.Errorf("callback не подтверждён")
	}
	o := e.orders.orders[5]
	if o.Status != statemachine.StatusAssigned || o.AssignedMasterID == nil || *o.AssignedMasterID != 1 {
		t.Errorf("назначение не выполнено: %+v", o)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	e.orders.orders[9] = &database.Order{ID: 9, Status: statemachine.StatusAssigned}
	e.orders.changeErr = repositories.ErrOptimisticLock

	mid := int64(1)
	e.orders.orders[9].AssignedMasterID = &mid
	e.router.HandleUpdate(callbackUpdate(masterTG, "st:9:ACCEPTED"))
	if !strings.Contains(e.replier.last(), "⚠️") {
		t.Errorf("конфликт версий не объяснён пользователю: %q", e.replier.last())
	}

	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/order 12345"))
	if !strings.Contains(e.replier.last(), "Не найдено") {
		t.Errorf("ErrNotFound не отображён: %q", e.replier.last())
	}
}

func TestPanicRecovered(t *testing.T) {
	e := newEnv(t)
	e.orders.getPanics = true
	e.router.HandleUpdate(commandUpdate(dispatcherTG, "/order 1"))
	if !strings.Contains(e.replier.last(), "Что-то пошло не так") {
		t.Errorf("паника не превратилась в ответ: %q", e.replier.last())
	}
}

func TestDevCommandsGated(t *testing.T) {
	e := newEnv(t)
	e.router.HandleUpdate(commandUpdate(adminTG, "/devwhoami"))
	if !strings.Contains(e.replier.last(), "Неизвестная команда") {
		t.Errorf("dev-команда доступна вне DEV_MODE: %q", e.replier.last())
	}

	e.router.devMode = true
	e.router.HandleUpdate(commandUpdate(adminTG, "/devwhoami"))
	if !strings.Contains(e.replier.last(), "роли: ADMIN") {
		t.Errorf("devwhoami: %q", e.replier.last())
	}
}

func TestMasterSelfRegistration(t *testing.T) {
	e := newEnv(t)
	e.router.HandleUpdate(commandUpdate(strangerTG, "/register"))
	if !strings.Contains(e.replier.last(), "телефон") {
		t.Fatalf("регистрация не начата: %q", e.replier.last())
	}
	e.router.HandleUpdate(textUpdate(strangerTG, "+79995556677"))
	e.router.HandleUpdate(textUpdate(strangerTG, "Посудомоечная машина"))

	m, err := e.users.GetMasterByTelegramID(context.Background(), strangerTG)
	if err != nil {
		t.Fatalf("анкета не создана")
	}
	if m.Specialization != "Посудомоечная машина" {
		t.Errorf("специализация = %q", m.Specialization)
	}
	if !strings.Contains(e.replier.last(), "на одобрение") {
		t.Errorf("нет ответа о заявке: %q", e.replier.last())
	}
}

func TestRegisterStoreFailureIsNotExistingProfile(t *testing.T) {
	e := newEnv(t)
	e.users.masterErr = errors.New("соединение с базой потеряно")

	e.router.HandleUpdate(commandUpdate(strangerTG, "/register"))
	if strings.Contains(e.replier.last(), "Анкета уже есть") {
		t.Fatalf("сбой хранилища принят за существующую анкету: %q", e.replier.last())
	}
	if !strings.Contains(e.replier.last(), "Что-то пошло не так") {
		t.Errorf("нет ответа об ошибке: %q", e.replier.last())
	}
	if flow, _ := e.flows.Get(context.Background(), strangerTG); flow != nil {
		t.Error("диалог регистрации начат при недоступном хранилище")
	}
}

func TestUnknownCallbackActionIgnored(t *testing.T) {
	e := newEnv(t)
	e.router.HandleUpdate(callbackUpdate(dispatcherTG, "warp:1:2"))
	if len(e.replier.texts) != 0 {
		t.Errorf("неизвестное действие породило ответ: %v", e.replier.texts)
	}
}

func TestOrderCardHidesContactsFromStranger(t *testing.T) {
	e := newEnv(t)
	e.users.roles[strangerTG] = "MASTER" // мастер, но заказ чужой
	other := int64(99)
	e.orders.orders[4] = &database.Order{ID: 4, Status: statemachine.StatusAssigned, AssignedMasterID: &other}

	e.router.HandleUpdate(commandUpdate(strangerTG, "/order 4"))
	if !strings.Contains(e.replier.last(), "недоступен") {
		t.Errorf("чужой заказ показан мастеру: %q", e.replier.last())
	}
}
