package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
	"remontbot/states"
)

var dispatcherRoles = []statemachine.Role{statemachine.RoleDispatcher, statemachine.RoleAdmin}
var adminOnly = []statemachine.Role{statemachine.RoleAdmin}
var masterRoles = []statemachine.Role{statemachine.RoleMaster, statemachine.RoleAdmin}

func (rt *Router) registerCommands() {
	rt.commands["start"] = commandHandler{run: rt.cmdStart}
	rt.commands["help"] = commandHandler{run: rt.cmdHelp}
	rt.commands["cancel"] = commandHandler{run: rt.cmdCancel}
	rt.commands["register"] = commandHandler{run: rt.cmdRegister}

	rt.commands["neworder"] = commandHandler{roles: dispatcherRoles, run: rt.cmdNewOrder}
	rt.commands["orders"] = commandHandler{roles: dispatcherRoles, run: rt.cmdOrders}
	rt.commands["order"] = commandHandler{run: rt.cmdOrder}
	rt.commands["history"] = commandHandler{roles: dispatcherRoles, run: rt.cmdHistory}
	rt.commands["assign"] = commandHandler{roles: dispatcherRoles, run: rt.cmdAssign}
	rt.commands["reschedule"] = commandHandler{roles: dispatcherRoles, run: rt.cmdReschedule}
	rt.commands["cancelorder"] = commandHandler{roles: dispatcherRoles, run: rt.cmdCancelOrder}
	rt.commands["report"] = commandHandler{roles: dispatcherRoles, run: rt.cmdReport}

	rt.commands["myorders"] = commandHandler{roles: masterRoles, run: rt.cmdMyOrders}

	rt.commands["masters"] = commandHandler{roles: dispatcherRoles, run: rt.cmdMasters}
	rt.commands["approve"] = commandHandler{roles: adminOnly, run: rt.cmdApprove}
	rt.commands["active"] = commandHandler{roles: adminOnly, run: rt.cmdActive}
	rt.commands["bindchat"] = commandHandler{roles: adminOnly, run: rt.cmdBindChat}
	rt.commands["addrole"] = commandHandler{roles: adminOnly, run: rt.cmdAddRole}
	rt.commands["removerole"] = commandHandler{roles: adminOnly, run: rt.cmdRemoveRole}

	rt.commands["devwhoami"] = commandHandler{dev: true, run: rt.cmdDevWhoami}
	rt.commands["devseed"] = commandHandler{dev: true, run: rt.cmdDevSeed}
}

func (rt *Router) cmdStart(r *request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Здравствуйте, %s!\n\n", r.user.DisplayName())
	switch {
	case r.user.IsDispatcher() || r.user.IsAdmin():
		b.WriteString("Создать заявку: /neworder\nАктивные заказы: /orders\nСписок команд: /help")
	case r.user.IsMaster():
		b.WriteString("Ваши заказы: /myorders\nСписок команд: /help")
	default:
		b.WriteString("Это служебный бот сервиса ремонта техники.\nЕсли вы мастер — оставьте заявку: /register")
	}
	return rt.replier.Send(r.chatID, b.String())
}

func (rt *Router) cmdHelp(r *request) error {
	var b strings.Builder
	b.WriteString("<b>Команды</b>\n\n")
	if r.user.IsDispatcher() || r.user.IsAdmin() {
		b.WriteString("/neworder — новая заявка\n")
		b.WriteString("/orders — активные заказы\n")
		b.WriteString("/order N — карточка заказа\n")
		b.WriteString("/assign N — назначить мастера\n")
		b.WriteString("/reschedule N время — перенести выезд\n")
		b.WriteString("/cancelorder N — отменить новую заявку\n")
		b.WriteString("/history N — история статусов\n")
		b.WriteString("/masters — мастера\n")
		b.WriteString("/report [дней] — сводка за период\n")
	}
	if r.user.IsMaster() {
		b.WriteString("/myorders — мои заказы\n")
		b.WriteString("/order N — карточка заказа\n")
	}
	if r.user.IsAdmin() {
		b.WriteString("\n<b>Администрирование</b>\n")
		b.WriteString("/approve — одобрить мастера\n")
		b.WriteString("/active ID on|off — включить/выключить мастера\n")
		b.WriteString("/bindchat ID — привязать рабочий чат (в группе)\n")
		b.WriteString("/addrole TG РОЛЬ, /removerole TG РОЛЬ\n")
	}
	if !r.user.IsMaster() && !r.user.IsDispatcher() && !r.user.IsAdmin() {
		b.WriteString("/register — заявка мастера\n")
	}
	b.WriteString("/cancel — прервать текущий диалог")
	return rt.replier.SendHTML(r.chatID, b.String())
}

func (rt *Router) cmdCancel(r *request) error {
	if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, "Диалог сброшен.")
}

// cmdNewOrder начинает диалог создания заявки с выбора типа техники.
func (rt *Router) cmdNewOrder(r *request) error {
	flow := states.NewFlow(states.StepOrderEquipment)
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.SendKeyboard(r.chatID, "Выберите тип техники:", equipmentKeyboard())
}

func (rt *Router) cmdOrders(r *request) error {
	orders, err := rt.orders.ListByFilter(r.ctx, repositories.OrderFilter{ExcludeClosed: true, Limit: 15})
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return rt.replier.Send(r.chatID, "Активных заказов нет.")
	}
	return rt.replier.SendHTML(r.chatID, renderOrderList("📋 <b>Активные заказы</b>", orders))
}

func (rt *Router) cmdMyOrders(r *request) error {
	master, err := rt.users.GetMasterByTelegramID(r.ctx, r.user.TelegramID)
	if err != nil {
		return rt.replier.Send(r.chatID, "У вас нет анкеты мастера. Заявка: /register")
	}
	orders, err := rt.orders.ListForMaster(r.ctx, master.ID, true)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return rt.replier.Send(r.chatID, "У вас нет активных заказов.")
	}
	return rt.replier.SendHTML(r.chatID, renderOrderList("🔧 <b>Ваши заказы</b>", orders))
}

// cmdOrder показывает карточку заказа и кнопки доступных переходов.
func (rt *Router) cmdOrder(r *request) error {
	orderID, err := parseID(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Укажите номер: /order 12")
	}
	order, err := rt.orders.Get(r.ctx, orderID)
	if err != nil {
		return err
	}
	if !rt.mayViewOrder(r.ctx, r.user, order) {
		return rt.replier.Send(r.chatID, "❌ Этот заказ вам недоступен.")
	}

	card := renderOrderCard(rt.orders.Decrypted(order), rt.mayViewContacts(r.ctx, r.user, order))
	targets := statemachine.AvailableTransitions(order.Status, r.user.RoleList())
	if len(targets) == 0 {
		return rt.replier.SendHTML(r.chatID, card)
	}
	return rt.replier.SendKeyboard(r.chatID, card, transitionKeyboard(order.ID, targets))
}

func (rt *Router) cmdHistory(r *request) error {
	orderID, err := parseID(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Укажите номер: /history 12")
	}
	entries, err := rt.orders.StatusHistory(r.ctx, orderID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return rt.replier.Send(r.chatID, "Истории по заказу нет.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🕐 <b>История заказа №%d</b>\n\n", orderID)
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s → %s",
			e.ChangedAt.Format("02.01 15:04"),
			statemachine.Title(e.OldStatus), statemachine.Title(e.NewStatus))
		if e.Notes != "" {
			b.WriteString(" — " + e.Notes)
		}
		b.WriteString("\n")
	}
	return rt.replier.SendHTML(r.chatID, b.String())
}

// cmdAssign показывает пригодных мастеров для назначения на заказ.
func (rt *Router) cmdAssign(r *request) error {
	orderID, err := parseID(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Укажите номер: /assign 12")
	}
	if _, err := rt.orders.Get(r.ctx, orderID); err != nil {
		return err
	}
	masters, err := rt.users.ListMasters(r.ctx, repositories.MasterFilter{OnlyEligible: true})
	if err != nil {
		return err
	}
	if len(masters) == 0 {
		return rt.replier.Send(r.chatID, "Нет одобренных активных мастеров.")
	}
	return rt.replier.SendKeyboard(r.chatID,
		fmt.Sprintf("Кому назначить заказ №%d?", orderID),
		mastersKeyboard(orderID, masters))
}

func (rt *Router) cmdReschedule(r *request) error {
	fields := strings.Fields(r.args)
	if len(fields) < 2 {
		return rt.replier.Send(r.chatID, "Формат: /reschedule 12 завтра 15:00")
	}
	orderID, err := parseID(fields[0])
	if err != nil {
		return rt.replier.Send(r.chatID, "Первым аргументом — номер заказа.")
	}
	newTime := strings.TrimSpace(strings.TrimPrefix(r.args, fields[0]))
	order, err := rt.orders.Reschedule(r.ctx, orderID, newTime, "", r.user.TelegramID)
	if err != nil {
		return err
	}
	return rt.replier.Send(r.chatID,
		fmt.Sprintf("✅ Заказ №%d перенесён на: %s (перенос №%d)", order.ID, newTime, order.RescheduledCount))
}

func (rt *Router) cmdCancelOrder(r *request) error {
	orderID, err := parseID(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Укажите номер: /cancelorder 12")
	}
	if err := rt.orders.CancelOrder(r.ctx, orderID, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Заявка №%d отменена.", orderID))
}

// cmdReport — сводка по заказам за N дней (по умолчанию 7).
func (rt *Router) cmdReport(r *request) error {
	days := 7
	if r.args != "" {
		n, err := strconv.Atoi(r.args)
		if err != nil || n < 1 || n > 365 {
			return rt.replier.Send(r.chatID, "Укажите число дней от 1 до 365: /report 30")
		}
		days = n
	}
	to := time.Now()
	from := to.AddDate(0, 0, -days)
	orders, err := rt.orders.ListByFilter(r.ctx, repositories.OrderFilter{From: from, To: to})
	if err != nil {
		return err
	}

	counts := map[statemachine.Status]int{}
	for _, o := range orders {
		counts[o.Status]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Заказы за %d дн.: %d</b>\n\n", days, len(orders))
	for _, st := range statemachine.AllStatuses {
		if counts[st] > 0 {
			fmt.Fprintf(&b, "%s: %d\n", statemachine.Title(st), counts[st])
		}
	}
	return rt.replier.SendHTML(r.chatID, b.String())
}

// cmdRegister начинает диалог анкеты мастера.
func (rt *Router) cmdRegister(r *request) error {
	_, err := rt.users.GetMasterByTelegramID(r.ctx, r.user.TelegramID)
	if err == nil {
		return rt.replier.Send(r.chatID, "Анкета уже есть. Если она не одобрена — дождитесь решения администратора.")
	}
	// сбой хранилища — не повод считать анкету существующей
	if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}
	flow := states.NewFlow(states.StepMasterPhone)
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, "Укажите ваш телефон (формат +7XXXXXXXXXX):")
}

func (rt *Router) cmdMasters(r *request) error {
	masters, err := rt.users.ListMasters(r.ctx, repositories.MasterFilter{})
	if err != nil {
		return err
	}
	if len(masters) == 0 {
		return rt.replier.Send(r.chatID, "Мастеров пока нет.")
	}
	var b strings.Builder
	b.WriteString("🔧 <b>Мастера</b>\n\n")
	for _, m := range masters {
		b.WriteString(renderMasterLine(&m) + "\n")
	}
	return rt.replier.SendHTML(r.chatID, b.String())
}

// cmdApprove без аргумента показывает кнопки по ожидающим анкетам,
// с аргументом одобряет сразу.
func (rt *Router) cmdApprove(r *request) error {
	if r.args != "" {
		masterID, err := parseID(r.args)
		if err != nil {
			return rt.replier.Send(r.chatID, "Укажите номер анкеты: /approve 3")
		}
		if err := rt.users.ApproveMaster(r.ctx, masterID, r.user.TelegramID); err != nil {
			return err
		}
		return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Мастер №%d одобрен.", masterID))
	}

	pending, err := rt.users.ListMasters(r.ctx, repositories.MasterFilter{OnlyPending: true})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return rt.replier.Send(r.chatID, "Анкет на одобрение нет.")
	}
	return rt.replier.SendKeyboard(r.chatID, "Анкеты на одобрение:", approveKeyboard(pending))
}

func (rt *Router) cmdActive(r *request) error {
	fields := strings.Fields(r.args)
	if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
		return rt.replier.Send(r.chatID, "Формат: /active 3 on|off")
	}
	masterID, err := parseID(fields[0])
	if err != nil {
		return rt.replier.Send(r.chatID, "Первым аргументом — номер мастера.")
	}
	active := fields[1] == "on"
	if err := rt.users.SetMasterActive(r.ctx, masterID, active, r.user.TelegramID); err != nil {
		return err
	}
	if active {
		return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Мастер №%d снова получает заказы.", masterID))
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Мастер №%d отключён от назначений.", masterID))
}

// cmdBindChat привязывает группу, в которой вызвана команда, к мастеру.
func (rt *Router) cmdBindChat(r *request) error {
	masterID, err := parseID(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Укажите номер мастера: /bindchat 3")
	}
	if r.chatID >= 0 {
		return rt.replier.Send(r.chatID, "❌ Команду нужно вызвать в рабочей группе мастера.")
	}
	if err := rt.users.BindWorkChat(r.ctx, masterID, r.chatID, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Чат привязан к мастеру №%d.", masterID))
}

func (rt *Router) cmdAddRole(r *request) error {
	telegramID, role, err := parseRoleArgs(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Формат: /addrole 123456 DISPATCHER")
	}
	if err := rt.users.AddRole(r.ctx, telegramID, role, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Роль %s выдана пользователю %d.", role, telegramID))
}

func (rt *Router) cmdRemoveRole(r *request) error {
	telegramID, role, err := parseRoleArgs(r.args)
	if err != nil {
		return rt.replier.Send(r.chatID, "Формат: /removerole 123456 DISPATCHER")
	}
	if err := rt.users.RemoveRole(r.ctx, telegramID, role, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Роль %s снята с пользователя %d.", role, telegramID))
}

func (rt *Router) cmdDevWhoami(r *request) error {
	return rt.replier.Send(r.chatID, fmt.Sprintf(
		"id: %d\nроли: %s\nчат: %d", r.user.TelegramID, r.user.Roles, r.chatID))
}

// cmdDevSeed создаёт тестовую заявку, чтобы пощёлкать жизненный цикл
// без ручного ввода.
func (rt *Router) cmdDevSeed(r *request) error {
	order, err := rt.orders.CreateOrder(r.ctx, seedOrderInput(), r.user.TelegramID)
	if err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Тестовая заявка №%d создана.", order.ID))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("некорректный номер %q", s)
	}
	return id, nil
}

func parseRoleArgs(args string) (int64, statemachine.Role, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("ожидалось два аргумента")
	}
	telegramID, err := parseID(fields[0])
	if err != nil {
		return 0, "", err
	}
	role := statemachine.Role(strings.ToUpper(fields[1]))
	if !statemachine.IsValidRole(role) {
		return 0, "", fmt.Errorf("неизвестная роль %q", fields[1])
	}
	return telegramID, role, nil
}

// mayViewOrder: диспетчеры и админы видят всё, мастер — только свои
// заказы.
func (rt *Router) mayViewOrder(ctx context.Context, u *database.User, o *database.Order) bool {
	if u.IsAdmin() || u.IsDispatcher() {
		return true
	}
	if !u.IsMaster() || o.AssignedMasterID == nil {
		return false
	}
	master, err := rt.users.GetMasterByTelegramID(ctx, u.TelegramID)
	if err != nil {
		return false
	}
	return master.ID == *o.AssignedMasterID
}

// mayViewContacts: контакты клиента видят диспетчеры, админы и
// назначенный мастер; остальным — маски.
func (rt *Router) mayViewContacts(ctx context.Context, u *database.User, o *database.Order) bool {
	return rt.mayViewOrder(ctx, u, o)
}
