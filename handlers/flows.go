package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"remontbot/services"
	"remontbot/statemachine"
	"remontbot/states"
)

// continueFlow обрабатывает очередной текстовый шаг активного диалога.
func (rt *Router) continueFlow(r *request, flow *states.Flow) error {
	if r.text == "" {
		return rt.replier.Send(r.chatID, "Ожидается текст. Прервать диалог: /cancel")
	}
	switch flow.Step {
	case states.StepOrderDescription:
		return rt.flowStep(r, flow, "description", states.StepOrderClientName, "Имя клиента:")
	case states.StepOrderClientName:
		return rt.flowStep(r, flow, "client_name", states.StepOrderAddress, "Адрес:")
	case states.StepOrderAddress:
		return rt.flowStep(r, flow, "address", states.StepOrderPhone, "Телефон клиента:")
	case states.StepOrderPhone:
		// телефон проверяется сразу, чтобы не гонять диспетчера по кругу
		if _, err := services.NormalizePhone(r.text); err != nil {
			return rt.replier.Send(r.chatID, "❌ Телефон не распознан. Формат: +7XXXXXXXXXX. Попробуйте ещё раз:")
		}
		return rt.flowStep(r, flow, "phone", states.StepOrderSchedule, "Когда выезд? (свободный текст, например «завтра 15:00»):")
	case states.StepOrderSchedule:
		flow.Set("schedule", r.text)
		flow.Step = states.StepOrderConfirm
		if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
			return err
		}
		return rt.replier.SendKeyboard(r.chatID, renderOrderPreview(flow), confirmKeyboard())

	case states.StepMasterPhone:
		if _, err := services.NormalizePhone(r.text); err != nil {
			return rt.replier.Send(r.chatID, "❌ Телефон не распознан. Формат: +7XXXXXXXXXX. Попробуйте ещё раз:")
		}
		return rt.flowStep(r, flow, "phone", states.StepMasterSpecialization, "Специализация (например «Стиральная машина»):")
	case states.StepMasterSpecialization:
		master, err := rt.users.RegisterMaster(r.ctx, r.user.TelegramID, flow.Get("phone"), r.text)
		if err != nil {
			return err
		}
		if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
			return err
		}
		return rt.replier.Send(r.chatID, fmt.Sprintf(
			"✅ Анкета №%d отправлена на одобрение. Мы сообщим о решении.", master.ID))

	case states.StepCloseTotal:
		if _, err := parseMoney(r.text); err != nil {
			return rt.replier.Send(r.chatID, "❌ Укажите сумму числом, например 4500 или 4500.50:")
		}
		return rt.flowStep(r, flow, "total", states.StepCloseMaterials, "Стоимость материалов (0, если не было):")
	case states.StepCloseMaterials:
		if _, err := parseMoney(r.text); err != nil {
			return rt.replier.Send(r.chatID, "❌ Укажите сумму числом, например 500 или 0:")
		}
		return rt.flowStep(r, flow, "materials", states.StepCloseReview, "Клиент оставил отзыв? (да/нет)")
	case states.StepCloseReview:
		yes, err := parseYesNo(r.text)
		if err != nil {
			return rt.replier.Send(r.chatID, "Ответьте «да» или «нет»:")
		}
		flow.Set("has_review", strconv.FormatBool(yes))
		flow.Step = states.StepCloseOutOfCity
		if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
			return err
		}
		return rt.replier.Send(r.chatID, "Выезд за город? (да/нет)")
	case states.StepCloseOutOfCity:
		return rt.finishCloseFlow(r, flow)

	case states.StepRefuseReason:
		return rt.finishRefuseFlow(r, flow)
	case states.StepDREstimate:
		return rt.finishDRFlow(r, flow)
	}

	// незнакомый шаг — битое состояние, проще сбросить
	if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, "Диалог сброшен. Начните заново.")
}

// flowStep сохраняет ответ текущего шага и задаёт следующий вопрос.
func (rt *Router) flowStep(r *request, flow *states.Flow, key, nextStep, question string) error {
	flow.Set(key, r.text)
	flow.Step = nextStep
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, question)
}

func (rt *Router) startCloseFlow(r *request, orderID int64) error {
	order, err := rt.orders.Get(r.ctx, orderID)
	if err != nil {
		return err
	}
	if err := statemachine.ValidateTransition(order.Status, statemachine.StatusClosed, r.user.RoleList()); err != nil {
		return err
	}
	flow := states.NewFlow(states.StepCloseTotal)
	flow.Set("order_id", strconv.FormatInt(orderID, 10))
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID,
		fmt.Sprintf("Закрываем заказ №%d. Общая сумма работ:", orderID))
}

func (rt *Router) finishCloseFlow(r *request, flow *states.Flow) error {
	outOfCity, err := parseYesNo(r.text)
	if err != nil {
		return rt.replier.Send(r.chatID, "Ответьте «да» или «нет»:")
	}
	orderID, err := parseID(flow.Get("order_id"))
	if err != nil {
		return err
	}
	total, err := parseMoney(flow.Get("total"))
	if err != nil {
		return err
	}
	materials, err := parseMoney(flow.Get("materials"))
	if err != nil {
		return err
	}
	hasReview := flow.Get("has_review") == "true"

	order, err := rt.orders.CloseWithFinancials(r.ctx, orderID, total, materials, hasReview, outOfCity, r.user.TelegramID)
	if err != nil {
		return err
	}
	if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.SendHTML(r.chatID, fmt.Sprintf(
		"✅ <b>Заказ №%d закрыт.</b>\nСумма: %s ₽\nДоля мастера: %s ₽\nДоля компании: %s ₽",
		order.ID,
		order.TotalAmount.Decimal.StringFixed(2),
		order.MasterProfit.Decimal.StringFixed(2),
		order.CompanyProfit.Decimal.StringFixed(2)))
}

func (rt *Router) startRefuseFlow(r *request, orderID int64) error {
	order, err := rt.orders.Get(r.ctx, orderID)
	if err != nil {
		return err
	}
	if err := statemachine.ValidateTransition(order.Status, statemachine.StatusRefused, r.user.RoleList()); err != nil {
		return err
	}
	flow := states.NewFlow(states.StepRefuseReason)
	flow.Set("order_id", strconv.FormatInt(orderID, 10))
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("Причина отказа по заказу №%d:", orderID))
}

func (rt *Router) finishRefuseFlow(r *request, flow *states.Flow) error {
	orderID, err := parseID(flow.Get("order_id"))
	if err != nil {
		return err
	}
	order, err := rt.orders.ChangeStatus(r.ctx, orderID, statemachine.StatusRefused, r.user.TelegramID,
		services.StatusOpts{RefuseReason: r.text, Notes: r.text})
	if err != nil {
		return err
	}
	if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Заказ №%d: %s.", order.ID, statemachine.Title(order.Status)))
}

func (rt *Router) startDRFlow(r *request, orderID int64) error {
	order, err := rt.orders.Get(r.ctx, orderID)
	if err != nil {
		return err
	}
	if err := statemachine.ValidateTransition(order.Status, statemachine.StatusDR, r.user.RoleList()); err != nil {
		return err
	}
	flow := states.NewFlow(states.StepDREstimate)
	flow.Set("order_id", strconv.FormatInt(orderID, 10))
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID,
		fmt.Sprintf("Заказ №%d уходит в длительный ремонт. Ожидаемая дата завершения (ДД.ММ.ГГГГ):", orderID))
}

func (rt *Router) finishDRFlow(r *request, flow *states.Flow) error {
	estimate, err := time.ParseInLocation("02.01.2006", r.text, time.Local)
	if err != nil {
		return rt.replier.Send(r.chatID, "❌ Дата не распознана. Формат ДД.ММ.ГГГГ, например 15.04.2025:")
	}
	orderID, err := parseID(flow.Get("order_id"))
	if err != nil {
		return err
	}
	order, err := rt.orders.ChangeStatus(r.ctx, orderID, statemachine.StatusDR, r.user.TelegramID,
		services.StatusOpts{EstimatedCompletion: &estimate})
	if err != nil {
		return err
	}
	if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf(
		"✅ Заказ №%d: %s, срок до %s.", order.ID, statemachine.Title(order.Status), r.text))
}

func orderInputFromFlow(flow *states.Flow) services.CreateOrderInput {
	return services.CreateOrderInput{
		EquipmentType: flow.Get("equipment"),
		Description:   flow.Get("description"),
		ClientName:    flow.Get("client_name"),
		ClientAddress: flow.Get("address"),
		ClientPhone:   flow.Get("phone"),
		ScheduledTime: flow.Get("schedule"),
	}
}

func statusOptsNone() services.StatusOpts {
	return services.StatusOpts{}
}

func parseMoney(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("сумма %q не распознана", s)
	}
	if d.LessThan(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("сумма не может быть отрицательной")
	}
	return d, nil
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "да", "yes", "+":
		return true, nil
	case "нет", "no", "-":
		return false, nil
	}
	return false, fmt.Errorf("ожидалось да/нет")
}
