package handlers

import (
	"fmt"
	"strconv"

	"remontbot/statemachine"
	"remontbot/states"
)

// Действия inline-кнопок. Грамматика данных: action[:param]*.
const (
	actionEquipment = "eq"      // eq:<индекс типа техники>
	actionConfirm   = "confirm" // confirm:yes | confirm:no
	actionAssign    = "assign"  // assign:<заказ>:<мастер>
	actionStatus    = "st"      // st:<заказ>:<статус>
	actionApprove   = "approve" // approve:<мастер>
)

func (rt *Router) registerCallbacks() {
	rt.callbacks[actionEquipment] = callbackHandler{roles: dispatcherRoles, run: rt.cbEquipment}
	rt.callbacks[actionConfirm] = callbackHandler{roles: dispatcherRoles, run: rt.cbConfirm}
	rt.callbacks[actionAssign] = callbackHandler{roles: dispatcherRoles, run: rt.cbAssign}
	rt.callbacks[actionStatus] = callbackHandler{run: rt.cbStatus}
	rt.callbacks[actionApprove] = callbackHandler{roles: adminOnly, run: rt.cbApprove}
}

// cbEquipment — выбор типа техники в диалоге создания заявки.
func (rt *Router) cbEquipment(r *request, params []string) error {
	flow, err := rt.flows.Get(r.ctx, r.user.TelegramID)
	if err != nil {
		return err
	}
	if flow == nil || flow.Step != states.StepOrderEquipment {
		return rt.replier.Send(r.chatID, "Диалог создания заявки не начат. Начните с /neworder.")
	}
	if len(params) != 1 {
		return fmt.Errorf("eq: ожидался один параметр, получено %d", len(params))
	}
	idx, err := strconv.Atoi(params[0])
	if err != nil || idx < 0 || idx >= len(equipmentList()) {
		return fmt.Errorf("eq: индекс %q вне диапазона", params[0])
	}

	flow.Set("equipment", equipmentList()[idx])
	flow.Step = states.StepOrderDescription
	if err := rt.flows.Set(r.ctx, r.user.TelegramID, flow); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, "Опишите неисправность (10–500 символов):")
}

// cbConfirm — финальное подтверждение заявки.
func (rt *Router) cbConfirm(r *request, params []string) error {
	flow, err := rt.flows.Get(r.ctx, r.user.TelegramID)
	if err != nil {
		return err
	}
	if flow == nil || flow.Step != states.StepOrderConfirm {
		return rt.replier.Send(r.chatID, "Подтверждать нечего. Начните с /neworder.")
	}
	if len(params) != 1 {
		return fmt.Errorf("confirm: ожидался один параметр")
	}
	if params[0] != "yes" {
		if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
			return err
		}
		return rt.replier.Send(r.chatID, "Заявка отменена.")
	}

	order, err := rt.orders.CreateOrder(r.ctx, orderInputFromFlow(flow), r.user.TelegramID)
	if err != nil {
		return err
	}
	if err := rt.flows.Clear(r.ctx, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.SendHTML(r.chatID, fmt.Sprintf(
		"✅ <b>Заявка №%d создана.</b>\nНазначить мастера: /assign %d", order.ID, order.ID))
}

// cbAssign назначает мастера на заказ.
func (rt *Router) cbAssign(r *request, params []string) error {
	if len(params) != 2 {
		return fmt.Errorf("assign: ожидалось два параметра, получено %d", len(params))
	}
	orderID, err := parseID(params[0])
	if err != nil {
		return err
	}
	masterID, err := parseID(params[1])
	if err != nil {
		return err
	}
	order, err := rt.orders.AssignMaster(r.ctx, orderID, masterID, r.user.TelegramID)
	if err != nil {
		return err
	}
	return rt.replier.Send(r.chatID,
		fmt.Sprintf("✅ Заказ №%d назначен, статус: %s.", order.ID, statemachine.Title(order.Status)))
}

// cbStatus — переход статуса с кнопки карточки. Переходы, требующие
// дополнительных данных (закрытие, отказ, длительный ремонт),
// открывают соответствующий диалог.
func (rt *Router) cbStatus(r *request, params []string) error {
	if len(params) != 2 {
		return fmt.Errorf("st: ожидалось два параметра, получено %d", len(params))
	}
	orderID, err := parseID(params[0])
	if err != nil {
		return err
	}
	target := statemachine.Status(params[1])
	if !statemachine.IsValid(target) {
		return fmt.Errorf("st: неизвестный статус %q", params[1])
	}

	switch target {
	case statemachine.StatusClosed:
		return rt.startCloseFlow(r, orderID)
	case statemachine.StatusRefused:
		return rt.startRefuseFlow(r, orderID)
	case statemachine.StatusDR:
		return rt.startDRFlow(r, orderID)
	}

	order, err := rt.orders.ChangeStatus(r.ctx, orderID, target, r.user.TelegramID, statusOptsNone())
	if err != nil {
		return err
	}
	return rt.replier.Send(r.chatID,
		fmt.Sprintf("✅ Заказ №%d: %s.", order.ID, statemachine.Title(order.Status)))
}

func (rt *Router) cbApprove(r *request, params []string) error {
	if len(params) != 1 {
		return fmt.Errorf("approve: ожидался один параметр")
	}
	masterID, err := parseID(params[0])
	if err != nil {
		return err
	}
	if err := rt.users.ApproveMaster(r.ctx, masterID, r.user.TelegramID); err != nil {
		return err
	}
	return rt.replier.Send(r.chatID, fmt.Sprintf("✅ Мастер №%d одобрен.", masterID))
}
