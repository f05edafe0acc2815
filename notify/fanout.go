package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"remontbot/database"
	"remontbot/services"
	"remontbot/statemachine"
)

// MasterResolver отдаёт мастера по id заказа на мастере.
type MasterResolver interface {
	GetByID(ctx context.Context, id int64) (*database.Master, error)
}

// Fanout потребляет доменные события и рассылает уведомления:
//   - назначение — мастеру в личку и, если привязан, в рабочий чат;
//   - смена статуса мастером — диспетчеру, создавшему заказ;
//   - одобрение анкеты — мастеру;
//   - перенос — назначенному мастеру.
//
// Доставка best effort: ошибки логируются и не влияют на транзакцию,
// которая породила событие.
type Fanout struct {
	notifier *Notifier
	masters  MasterResolver
	log      *zap.Logger
}

func NewFanout(notifier *Notifier, masters MasterResolver, log *zap.Logger) *Fanout {
	return &Fanout{notifier: notifier, masters: masters, log: log}
}

var _ services.EventSink = (*Fanout)(nil)

func (f *Fanout) Publish(e services.Event) {
	switch e.Type {
	case services.EventOrderCreated:
		// диспетчер видит результат в ответе бота, рассылки нет
	case services.EventOrderAssigned:
		f.orderAssigned(e)
	case services.EventStatusChanged:
		f.statusChanged(e)
	case services.EventOrderRescheduled:
		f.orderRescheduled(e)
	case services.EventMasterApproved:
		f.masterApproved(e)
	}
}

func (f *Fanout) orderAssigned(e services.Event) {
	if e.Master == nil || e.Order == nil {
		return
	}
	text := fmt.Sprintf(
		"🔧 <b>Вам назначен заказ №%d</b>\n\nТехника: %s\nОписание: %s\nАдрес: %s\nТелефон клиента: %s",
		e.Order.ID, e.Order.EquipmentType, e.Order.Description,
		e.Order.ClientAddress, e.Order.ClientPhone,
	)
	if e.Order.ScheduledTime != "" {
		text += "\nВремя выезда: " + e.Order.ScheduledTime
	}
	f.send(e.Master.TelegramID, text)
	if e.Master.WorkChatID != nil {
		// в рабочий чат — без контактов клиента
		f.send(*e.Master.WorkChatID, fmt.Sprintf(
			"🔧 Заказ №%d (%s) назначен мастеру.", e.Order.ID, e.Order.EquipmentType))
	}
}

func (f *Fanout) statusChanged(e services.Event) {
	if e.Order == nil || e.Actor == nil {
		return
	}
	// диспетчера уведомляют только о действиях мастера
	if !e.Actor.IsMaster() || e.Actor.TelegramID == e.Order.DispatcherID {
		return
	}
	text := fmt.Sprintf(
		"📋 Заказ №%d: <b>%s</b> → <b>%s</b>",
		e.Order.ID, statemachine.Title(e.Old), statemachine.Title(e.New),
	)
	if e.Notes != "" {
		text += "\nКомментарий: " + e.Notes
	}
	if e.New == statemachine.StatusClosed && e.Order.TotalAmount.Valid {
		text += "\nСумма: " + e.Order.TotalAmount.Decimal.StringFixed(2) + " ₽"
	}
	f.send(e.Order.DispatcherID, text)
}

func (f *Fanout) orderRescheduled(e services.Event) {
	if e.Order == nil || e.Order.AssignedMasterID == nil {
		return
	}
	// доставка оторвана от породившего запроса, живёт своим контекстом
	master, err := f.masters.GetByID(context.Background(), *e.Order.AssignedMasterID)
	if err != nil {
		f.log.Warn("перенос: мастер не найден",
			zap.Int64("order_id", e.Order.ID),
			zap.Error(err),
		)
		return
	}
	text := fmt.Sprintf(
		"🕐 Заказ №%d перенесён.\nНовое время: %s",
		e.Order.ID, e.Order.ScheduledTime,
	)
	if e.Notes != "" {
		text += "\nПричина: " + e.Notes
	}
	f.send(master.TelegramID, text)
}

func (f *Fanout) masterApproved(e services.Event) {
	if e.Master == nil {
		return
	}
	f.send(e.Master.TelegramID,
		"✅ Ваша анкета одобрена! Теперь вам будут назначаться заказы.")
}

func (f *Fanout) send(chatID int64, text string) {
	if err := f.notifier.SendHTML(chatID, text); err != nil {
		f.log.Warn("уведомление не доставлено", zap.Int64("chat_id", chatID))
	}
}
