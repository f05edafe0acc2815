package handlers

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"remontbot/crypto"
	"remontbot/database"
	"remontbot/services"
	"remontbot/statemachine"
	"remontbot/states"
)

func equipmentList() []string {
	return database.EquipmentTypes
}

// equipmentKeyboard — выбор типа техники, по кнопке в строке.
func equipmentKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, eq := range equipmentList() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(eq, fmt.Sprintf("%s:%d", actionEquipment, i)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func confirmKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Создать", actionConfirm+":yes"),
			tgbotapi.NewInlineKeyboardButtonData("❌ Отменить", actionConfirm+":no"),
		),
	)
}

// transitionKeyboard — кнопки доступных актору переходов статуса.
func transitionKeyboard(orderID int64, targets []statemachine.Status) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, st := range targets {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				statemachine.Title(st),
				fmt.Sprintf("%s:%d:%s", actionStatus, orderID, st),
			),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func mastersKeyboard(orderID int64, masters []database.Master) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range masters {
		label := fmt.Sprintf("№%d · %s", m.ID, m.Specialization)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				label,
				fmt.Sprintf("%s:%d:%d", actionAssign, orderID, m.ID),
			),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func approveKeyboard(masters []database.Master) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range masters {
		label := fmt.Sprintf("✅ №%d · %s · %s", m.ID, m.Specialization, crypto.MaskPhone(m.Phone))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				label,
				fmt.Sprintf("%s:%d", actionApprove, m.ID),
			),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func renderOrderList(title string, orders []database.Order) string {
	var b strings.Builder
	b.WriteString(title + "\n\n")
	for _, o := range orders {
		fmt.Fprintf(&b, "№%d · %s · %s", o.ID, o.EquipmentType, statemachine.Title(o.Status))
		if o.ScheduledTime != "" {
			b.WriteString(" · " + o.ScheduledTime)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nКарточка: /order N")
	return b.String()
}

// renderOrderCard — карточка заказа. Вызывается с расшифрованной копией;
// без права на контакты персональные поля маскируются.
func renderOrderCard(o *database.Order, withContacts bool) string {
	name, addr, phone := o.ClientName, o.ClientAddress, o.ClientPhone
	if !withContacts {
		name = crypto.MaskName(name)
		addr = crypto.MaskAddress(addr)
		phone = crypto.MaskPhone(phone)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Заказ №%d — %s</b>\n\n", o.ID, statemachine.Title(o.Status))
	fmt.Fprintf(&b, "Техника: %s\n", o.EquipmentType)
	fmt.Fprintf(&b, "Описание: %s\n", o.Description)
	fmt.Fprintf(&b, "Клиент: %s\n", name)
	fmt.Fprintf(&b, "Адрес: %s\n", addr)
	fmt.Fprintf(&b, "Телефон: %s\n", phone)
	if o.ScheduledTime != "" {
		fmt.Fprintf(&b, "Время выезда: %s\n", o.ScheduledTime)
	}
	if o.EstimatedCompletionDate != nil {
		fmt.Fprintf(&b, "Срок завершения: %s\n", o.EstimatedCompletionDate.Format("02.01.2006"))
	}
	if o.TotalAmount.Valid {
		fmt.Fprintf(&b, "Сумма: %s ₽\n", o.TotalAmount.Decimal.StringFixed(2))
	}
	if o.RefuseReason != "" {
		fmt.Fprintf(&b, "Причина отказа: %s\n", o.RefuseReason)
	}
	if o.Notes != "" {
		fmt.Fprintf(&b, "Заметки: %s\n", o.Notes)
	}
	return b.String()
}

// renderOrderPreview — сводка заявки перед подтверждением.
func renderOrderPreview(flow *states.Flow) string {
	var b strings.Builder
	b.WriteString("<b>Проверьте заявку</b>\n\n")
	fmt.Fprintf(&b, "Техника: %s\n", flow.Get("equipment"))
	fmt.Fprintf(&b, "Описание: %s\n", flow.Get("description"))
	fmt.Fprintf(&b, "Клиент: %s\n", flow.Get("client_name"))
	fmt.Fprintf(&b, "Адрес: %s\n", flow.Get("address"))
	fmt.Fprintf(&b, "Телефон: %s\n", flow.Get("phone"))
	fmt.Fprintf(&b, "Время выезда: %s\n", flow.Get("schedule"))
	return b.String()
}

func renderMasterLine(m *database.Master) string {
	var marks []string
	if !m.IsApproved {
		marks = append(marks, "ждёт одобрения")
	}
	if !m.IsActive {
		marks = append(marks, "отключён")
	}
	line := fmt.Sprintf("№%d · %s · %s", m.ID, m.Specialization, crypto.MaskPhone(m.Phone))
	if len(marks) > 0 {
		line += " · " + strings.Join(marks, ", ")
	}
	return line
}

// seedOrderInput — валидная тестовая заявка для DEV_MODE.
func seedOrderInput() services.CreateOrderInput {
	return services.CreateOrderInput{
		EquipmentType: "Стиральная машина",
		Description:   "Не сливает воду, гудит при отжиме",
		ClientName:    "Тест Тестов",
		ClientAddress: "г. Москва, ул. Тестовая, д. 1",
		ClientPhone:   "+79990000000",
		ScheduledTime: "завтра 12:00",
	}
}
