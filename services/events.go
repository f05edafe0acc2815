package services

import (
	"remontbot/database"
	"remontbot/statemachine"
)

// EventType — виды доменных событий, по которым уведомитель выбирает
// получателей.
type EventType string

const (
	EventOrderCreated     EventType = "order_created"
	EventOrderAssigned    EventType = "order_assigned"
	EventStatusChanged    EventType = "status_changed"
	EventOrderRescheduled EventType = "order_rescheduled"
	EventMasterApproved   EventType = "master_approved"
)

// Event публикуется внутри процесса после успешной мутации.
// Порядок и доставка — best effort: событие не входит в транзакцию.
type Event struct {
	Type   EventType
	Order  *database.Order
	Master *database.Master
	Actor  *database.User
	Old    statemachine.Status
	New    statemachine.Status
	Notes  string
}

// EventSink потребляет события. Реализация не должна блокироваться
// надолго: её зовут из обработчиков запросов.
type EventSink interface {
	Publish(Event)
}

// NopSink отбрасывает события (тесты, CLI-утилиты).
type NopSink struct{}

func (NopSink) Publish(Event) {}
