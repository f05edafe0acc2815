// Package services — бизнес-логика заказов и пользователей. Сервисы
// проверяют права и инварианты, пишут через репозитории и публикуют
// доменные события для рассылки уведомлений.
package services

import "errors"

var (
	// ErrForbidden — у актора нет прав на операцию.
	ErrForbidden = errors.New("недостаточно прав")
	// ErrMasterNotEligible — мастер не одобрен или отключён.
	ErrMasterNotEligible = errors.New("мастер не может получать заказы")
)

// ValidationError — ошибка проверки входных данных, показывается
// пользователю как есть.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
