// Package repositories — слой хранения: все чтения и записи в Postgres
// идут через него. Мутации транзакционны, каждая запись повышает version
// и updated_at; удаление всегда мягкое (deleted_at).
package repositories

import "errors"

var (
	// ErrNotFound — строки нет или она мягко удалена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrOptimisticLock — version в базе не совпал с ожидаемым.
	// Вызывающий перечитывает строку и повторяет попытку.
	ErrOptimisticLock = errors.New("запись изменена параллельно, повторите")
	// ErrStatusMismatch — статус заказа в базе не совпал с ожидаемым
	// исходным статусом перехода.
	ErrStatusMismatch = errors.New("статус заказа уже изменился")
	// ErrInvariant — запись нарушила бы обязательные поля статуса.
	ErrInvariant = errors.New("нарушены обязательные поля статуса")
)
