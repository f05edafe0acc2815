// Package statemachine описывает жизненный цикл заказа: допустимые переходы
// между статусами, права ролей на каждый переход и обязательные поля статусов.
// Пакет не делает I/O и не хранит состояние.
package statemachine

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusNew      Status = "NEW"
	StatusAssigned Status = "ASSIGNED"
	StatusAccepted Status = "ACCEPTED"
	StatusOnsite   Status = "ONSITE"
	StatusClosed   Status = "CLOSED"
	StatusRefused  Status = "REFUSED"
	StatusDR       Status = "DR" // длительный ремонт
)

type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleDispatcher Role = "DISPATCHER"
	RoleMaster     Role = "MASTER"
	RoleUnknown    Role = "UNKNOWN"
)

// AllStatuses перечисляет статусы в порядке жизненного цикла.
var AllStatuses = []Status{
	StatusNew, StatusAssigned, StatusAccepted, StatusOnsite,
	StatusDR, StatusClosed, StatusRefused,
}

// transitions: из какого статуса в какие можно перейти.
var transitions = map[Status][]Status{
	StatusNew:      {StatusAssigned, StatusRefused},
	StatusAssigned: {StatusAccepted, StatusRefused, StatusNew},
	StatusAccepted: {StatusOnsite, StatusDR, StatusRefused},
	StatusOnsite:   {StatusClosed, StatusDR, StatusRefused},
	StatusDR:       {StatusClosed, StatusOnsite, StatusRefused},
	StatusRefused:  {StatusNew},
	StatusClosed:   {},
}

type pair struct{ from, to Status }

var dispatcherSide = []Role{RoleAdmin, RoleDispatcher}
var masterSide = []Role{RoleMaster, RoleAdmin}

// permissions: какие роли могут выполнить конкретный переход.
var permissions = map[pair][]Role{
	{StatusNew, StatusAssigned}:     dispatcherSide,
	{StatusNew, StatusRefused}:      dispatcherSide,
	{StatusAssigned, StatusNew}:     dispatcherSide,
	{StatusAccepted, StatusRefused}: dispatcherSide,
	{StatusRefused, StatusNew}:      dispatcherSide,

	{StatusAssigned, StatusAccepted}: masterSide,
	{StatusAssigned, StatusRefused}:  masterSide,
	{StatusAccepted, StatusOnsite}:   masterSide,
	{StatusAccepted, StatusDR}:       masterSide,
	{StatusOnsite, StatusClosed}:     masterSide,
	{StatusOnsite, StatusDR}:         masterSide,
	{StatusOnsite, StatusRefused}:    masterSide,
	{StatusDR, StatusClosed}:         masterSide,
	{StatusDR, StatusOnsite}:         masterSide,
	{StatusDR, StatusRefused}:        masterSide,
}

// RequiredFields описывает структурные требования статуса к заказу.
type RequiredFields struct {
	AssignedMaster  bool // assigned_master_id должен быть установлен
	NoMaster        bool // assigned_master_id должен быть пуст
	TotalAmount     bool // total_amount должен быть установлен
	EstimatedFinish bool // estimated_completion_date должна быть установлена
}

var fieldRules = map[Status]RequiredFields{
	StatusNew:      {NoMaster: true},
	StatusAssigned: {AssignedMaster: true},
	StatusAccepted: {AssignedMaster: true},
	StatusOnsite:   {AssignedMaster: true},
	StatusDR:       {AssignedMaster: true, EstimatedFinish: true},
	StatusClosed:   {TotalAmount: true},
	StatusRefused:  {},
}

// FieldInvariants возвращает обязательные поля для статуса.
func FieldInvariants(s Status) RequiredFields {
	return fieldRules[s]
}

// IsValid сообщает, входит ли статус в алфавит жизненного цикла.
func IsValid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// IsValidRole сообщает, входит ли роль в алфавит ролей.
func IsValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleDispatcher, RoleMaster, RoleUnknown:
		return true
	}
	return false
}

// IsTerminal: из статуса нет исходящих переходов.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0 && IsValid(s)
}

// CanTransition проверяет переход по таблице. Переход в тот же статус
// всегда разрешён (идемпотентность).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTargets возвращает копию списка допустимых статусов-преемников.
func AllowedTargets(from Status) []Status {
	src := transitions[from]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

// AllowedRoles возвращает роли, которым разрешён переход from→to.
func AllowedRoles(from, to Status) []Role {
	return permissions[pair{from, to}]
}

// TransitionErrorKind различает причины отказа в переходе.
type TransitionErrorKind int

const (
	// IllegalTransition — перехода нет в таблице.
	IllegalTransition TransitionErrorKind = iota
	// Forbidden — переход есть, но ролей актора недостаточно.
	Forbidden
	// Terminal — исходный статус терминальный.
	Terminal
)

// TransitionError несёт контекст для сообщения оператору: причину и
// список допустимых статусов-преемников.
type TransitionError struct {
	Kind    TransitionErrorKind
	From    Status
	To      Status
	Allowed []Status
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case Terminal:
		return fmt.Sprintf("статус %s терминальный, переходы из него невозможны", e.From)
	case Forbidden:
		return fmt.Sprintf("недостаточно прав для перехода %s → %s", e.From, e.To)
	default:
		return fmt.Sprintf("переход %s → %s невозможен, допустимые статусы: %s",
			e.From, e.To, joinStatuses(e.Allowed))
	}
}

func joinStatuses(ss []Status) string {
	if len(ss) == 0 {
		return "нет"
	}
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

// ValidateTransition проверяет переход from→to для набора ролей актора.
// Переход в тот же статус всегда Ok. Возвращает *TransitionError с
// причиной отказа и списком допустимых преемников.
func ValidateTransition(from, to Status, roles []Role) error {
	if from == to {
		return nil
	}
	if IsTerminal(from) {
		return &TransitionError{Kind: Terminal, From: from, To: to, Allowed: nil}
	}
	if !CanTransition(from, to) {
		return &TransitionError{Kind: IllegalTransition, From: from, To: to, Allowed: AllowedTargets(from)}
	}
	allowed := AllowedRoles(from, to)
	for _, have := range roles {
		for _, want := range allowed {
			if have == want {
				return nil
			}
		}
	}
	return &TransitionError{Kind: Forbidden, From: from, To: to, Allowed: AllowedTargets(from)}
}

// AvailableTransitions перечисляет статусы, в которые актор с данными
// ролями может перевести заказ из статуса from.
func AvailableTransitions(from Status, roles []Role) []Status {
	var out []Status
	for _, to := range transitions[from] {
		if ValidateTransition(from, to, roles) == nil {
			out = append(out, to)
		}
	}
	return out
}

// Title возвращает человекочитаемое название статуса для сообщений бота.
func Title(s Status) string {
	switch s {
	case StatusNew:
		return "Новый"
	case StatusAssigned:
		return "Назначен"
	case StatusAccepted:
		return "Принят мастером"
	case StatusOnsite:
		return "Мастер на месте"
	case StatusDR:
		return "Длительный ремонт"
	case StatusClosed:
		return "Закрыт"
	case StatusRefused:
		return "Отказ"
	}
	return string(s)
}
