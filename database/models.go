package database

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"remontbot/statemachine"
)

// User — любой человек, написавший боту. Создаётся при первом контакте
// с ролью UNKNOWN, жёстко никогда не удаляется.
type User struct {
	TelegramID int64  `gorm:"primaryKey"`
	FirstName  string `gorm:"size:255"`
	LastName   string `gorm:"size:255"`
	Username   string `gorm:"size:255"`
	// Roles — канонический набор ролей через запятую, отсортированный
	// по алфавиту: "ADMIN,MASTER". Никогда не пуст.
	Roles     string `gorm:"size:100;default:'UNKNOWN'"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
	Version   int64          `gorm:"default:1"`
}

// RoleList разбирает канонический набор ролей.
func (u *User) RoleList() []statemachine.Role {
	parts := strings.Split(u.Roles, ",")
	out := make([]statemachine.Role, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, statemachine.Role(p))
		}
	}
	if len(out) == 0 {
		out = append(out, statemachine.RoleUnknown)
	}
	return out
}

func (u *User) HasRole(role statemachine.Role) bool {
	for _, r := range u.RoleList() {
		if r == role {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool      { return u.HasRole(statemachine.RoleAdmin) }
func (u *User) IsDispatcher() bool { return u.HasRole(statemachine.RoleDispatcher) }
func (u *User) IsMaster() bool     { return u.HasRole(statemachine.RoleMaster) }

// DisplayName — имя для сообщений бота, без масок (в логи не пишется).
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	if name == "" {
		name = "без имени"
	}
	return name
}

// CanonicalRoles сортирует и дедуплицирует набор ролей; пустой набор
// заменяется на UNKNOWN.
func CanonicalRoles(roles []statemachine.Role) string {
	seen := map[string]bool{}
	var list []string
	for _, r := range roles {
		s := string(r)
		if s != "" && !seen[s] {
			seen[s] = true
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		list = []string{string(statemachine.RoleUnknown)}
	}
	sort.Strings(list)
	return strings.Join(list, ",")
}

// Master — исполнитель заявок. Связан с User 1-к-1 по telegram_id.
// Пока is_approved=false, заказы назначать нельзя.
type Master struct {
	ID             int64  `gorm:"primaryKey"`
	TelegramID     int64  `gorm:"uniqueIndex"`
	Phone          string `gorm:"size:20"`
	Specialization string `gorm:"size:100;index"`
	IsActive       bool   `gorm:"default:true"`
	IsApproved     bool   `gorm:"default:false"`
	// WorkChatID — id рабочей группы мастера (отрицательное число).
	WorkChatID *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
	Version    int64          `gorm:"default:1"`
}

// Eligible: мастеру можно назначать заказы.
func (m *Master) Eligible() bool {
	return m.IsApproved && m.IsActive
}

// Order — заявка на ремонт. client_phone хранится в зашифрованном виде.
type Order struct {
	ID            int64  `gorm:"primaryKey"`
	EquipmentType string `gorm:"size:100"`
	Description   string `gorm:"size:500"`
	ClientName    string `gorm:"size:500"`
	ClientAddress string `gorm:"size:1000"`
	ClientPhone   string `gorm:"size:500"`

	Status           statemachine.Status `gorm:"size:20;index:idx_orders_status_created,priority:1;index:idx_orders_updated_status,priority:2"`
	AssignedMasterID *int64              `gorm:"index:idx_orders_master_status,priority:1"`
	DispatcherID     int64               `gorm:"index"`

	Notes         string `gorm:"size:1000"`
	ScheduledTime string `gorm:"size:255"`

	TotalAmount   decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	MaterialsCost decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	MasterProfit  decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	CompanyProfit decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	HasReview     bool                `gorm:"default:false"`
	OutOfCity     bool                `gorm:"default:false"`

	EstimatedCompletionDate *time.Time
	PrepaymentAmount        decimal.NullDecimal `gorm:"type:numeric(12,2)"`

	RescheduledCount  int `gorm:"default:0"`
	LastRescheduledAt *time.Time
	RescheduleReason  string `gorm:"size:500"`
	RefuseReason      string `gorm:"size:500"`

	CreatedAt time.Time      `gorm:"index:idx_orders_status_created,priority:2"`
	UpdatedAt time.Time      `gorm:"index:idx_orders_updated_status,priority:1"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
	Version   int64          `gorm:"default:1"`
}

// StatusHistory — журнал смен статуса, пишется в одной транзакции со
// сменой статуса заказа. Только добавление.
type StatusHistory struct {
	ID        int64               `gorm:"primaryKey"`
	OrderID   int64               `gorm:"index"`
	OldStatus statemachine.Status `gorm:"size:20"`
	NewStatus statemachine.Status `gorm:"size:20"`
	ChangedBy int64
	ChangedAt time.Time
	Notes     string `gorm:"size:1000"`
}

func (StatusHistory) TableName() string { return "order_status_history" }

// Действия журнала аудита.
const (
	AuditCreateOrder   = "CREATE_ORDER"
	AuditCancelOrder   = "CANCEL_ORDER"
	AuditAssignMaster  = "ASSIGN_MASTER"
	AuditChangeStatus  = "CHANGE_STATUS"
	AuditUpdateOrder   = "UPDATE_ORDER"
	AuditCloseOrder    = "CLOSE_ORDER"
	AuditReschedule    = "RESCHEDULE_ORDER"
	AuditApproveMaster = "APPROVE_MASTER"
	AuditAddRole       = "ADD_ROLE"
	AuditRemoveRole    = "REMOVE_ROLE"
	AuditBindWorkChat  = "BIND_WORK_CHAT"
)

// AuditLog — глобальный журнал действий. Только добавление, порядок
// гарантирован в пределах одного писателя.
type AuditLog struct {
	ID        int64          `gorm:"primaryKey"`
	UserID    int64          `gorm:"index"`
	Action    string         `gorm:"size:50;index"`
	Details   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (AuditLog) TableName() string { return "audit_log" }

// EntityHistory — журнал правок сущностей по полям (кто какое поле
// поменял). Пишется при редактировании заказов.
type EntityHistory struct {
	ID         int64          `gorm:"primaryKey"`
	EntityType string         `gorm:"size:50;index:idx_entity_history,priority:1"`
	EntityID   int64          `gorm:"index:idx_entity_history,priority:2"`
	Changes    datatypes.JSON `gorm:"type:jsonb"`
	ChangedBy  int64
	CreatedAt  time.Time
}

func (EntityHistory) TableName() string { return "entity_history" }

// SpecializationRate — доли мастера и компании в прибыли по
// специализации. Сумма долей равна 100 с точностью 0.01.
type SpecializationRate struct {
	ID                int64  `gorm:"primaryKey"`
	Name              string `gorm:"size:100;uniqueIndex"`
	MasterPercentage  decimal.Decimal `gorm:"type:numeric(5,2)"`
	CompanyPercentage decimal.Decimal `gorm:"type:numeric(5,2)"`
	IsDefault         bool   `gorm:"default:false"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (SpecializationRate) TableName() string { return "specialization_rates" }

// Виды техники, принимаемые в заявке.
var EquipmentTypes = []string{
	"Стиральная машина",
	"Посудомоечная машина",
	"Холодильник",
	"Духовой шкаф",
	"Варочная панель",
	"Электроплита",
	"Другое",
}

func IsKnownEquipment(e string) bool {
	for _, t := range EquipmentTypes {
		if t == e {
			return true
		}
	}
	return false
}
