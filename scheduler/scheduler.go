// Package scheduler — периодические задачи: поиск просроченных заказов,
// ежедневная сводка и напоминания о неподтверждённых назначениях.
// Каждая задача сериализована: тик, пришедший во время работы
// предыдущего, пропускается, а не ставится в очередь.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"remontbot/database"
	"remontbot/repositories"
	"remontbot/statemachine"
)

type OrderSource interface {
	List(ctx context.Context, f repositories.OrderFilter) ([]database.Order, error)
	CountByStatus(ctx context.Context) (map[statemachine.Status]int64, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
}

type UserSource interface {
	ListByRole(ctx context.Context, role statemachine.Role) ([]database.User, error)
}

type MasterSource interface {
	GetByID(ctx context.Context, id int64) (*database.Master, error)
	List(ctx context.Context, f repositories.MasterFilter) ([]database.Master, error)
}

// Messenger — доставка сообщений; реализуется notify.Notifier.
type Messenger interface {
	SendHTML(chatID int64, text string) error
}

// Config — периоды задач.
type Config struct {
	SLAInterval      time.Duration // скан просрочек, по умолчанию 30 мин
	ReminderInterval time.Duration // напоминания, по умолчанию час
	SummaryHour      int           // час ежедневной сводки, по умолчанию 9
}

func DefaultConfig() Config {
	return Config{
		SLAInterval:      30 * time.Minute,
		ReminderInterval: time.Hour,
		SummaryHour:      9,
	}
}

// slaThresholds — мягкие пороги времени в статусе.
var slaThresholds = map[statemachine.Status]time.Duration{
	statemachine.StatusNew:      2 * time.Hour,
	statemachine.StatusAssigned: 4 * time.Hour,
	statemachine.StatusAccepted: 8 * time.Hour,
	statemachine.StatusOnsite:   12 * time.Hour,
}

// reminderAfter — заказ висит в ASSIGNED дольше этого — мастеру
// уходит напоминание.
const reminderAfter = 2 * time.Hour

// slaTopN — сколько просроченных заказов перечисляется в алерте
// построчно; остальные сворачиваются в одну строку.
const slaTopN = 5

type Scheduler struct {
	orders    OrderSource
	users     UserSource
	masters   MasterSource
	messenger Messenger
	cfg       Config
	log       *zap.Logger
	now       func() time.Time

	slaMu      sync.Mutex
	summaryMu  sync.Mutex
	reminderMu sync.Mutex
}

func New(orders OrderSource, users UserSource, masters MasterSource, messenger Messenger, cfg Config, log *zap.Logger) *Scheduler {
	d := DefaultConfig()
	if cfg.SLAInterval <= 0 {
		cfg.SLAInterval = d.SLAInterval
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = d.ReminderInterval
	}
	// 0 — легальная полночь, подменяются только значения вне 0..23
	if cfg.SummaryHour < 0 || cfg.SummaryHour > 23 {
		cfg.SummaryHour = d.SummaryHour
	}
	return &Scheduler{
		orders:    orders,
		users:     users,
		masters:   masters,
		messenger: messenger,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Start запускает задачи и блокируется до отмены контекста.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s.tickLoop(ctx, s.cfg.SLAInterval, "sla_scan", &s.slaMu, s.RunSLAScan)
	}()
	go func() {
		defer wg.Done()
		s.tickLoop(ctx, s.cfg.ReminderInterval, "assignment_reminder", &s.reminderMu, s.RunAssignmentReminder)
	}()
	go func() {
		defer wg.Done()
		s.dailyLoop(ctx)
	}()

	wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context, period time.Duration, name string, mu *sync.Mutex, job func(context.Context) error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, name, mu, job)
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	for {
		wait := s.untilNextSummary()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.runJob(ctx, "daily_summary", &s.summaryMu, s.RunDailySummary)
		}
	}
}

func (s *Scheduler) untilNextSummary() time.Duration {
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.SummaryHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// runJob выполняет задачу, если она не идёт прямо сейчас; паники и
// ошибки логируются и не валят планировщик.
func (s *Scheduler) runJob(ctx context.Context, name string, mu *sync.Mutex, job func(context.Context) error) {
	if !mu.TryLock() {
		s.log.Warn("тик пропущен: задача ещё работает", zap.String("job", name))
		return
	}
	defer mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("паника в задаче", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	if err := job(ctx); err != nil {
		s.log.Error("задача завершилась с ошибкой", zap.String("job", name), zap.Error(err))
	}
}

type breach struct {
	order    database.Order
	inStatus time.Duration
}

// RunSLAScan находит заказы, зависшие в статусе дольше порога, и шлёт
// админам пакетный алерт: первые slaTopN построчно, остальное сводкой.
func (s *Scheduler) RunSLAScan(ctx context.Context) error {
	active, err := s.orders.List(ctx, repositories.OrderFilter{ExcludeClosed: true})
	if err != nil {
		return fmt.Errorf("sla: выборка активных заказов: %w", err)
	}

	now := s.now()
	var breaches []breach
	for _, o := range active {
		threshold, ok := slaThresholds[o.Status]
		if !ok {
			continue // у DR собственный срок, он не в SLA
		}
		inStatus := now.Sub(o.UpdatedAt)
		if inStatus > threshold {
			breaches = append(breaches, breach{order: o, inStatus: inStatus})
		}
	}
	if len(breaches) == 0 {
		return nil
	}
	sort.Slice(breaches, func(i, j int) bool { return breaches[i].inStatus > breaches[j].inStatus })

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ <b>Просроченные заказы: %d</b>\n\n", len(breaches))
	for i, br := range breaches {
		if i == slaTopN {
			fmt.Fprintf(&b, "… и ещё %d", len(breaches)-slaTopN)
			break
		}
		fmt.Fprintf(&b, "№%d %s — %s, в статусе: %s\n",
			br.order.ID, br.order.EquipmentType,
			statemachine.Title(br.order.Status), formatDuration(br.inStatus))
	}
	text := b.String()

	admins, err := s.users.ListByRole(ctx, statemachine.RoleAdmin)
	if err != nil {
		return fmt.Errorf("sla: список админов: %w", err)
	}
	for _, admin := range admins {
		if err := s.messenger.SendHTML(admin.TelegramID, text); err != nil {
			s.log.Warn("sla: алерт не доставлен", zap.Int64("chat_id", admin.TelegramID))
		}
	}
	s.log.Info("sla: алерт разослан",
		zap.Int("breaches", len(breaches)),
		zap.Int("admins", len(admins)),
	)
	return nil
}

// RunDailySummary считает сводку за сутки и рассылает её админам и
// диспетчерам.
func (s *Scheduler) RunDailySummary(ctx context.Context) error {
	counts, err := s.orders.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("summary: счётчики статусов: %w", err)
	}
	created, err := s.orders.CountCreatedSince(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("summary: новые заказы: %w", err)
	}
	eligible, err := s.masters.List(ctx, repositories.MasterFilter{OnlyEligible: true})
	if err != nil {
		return fmt.Errorf("summary: мастера: %w", err)
	}

	var b strings.Builder
	b.WriteString("📊 <b>Сводка за сутки</b>\n\n")
	fmt.Fprintf(&b, "Новых заказов за 24 часа: %d\n", created)
	fmt.Fprintf(&b, "Мастеров в работе: %d\n\n", len(eligible))
	for _, st := range statemachine.AllStatuses {
		if st == statemachine.StatusClosed || st == statemachine.StatusRefused {
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", statemachine.Title(st), counts[st])
	}
	text := b.String()

	for _, role := range []statemachine.Role{statemachine.RoleAdmin, statemachine.RoleDispatcher} {
		users, err := s.users.ListByRole(ctx, role)
		if err != nil {
			return fmt.Errorf("summary: список %s: %w", role, err)
		}
		for _, u := range users {
			if err := s.messenger.SendHTML(u.TelegramID, text); err != nil {
				s.log.Warn("summary: не доставлена", zap.Int64("chat_id", u.TelegramID))
			}
		}
	}
	return nil
}

// RunAssignmentReminder напоминает мастерам о заказах, висящих в
// ASSIGNED дольше двух часов.
func (s *Scheduler) RunAssignmentReminder(ctx context.Context) error {
	assigned, err := s.orders.List(ctx, repositories.OrderFilter{Status: statemachine.StatusAssigned})
	if err != nil {
		return fmt.Errorf("reminder: выборка: %w", err)
	}
	now := s.now()
	for _, o := range assigned {
		if now.Sub(o.UpdatedAt) <= reminderAfter || o.AssignedMasterID == nil {
			continue
		}
		master, err := s.masters.GetByID(ctx, *o.AssignedMasterID)
		if err != nil {
			s.log.Warn("reminder: мастер не найден",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
			continue
		}
		text := fmt.Sprintf(
			"⏰ Заказ №%d (%s) ждёт подтверждения уже %s. Примите или откажитесь.",
			o.ID, o.EquipmentType, formatDuration(now.Sub(o.UpdatedAt)))
		if err := s.messenger.SendHTML(master.TelegramID, text); err != nil {
			s.log.Warn("reminder: не доставлено", zap.Int64("chat_id", master.TelegramID))
		}
	}
	return nil
}

// formatDuration: 3h10m → "3ч", 45m → "45м".
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dч", int(d.Hours()))
	}
	return fmt.Sprintf("%dм", int(d.Minutes()))
}
