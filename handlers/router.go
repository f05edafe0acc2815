// Package handlers — диспетчерский слой: разбор входящих обновлений,
// допуск, проверка ролей и маршрутизация к операциям сервисов.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"remontbot/crypto"
	"remontbot/database"
	"remontbot/ratelimit"
	"remontbot/repositories"
	"remontbot/services"
	"remontbot/statemachine"
	"remontbot/states"
)

// requestTimeout — мягкий дедлайн обработки одного обновления.
const requestTimeout = 30 * time.Second

// OrderOps — операции над заказами, которые нужны обработчикам.
// Реализуется services.OrderService.
type OrderOps interface {
	CreateOrder(ctx context.Context, in services.CreateOrderInput, dispatcherID int64) (*database.Order, error)
	CancelOrder(ctx context.Context, orderID, actorID int64) error
	AssignMaster(ctx context.Context, orderID, masterID, actorID int64) (*database.Order, error)
	ChangeStatus(ctx context.Context, orderID int64, to statemachine.Status, actorID int64, opts services.StatusOpts) (*database.Order, error)
	CloseWithFinancials(ctx context.Context, orderID int64, total, materials decimal.Decimal, hasReview, outOfCity bool, actorID int64) (*database.Order, error)
	Reschedule(ctx context.Context, orderID int64, newTime, reason string, actorID int64) (*database.Order, error)
	ListForMaster(ctx context.Context, masterID int64, excludeClosed bool) ([]database.Order, error)
	ListByFilter(ctx context.Context, f repositories.OrderFilter) ([]database.Order, error)
	Get(ctx context.Context, orderID int64) (*database.Order, error)
	StatusHistory(ctx context.Context, orderID int64) ([]database.StatusHistory, error)
	Decrypted(o *database.Order) *database.Order
}

// UserOps — операции над пользователями и мастерами.
// Реализуется services.UserService.
type UserOps interface {
	EnsureUser(ctx context.Context, telegramID int64, firstName, lastName, username string) (*database.User, error)
	AddRole(ctx context.Context, telegramID int64, role statemachine.Role, actorID int64) error
	RemoveRole(ctx context.Context, telegramID int64, role statemachine.Role, actorID int64) error
	RegisterMaster(ctx context.Context, telegramID int64, phone, specialization string) (*database.Master, error)
	ApproveMaster(ctx context.Context, masterID, actorID int64) error
	SetMasterActive(ctx context.Context, masterID int64, active bool, actorID int64) error
	BindWorkChat(ctx context.Context, masterID, chatID, actorID int64) error
	ListMasters(ctx context.Context, f repositories.MasterFilter) ([]database.Master, error)
	GetMasterByTelegramID(ctx context.Context, telegramID int64) (*database.Master, error)
}

// Replier — исходящие ответы; реализуется notify.Notifier.
type Replier interface {
	Send(chatID int64, text string) error
	SendHTML(chatID int64, text string) error
	SendKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error
}

// Admitter — допуск запросов; реализуется ratelimit.Limiter.
type Admitter interface {
	Admit(userID int64) ratelimit.Decision
}

// CallbackAcker закрывает "часики" на нажатой inline-кнопке.
// *tgbotapi.BotAPI реализует через Request.
type CallbackAcker interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// request — контекст одного обновления, собранный middleware-цепочкой.
type request struct {
	ctx    context.Context
	id     string // uuid для связывания строк лога
	user   *database.User
	chatID int64
	// args — текст после команды или данные callback после действия
	args string
	// text — сырой текст сообщения (для шагов диалогов)
	text string
	// message — исходное сообщение, nil для callback
	message *tgbotapi.Message
}

type commandHandler struct {
	roles []statemachine.Role // пусто: доступно всем
	run   func(r *request) error
	dev   bool // только в DEV_MODE
}

type callbackHandler struct {
	roles []statemachine.Role
	run   func(r *request, params []string) error
}

type Router struct {
	orders  OrderOps
	users   UserOps
	flows   states.Store
	limiter Admitter
	replier Replier
	acker   CallbackAcker
	log     *zap.Logger
	devMode bool

	commands  map[string]commandHandler
	callbacks map[string]callbackHandler
}

func NewRouter(
	orders OrderOps,
	users UserOps,
	flows states.Store,
	limiter Admitter,
	replier Replier,
	acker CallbackAcker,
	log *zap.Logger,
	devMode bool,
) *Router {
	r := &Router{
		orders:    orders,
		users:     users,
		flows:     flows,
		limiter:   limiter,
		replier:   replier,
		acker:     acker,
		log:       log,
		devMode:   devMode,
		commands:  map[string]commandHandler{},
		callbacks: map[string]callbackHandler{},
	}
	r.registerCommands()
	r.registerCallbacks()
	return r
}

// HandleUpdate — точка входа для одного обновления из long poll.
func (rt *Router) HandleUpdate(update tgbotapi.Update) {
	var from *tgbotapi.User
	var chatID int64
	switch {
	case update.Message != nil:
		from = update.Message.From
		chatID = update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		from = update.CallbackQuery.From
		chatID = update.CallbackQuery.Message.Chat.ID
	default:
		return
	}
	if from == nil || from.IsBot {
		return
	}

	// допуск до любой работы: забаненные и флуд отсекаются дёшево
	decision := rt.limiter.Admit(from.ID)
	if !decision.Allowed {
		if decision.Warn {
			rt.sendQuiet(chatID, limitWarning(decision))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	requestID := uuid.NewString()
	defer func() {
		if rec := recover(); rec != nil {
			rt.log.Error("паника в обработчике",
				zap.String("request_id", requestID),
				zap.Any("panic", rec),
			)
			rt.sendQuiet(chatID, "❌ Что-то пошло не так. Попробуйте ещё раз.")
		}
	}()

	user, err := rt.users.EnsureUser(ctx, from.ID, from.FirstName, from.LastName, from.UserName)
	if err != nil {
		rt.log.Error("регистрация пользователя не удалась",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		rt.sendQuiet(chatID, "❌ Что-то пошло не так. Попробуйте ещё раз.")
		return
	}

	r := &request{ctx: ctx, id: requestID, user: user, chatID: chatID}

	switch {
	case update.CallbackQuery != nil:
		rt.routeCallback(r, update.CallbackQuery)
	case update.Message.IsCommand():
		r.args = strings.TrimSpace(update.Message.CommandArguments())
		r.message = update.Message
		rt.routeCommand(r, update.Message.Command())
	default:
		r.text = strings.TrimSpace(update.Message.Text)
		r.message = update.Message
		rt.routeFlowMessage(r)
	}
}

func (rt *Router) routeCommand(r *request, command string) {
	h, ok := rt.commands[command]
	if !ok || (h.dev && !rt.devMode) {
		rt.sendQuiet(r.chatID, "Неизвестная команда. Список команд: /help")
		return
	}
	if !hasAnyRole(r.user, h.roles) {
		rt.sendQuiet(r.chatID, "❌ Недостаточно прав для этой команды.")
		return
	}
	rt.finish(r, "/"+command, h.run(r))
}

// routeCallback разбирает данные кнопки по грамматике action[:param]*.
func (rt *Router) routeCallback(r *request, cb *tgbotapi.CallbackQuery) {
	// закрыть "часики" независимо от исхода
	if rt.acker != nil {
		_, _ = rt.acker.Request(tgbotapi.NewCallback(cb.ID, ""))
	}

	parts := strings.Split(cb.Data, ":")
	action := parts[0]
	h, ok := rt.callbacks[action]
	if !ok {
		rt.log.Warn("неизвестное действие кнопки",
			zap.String("request_id", r.id),
			zap.String("action", action),
		)
		return
	}
	if !hasAnyRole(r.user, h.roles) {
		rt.sendQuiet(r.chatID, "❌ Недостаточно прав.")
		return
	}
	rt.finish(r, "callback:"+action, h.run(r, parts[1:]))
}

// routeFlowMessage продолжает многошаговый диалог, если он есть.
func (rt *Router) routeFlowMessage(r *request) {
	flow, err := rt.flows.Get(r.ctx, r.user.TelegramID)
	if err != nil {
		rt.finish(r, "flow", err)
		return
	}
	if flow == nil {
		return // обычный текст вне диалога игнорируется
	}
	rt.finish(r, "flow:"+flow.Step, rt.continueFlow(r, flow))
}

// finish — общий хвост обработки: маппинг ошибки в ответ и лог.
func (rt *Router) finish(r *request, route string, err error) {
	if err == nil {
		return
	}
	rt.sendQuiet(r.chatID, userMessage(err))
	rt.log.Warn("запрос завершился ошибкой",
		zap.String("request_id", r.id),
		zap.String("route", route),
		zap.Int64("user_id", r.user.TelegramID),
		zap.String("error", crypto.SanitizeLogMessage(err.Error())),
	)
}

// userMessage переводит ошибку сервиса в ответ пользователю.
func userMessage(err error) string {
	var vErr *services.ValidationError
	if errors.As(err, &vErr) {
		return "❌ " + vErr.Field + ": " + vErr.Message
	}
	var tErr *statemachine.TransitionError
	if errors.As(err, &tErr) {
		return "❌ " + tErr.Error()
	}
	switch {
	case errors.Is(err, services.ErrForbidden):
		return "❌ Недостаточно прав."
	case errors.Is(err, services.ErrMasterNotEligible):
		return "❌ Мастер не одобрен или отключён."
	case errors.Is(err, repositories.ErrNotFound):
		return "❌ Не найдено. Проверьте номер."
	case errors.Is(err, repositories.ErrOptimisticLock):
		return "⚠️ Запись только что изменил кто-то другой. Обновите и попробуйте ещё раз."
	case errors.Is(err, context.DeadlineExceeded):
		return "⚠️ Не успели обработать запрос. Попробуйте ещё раз."
	}
	return "❌ Что-то пошло не так. Попробуйте ещё раз."
}

func limitWarning(d ratelimit.Decision) string {
	if d.Reason == ratelimit.ReasonBanned {
		return fmt.Sprintf("🚫 Слишком много запросов — вы заблокированы на %s.", formatWait(d.RetryAfter))
	}
	return fmt.Sprintf("⏳ Не так быстро. Подождите %s.", formatWait(d.RetryAfter))
}

func formatWait(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%d ч", int(d.Hours()+0.5))
	case d >= time.Minute:
		return fmt.Sprintf("%d мин", int(d.Minutes()+0.5))
	default:
		secs := int(d.Seconds() + 0.5)
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("%d сек", secs)
	}
}

func hasAnyRole(u *database.User, roles []statemachine.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// sendQuiet — ответ, ошибка доставки которого не меняет исход запроса.
func (rt *Router) sendQuiet(chatID int64, text string) {
	if err := rt.replier.Send(chatID, text); err != nil {
		rt.log.Warn("ответ не доставлен", zap.Int64("chat_id", chatID))
	}
}
