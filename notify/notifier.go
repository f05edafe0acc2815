// Package notify — исходящие уведомления: доставка с ограниченными
// повторами и разводка доменных событий по получателям.
package notify

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"remontbot/crypto"
)

// Sender — транспорт доставки. *tgbotapi.BotAPI реализует его; тесты
// подставляют скриптованный фейк.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RetryConfig — политика повторов доставки.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
	}
}

// Notifier доставляет сообщения с экспоненциальным бэк-оффом.
// Неустранимые ошибки транспорта логируются и глотаются: сбой доставки
// не должен откатывать бизнес-операцию.
type Notifier struct {
	sender Sender
	cfg    RetryConfig
	log    *zap.Logger
	sleep  func(time.Duration)
}

func New(sender Sender, cfg RetryConfig, log *zap.Logger) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &Notifier{sender: sender, cfg: cfg, log: log, sleep: time.Sleep}
}

// Send отправляет обычный текст.
func (n *Notifier) Send(chatID int64, text string) error {
	return n.deliver(tgbotapi.NewMessage(chatID, text), chatID)
}

// SendHTML отправляет текст с HTML-разметкой (жирный, курсив, code).
func (n *Notifier) SendHTML(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	return n.deliver(msg, chatID)
}

// SendKeyboard отправляет текст с inline-клавиатурой.
func (n *Notifier) SendKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = kb
	return n.deliver(msg, chatID)
}

// SendDocument отправляет файл (например, отчёт).
func (n *Notifier) SendDocument(chatID int64, name string, payload []byte) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: payload})
	return n.deliver(doc, chatID)
}

// deliver — цикл доставки: повторы с экспоненциальной паузой, явный
// retry-after от транспорта соблюдается буквально (с верхней границей).
func (n *Notifier) deliver(msg tgbotapi.Chattable, chatID int64) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(n.cfg.BaseDelay),
		backoff.WithMultiplier(n.cfg.Factor),
		backoff.WithMaxInterval(n.cfg.MaxDelay),
		backoff.WithRandomizationFactor(0),
	)
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		_, err := n.sender.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		retryAfter, terminal := classify(err)
		if terminal {
			n.log.Warn("доставка невозможна",
				zap.Int64("chat_id", chatID),
				zap.String("error", crypto.SanitizeLogMessage(err.Error())),
			)
			return err
		}
		if attempt == n.cfg.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > n.cfg.MaxDelay {
			delay = n.cfg.MaxDelay
		}
		if retryAfter > 0 {
			delay = retryAfter
			if delay > n.cfg.MaxDelay {
				delay = n.cfg.MaxDelay
			}
		}
		n.sleep(delay)
	}

	n.log.Warn("доставка не удалась после повторов",
		zap.Int64("chat_id", chatID),
		zap.Int("attempts", n.cfg.MaxAttempts),
		zap.String("error", crypto.SanitizeLogMessage(lastErr.Error())),
	)
	return lastErr
}

// classify разбирает ошибку транспорта: явный retry-after и коды, при
// которых повторять бессмысленно (кривой запрос, нет прав, чат не
// найден, слишком большое сообщение).
func classify(err error) (retryAfter time.Duration, terminal bool) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return 0, false // сетевые ошибки считаем устранимыми
	}
	if apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, false
	}
	switch apiErr.Code {
	case 400, 401, 403, 404, 413:
		return 0, true
	}
	return 0, false
}
