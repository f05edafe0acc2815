// Package ratelimit — допуск входящих запросов: токен-бакет на
// пользователя, учёт нарушений в скользящем окне и временные баны.
// Всё состояние живёт в памяти процесса и сбрасывается при рестарте.
package ratelimit

import (
	"sync"
	"time"
)

// Config — параметры допуска. Нулевые поля заменяются дефолтами.
type Config struct {
	Rate          float64       // токенов в секунду
	Burst         float64       // ёмкость бакета
	MaxViolations int           // нарушений в окне до бана
	Window        time.Duration // окно учёта нарушений
	BanDuration   time.Duration
	BaseWait      time.Duration // базовый совет подождать
	LimitCooldown time.Duration // не чаще одного предупреждения о лимите
	BanCooldown   time.Duration // не чаще одного предупреждения о бане
}

func DefaultConfig() Config {
	return Config{
		Rate:          3,
		Burst:         5,
		MaxViolations: 30,
		Window:        time.Minute,
		BanDuration:   time.Hour,
		BaseWait:      time.Second,
		LimitCooldown: 5 * time.Second,
		BanCooldown:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = d.MaxViolations
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BanDuration <= 0 {
		c.BanDuration = d.BanDuration
	}
	if c.BaseWait <= 0 {
		c.BaseWait = d.BaseWait
	}
	if c.LimitCooldown <= 0 {
		c.LimitCooldown = d.LimitCooldown
	}
	if c.BanCooldown <= 0 {
		c.BanCooldown = d.BanCooldown
	}
	return c
}

// RejectReason — причина отказа.
type RejectReason int

const (
	ReasonLimitExceeded RejectReason = iota
	ReasonBanned
)

// Decision — результат допуска одного запроса.
type Decision struct {
	Allowed    bool
	Reason     RejectReason
	RetryAfter time.Duration
	// Warn: пора отправить пользователю предупреждение (не чаще
	// кулдауна на бакет). Сообщение доставляет вызывающий.
	Warn bool
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
	violations []time.Time
	bannedTill time.Time
	lastWarn   time.Time
}

// Limiter — карта бакетов за мьютексом. Операции O(1) по числу
// пользователей; простаивающие бакеты выметаются лениво.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	buckets   map[int64]*bucket
	lastSweep time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		buckets: map[int64]*bucket{},
	}
}

// NewWithClock — для тестов с управляемым временем.
func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	l := New(cfg)
	l.now = now
	return l
}

// Admit пытается потратить один токен пользователя. Отказ регистрирует
// нарушение; при переполнении окна нарушений пользователь банится.
func (l *Limiter) Admit(userID int64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.cfg.Burst, lastUpdate: now}
		l.buckets[userID] = b
	}

	// активный бан: запрос молча отбрасывается, предупреждение не чаще
	// кулдауна
	if b.bannedTill.After(now) {
		d := Decision{
			Allowed:    false,
			Reason:     ReasonBanned,
			RetryAfter: b.bannedTill.Sub(now),
		}
		if now.Sub(b.lastWarn) >= l.cfg.BanCooldown {
			b.lastWarn = now
			d.Warn = true
		}
		return d
	}
	if !b.bannedTill.IsZero() {
		// бан истёк — чистый лист
		b.bannedTill = time.Time{}
		b.violations = nil
		b.tokens = l.cfg.Burst
		b.lastUpdate = now
	}

	// ленивый рефилл
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * l.cfg.Rate
	if b.tokens > l.cfg.Burst {
		b.tokens = l.cfg.Burst
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}

	// нарушение: пишем в окно и проверяем порог бана
	cutoff := now.Add(-l.cfg.Window)
	kept := b.violations[:0]
	for _, v := range b.violations {
		if v.After(cutoff) {
			kept = append(kept, v)
		}
	}
	b.violations = append(kept, now)

	if len(b.violations) >= l.cfg.MaxViolations {
		b.bannedTill = now.Add(l.cfg.BanDuration)
		b.lastWarn = now
		return Decision{
			Allowed:    false,
			Reason:     ReasonBanned,
			RetryAfter: l.cfg.BanDuration,
			Warn:       true,
		}
	}

	d := Decision{
		Allowed:    false,
		Reason:     ReasonLimitExceeded,
		RetryAfter: l.waitTime(len(b.violations)),
	}
	if now.Sub(b.lastWarn) >= l.cfg.LimitCooldown {
		b.lastWarn = now
		d.Warn = true
	}
	return d
}

// waitTime — прогрессивный совет подождать: чем больше нарушений в
// окне, тем дольше пауза.
func (l *Limiter) waitTime(violations int) time.Duration {
	base := l.cfg.BaseWait
	switch {
	case violations <= 3:
		return base
	case violations <= 10:
		mult := violations - 1
		if mult > 5 {
			mult = 5
		}
		return base * time.Duration(mult)
	case violations <= 20:
		return base * time.Duration(violations-5)
	default:
		return base * time.Duration(violations)
	}
}

// BannedUntil возвращает конец бана пользователя, если он активен.
func (l *Limiter) BannedUntil(userID int64) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	if !ok || !b.bannedTill.After(l.now()) {
		return time.Time{}, false
	}
	return b.bannedTill, true
}

const (
	sweepEvery = 10 * time.Minute
	bucketIdle = time.Hour
)

// sweepLocked выметает бакеты, к которым давно не обращались.
// Вызывается под мьютексом не чаще sweepEvery.
func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now
	for id, b := range l.buckets {
		if now.Sub(b.lastUpdate) > bucketIdle && !b.bannedTill.After(now) {
			delete(l.buckets, id)
		}
	}
}
