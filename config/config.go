// Package config собирает настройки бота из переменных окружения.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Bot       BotConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Security  SecurityConfig
	Scheduler SchedulerConfig
	LogLevel  string
	DevMode   bool
}

type BotConfig struct {
	Token         string
	AdminIDs      []int64
	DispatcherIDs []int64
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	URL string
}

type SecurityConfig struct {
	// EncryptionKey шифрует персональные данные клиентов. Обязателен
	// вне DEV_MODE.
	EncryptionKey string
}

type SchedulerConfig struct {
	SLAInterval      time.Duration
	ReminderInterval time.Duration
	SummaryHour      int
}

func Load() (*Config, error) {
	cfg := &Config{
		Bot: BotConfig{
			Token:         getEnv("BOT_TOKEN", ""),
			AdminIDs:      getEnvAsIDList("ADMIN_IDS"),
			DispatcherIDs: getEnvAsIDList("DISPATCHER_IDS"),
		},
		Database: DatabaseConfig{
			DSN: getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=remontbot port=5432 sslmode=disable"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			SLAInterval:      time.Duration(getEnvAsInt("SLA_CHECK_INTERVAL", 30)) * time.Minute,
			ReminderInterval: time.Duration(getEnvAsInt("REMINDER_INTERVAL", 60)) * time.Minute,
			SummaryHour:      getEnvAsInt("SUMMARY_HOUR", 9),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return newConfigError("BOT_TOKEN", "не может быть пустым")
	}
	if cfg.Security.EncryptionKey == "" && !cfg.DevMode {
		return newConfigError("ENCRYPTION_KEY", "ключ шифрования обязателен вне DEV_MODE")
	}
	if cfg.Scheduler.SummaryHour < 0 || cfg.Scheduler.SummaryHour > 23 {
		return newConfigError("SUMMARY_HOUR", "час сводки должен быть в диапазоне 0-23")
	}
	return nil
}

type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	return "конфигурационная ошибка: поле " + e.Field + " - " + e.Reason
}

func newConfigError(field, reason string) ConfigError {
	return ConfigError{
		Field:  field,
		Reason: reason,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsIDList разбирает список telegram id через запятую; мусорные
// элементы пропускаются.
func getEnvAsIDList(key string) []int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
