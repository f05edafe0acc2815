package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"remontbot/config"
	"remontbot/crypto"
	"remontbot/database"
	"remontbot/handlers"
	"remontbot/notify"
	"remontbot/ratelimit"
	"remontbot/repositories"
	"remontbot/scheduler"
	"remontbot/services"
	"remontbot/states"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "remontbot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("миграции: %w", err)
	}

	flows, err := buildFlowStore(cfg, log)
	if err != nil {
		return err
	}

	key := cfg.Security.EncryptionKey
	if key == "" && cfg.DevMode {
		// в DEV_MODE без ключа данные шифруются фиксированным ключом,
		// база с ним непригодна для продакшена
		key = "dev-insecure-key"
		log.Warn("ENCRYPTION_KEY не задан, используется небезопасный dev-ключ")
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return err
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("подключение к Telegram: %w", err)
	}
	log.Info("бот авторизован", zap.String("username", bot.Self.UserName))

	userRepo := repositories.NewUserRepository(db)
	masterRepo := repositories.NewMasterRepository(db)
	orderRepo := repositories.NewOrderRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	rateRepo := repositories.NewRateRepository(db)

	notifier := notify.New(bot, notify.DefaultRetryConfig(), log)
	fanout := notify.NewFanout(notifier, masterRepo, log)

	orderService := services.NewOrderService(orderRepo, userRepo, masterRepo, auditRepo, rateRepo, cipher, fanout, log)
	userService := services.NewUserService(userRepo, masterRepo, auditRepo, fanout, log)

	if err := userService.BootstrapRoles(context.Background(), cfg.Bot.AdminIDs, cfg.Bot.DispatcherIDs); err != nil {
		return fmt.Errorf("стартовые роли: %w", err)
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	router := handlers.NewRouter(orderService, userService, flows, limiter, notifier, bot, log, cfg.DevMode)

	sched := scheduler.New(orderRepo, userRepo, masterRepo, notifier, scheduler.Config{
		SLAInterval:      cfg.Scheduler.SLAInterval,
		ReminderInterval: cfg.Scheduler.ReminderInterval,
		SummaryHour:      cfg.Scheduler.SummaryHour,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 60
	updates := bot.GetUpdatesChan(updateCfg)

	log.Info("бот запущен",
		zap.Bool("dev_mode", cfg.DevMode),
		zap.Int("admins", len(cfg.Bot.AdminIDs)),
		zap.Int("dispatchers", len(cfg.Bot.DispatcherIDs)),
	)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case update, ok := <-updates:
			if !ok {
				break loop
			}
			router.HandleUpdate(update)
		}
	}

	bot.StopReceivingUpdates()
	wg.Wait()
	log.Info("бот остановлен")
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// buildFlowStore: Redis в обычном режиме; в DEV_MODE при недоступном
// Redis диалоги живут в памяти процесса.
func buildFlowStore(cfg *config.Config, log *zap.Logger) (states.Store, error) {
	store, err := states.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		if cfg.DevMode {
			log.Warn("redis недоступен, диалоги в памяти", zap.Error(err))
			return states.NewMemoryStore(), nil
		}
		return nil, err
	}
	return store, nil
}
