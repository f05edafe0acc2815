// Package states хранит состояние многошаговых диалогов: на каком шаге
// пользователь и что он уже ввёл. Основная реализация — Redis с TTL,
// чтобы брошенные диалоги отмирали сами.
package states

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Шаги диалогов.
const (
	StepOrderEquipment   = "order_equipment"
	StepOrderDescription = "order_description"
	StepOrderClientName  = "order_client_name"
	StepOrderAddress     = "order_address"
	StepOrderPhone       = "order_phone"
	StepOrderSchedule    = "order_schedule"
	StepOrderConfirm     = "order_confirm"

	StepMasterPhone          = "master_phone"
	StepMasterSpecialization = "master_specialization"

	StepCloseTotal     = "close_total"
	StepCloseMaterials = "close_materials"
	StepCloseReview    = "close_review"
	StepCloseOutOfCity = "close_out_of_city"

	StepRefuseReason = "refuse_reason"
	StepDREstimate   = "dr_estimate"
)

// Flow — текущее состояние диалога пользователя.
type Flow struct {
	Step string `json:"step"`
	// Data — накопленные поля диалога (тексты шагов, id заказа).
	Data map[string]string `json:"data"`
}

func NewFlow(step string) *Flow {
	return &Flow{Step: step, Data: map[string]string{}}
}

func (f *Flow) Get(key string) string {
	if f.Data == nil {
		return ""
	}
	return f.Data[key]
}

func (f *Flow) Set(key, value string) {
	if f.Data == nil {
		f.Data = map[string]string{}
	}
	f.Data[key] = value
}

// Store — интерфейс хранилища диалогов. Get возвращает nil без ошибки,
// когда диалога нет.
type Store interface {
	Get(ctx context.Context, userID int64) (*Flow, error)
	Set(ctx context.Context, userID int64, flow *Flow) error
	Clear(ctx context.Context, userID int64) error
}

// flowTTL — брошенный диалог живёт полчаса.
const flowTTL = 30 * time.Minute

// RedisStore хранит диалоги в Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore подключается к Redis и проверяет соединение.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("states: разбор REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("states: redis недоступен: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func flowKey(userID int64) string {
	return fmt.Sprintf("flow:%d", userID)
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (*Flow, error) {
	raw, err := s.client.Get(ctx, flowKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var flow Flow
	if err := json.Unmarshal([]byte(raw), &flow); err != nil {
		// битое состояние проще сбросить, чем чинить
		_ = s.client.Del(ctx, flowKey(userID)).Err()
		return nil, nil
	}
	return &flow, nil
}

func (s *RedisStore) Set(ctx context.Context, userID int64, flow *Flow) error {
	raw, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, flowKey(userID), raw, flowTTL).Err()
}

func (s *RedisStore) Clear(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, flowKey(userID)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
