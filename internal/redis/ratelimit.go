package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThrottleConfig defines the outbound SMS limits.
type ThrottleConfig struct {
	UserLimit   int           // Max SMS per user per window
	UserWindow  time.Duration // Cooldown window per user
	PhoneLimit  int           // Max SMS per phone number per window
	PhoneWindow time.Duration // Rolling window per phone number
}

// DefaultThrottleConfig matches the production limits: one SMS per user per
// five minutes, three SMS per phone number per rolling hour.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		UserLimit:   1,
		UserWindow:  5 * time.Minute,
		PhoneLimit:  3,
		PhoneWindow: time.Hour,
	}
}

// SMSThrottle caps outbound SMS per user and per phone number using redis
// counters with TTL expiry. Counter expiry is the only cleanup mechanism;
// there is no background sweep.
type SMSThrottle struct {
	client *Client
	logger *zap.Logger
	config ThrottleConfig
}

// NewSMSThrottle creates a new SMS throttle with the given configuration.
func NewSMSThrottle(client *Client, logger *zap.Logger, config ThrottleConfig) *SMSThrottle {
	return &SMSThrottle{
		client: client,
		logger: logger,
		config: config,
	}
}

func userKey(userID string) string {
	return fmt.Sprintf("smslimit:user:%s", userID)
}

func phoneKey(phone string) string {
	return fmt.Sprintf("smslimit:phone:%s", phone)
}

// Peek reports whether a send would currently be allowed without mutating any
// counter. It is inherently racy with concurrent senders; the send path uses
// Reserve instead.
func (t *SMSThrottle) Peek(ctx context.Context, userID, phone string) (bool, error) {
	pipe := t.client.rdb.Pipeline()
	userCmd := pipe.Get(ctx, userKey(userID))
	phoneCmd := pipe.Get(ctx, phoneKey(phone))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis pipeline failed: %w", err)
	}

	userCount, err := userCmd.Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	phoneCount, err := phoneCmd.Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	return userCount < t.config.UserLimit && phoneCount < t.config.PhoneLimit, nil
}

// Record increments both counters after a successful send. The expiry is set
// on the increment that brings a counter from 0 to 1, so the window starts at
// the first send.
func (t *SMSThrottle) Record(ctx context.Context, userID, phone string) error {
	if err := t.increment(ctx, userKey(userID), t.config.UserWindow); err != nil {
		return err
	}
	return t.increment(ctx, phoneKey(phone), t.config.PhoneWindow)
}

func (t *SMSThrottle) increment(ctx context.Context, key string, window time.Duration) error {
	count, err := t.client.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis incr failed: %w", err)
	}
	if count == 1 {
		if err := t.client.rdb.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("redis expire failed: %w", err)
		}
	}
	return nil
}

// Reserve atomically claims one send slot for the user/phone pair.
// Each counter is bumped with INCR and compared against its limit; on
// rejection the increments are rolled back so a denied attempt does not
// consume quota. This closes the race where two concurrent senders both pass
// a pure check before either increments.
func (t *SMSThrottle) Reserve(ctx context.Context, userID, phone string) (bool, error) {
	uk, pk := userKey(userID), phoneKey(phone)

	userCount, err := t.client.rdb.Incr(ctx, uk).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr failed: %w", err)
	}
	if userCount == 1 {
		if err := t.client.rdb.Expire(ctx, uk, t.config.UserWindow).Err(); err != nil {
			return false, fmt.Errorf("redis expire failed: %w", err)
		}
	}
	if userCount > int64(t.config.UserLimit) {
		t.client.rdb.Decr(ctx, uk)
		t.logger.Debug("sms throttled by user cooldown",
			zap.String("user_id", userID),
			zap.Int64("count", userCount),
		)
		return false, nil
	}

	phoneCount, err := t.client.rdb.Incr(ctx, pk).Result()
	if err != nil {
		t.client.rdb.Decr(ctx, uk)
		return false, fmt.Errorf("redis incr failed: %w", err)
	}
	if phoneCount == 1 {
		if err := t.client.rdb.Expire(ctx, pk, t.config.PhoneWindow).Err(); err != nil {
			return false, fmt.Errorf("redis expire failed: %w", err)
		}
	}
	if phoneCount > int64(t.config.PhoneLimit) {
		t.client.rdb.Decr(ctx, pk)
		t.client.rdb.Decr(ctx, uk)
		t.logger.Debug("sms throttled by phone cap",
			zap.String("phone", phone),
			zap.Int64("count", phoneCount),
		)
		return false, nil
	}

	return true, nil
}
