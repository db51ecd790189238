package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage"
)

// sessionSetTTL - страховка от «вечного онлайна», если узел упал, не успев снять свои сессии.
const sessionSetTTL = 24 * time.Hour

type Client struct {
	cli *redis.Client
}

// NewFromClient оборачивает готовый клиент (общий с шиной событий, тесты с miniredis).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func sessionsKey(userID string) string { return "presence:sessions:" + userID }
func lastSeenKey(userID string) string { return "presence:lastseen:" + userID }

// Connect добавляет сессию в множество пользователя; SADD и SCARD выполняются в одной транзакции.
func (c *Client) Connect(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	var added *redis.IntCmd
	var card *redis.IntCmd
	_, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, sessionsKey(userID), sessionID)
		pipe.Expire(ctx, sessionsKey(userID), sessionSetTTL)
		card = pipe.SCard(ctx, sessionsKey(userID))
		pipe.Set(ctx, lastSeenKey(userID), at.UnixMilli(), storage.LastSeenTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	return added.Val() == 1 && card.Val() == 1, nil
}

func (c *Client) Disconnect(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	var removed *redis.IntCmd
	var card *redis.IntCmd
	_, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, sessionsKey(userID), sessionID)
		card = pipe.SCard(ctx, sessionsKey(userID))
		pipe.Set(ctx, lastSeenKey(userID), at.UnixMilli(), storage.LastSeenTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return removed.Val() == 1 && card.Val() == 0, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.SCard(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence online: %w", err)
	}
	return n > 0, nil
}

func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := c.cli.Get(ctx, lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence last seen: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence last seen parse: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// SetOTP сохраняет код по ключу otp:{phone}, TTL 5 мин.
func (c *Client) SetOTP(ctx context.Context, phone, code string) error {
	return c.cli.Set(ctx, "otp:"+phone, code, storage.OTPTTL).Err()
}

// TakeOTP - GETDEL по otp:{phone}.
func (c *Client) TakeOTP(ctx context.Context, phone string) (string, error) {
	val, err := c.cli.GetDel(ctx, "otp:"+phone).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// CheckRateLimit - фиксированное окно: не больше OTPRateLimitMax запросов кода за OTPRateLimitWindow.
func (c *Client) CheckRateLimit(ctx context.Context, phone string) (bool, error) {
	key := "otp_limit:" + phone
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, storage.OTPRateLimitWindow)
	}
	return n <= int64(storage.OTPRateLimitMax), nil
}

func pushKey(userID string) string { return "push:subs:" + userID }

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := c.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	key := pushKey(userID)
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxPushSubscriptions, -1)
	pipe.Expire(ctx, key, storage.PushSubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push subscribe: %w", err)
	}
	return nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	key := pushKey(userID)
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("push unsubscribe: %w", err)
	}
	for _, item := range list {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return fmt.Errorf("push unsubscribe: %w", err)
			}
		}
	}
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, pushKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push subscriptions: %w", err)
	}
	subs := make([]model.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Valid() {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}
