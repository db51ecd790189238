package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedisWithRetry подключается к Redis с повторами. Клиент общий для кеша присутствия и шины событий.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	err = retry("redis ping", maxWait, logPrefix, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cli.Ping(ctx).Err()
	})
	if err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}
