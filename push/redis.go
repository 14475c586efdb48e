package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const tokensKey = "minichat:push_tokens"

// RedisTokens keeps tokens in one redis hash, so they survive restarts and
// are shared by every process using the same redis.
type RedisTokens struct {
	client *redis.Client
}

func NewRedisTokens(ctx context.Context, redisURL string) (*RedisTokens, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTokens{client: client}, nil
}

func (r *RedisTokens) Put(ctx context.Context, userId int64, token string) error {
	if err := r.client.HSet(ctx, tokensKey, strconv.FormatInt(userId, 10), token).Err(); err != nil {
		glog.Errorf("redis hset token uid: %d, err: %v", userId, err)
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (r *RedisTokens) Get(ctx context.Context, userId int64) (string, error) {
	token, err := r.client.HGet(ctx, tokensKey, strconv.FormatInt(userId, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

func (r *RedisTokens) Close() error {
	return r.client.Close()
}
