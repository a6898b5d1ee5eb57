package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis"
)

// redisInvalidationChannel はプロフィール無効化を流すPub/Subチャネル。
const redisInvalidationChannel = "bluecircle:profile:invalidate"

// RedisInvalidationBus はRedis Pub/Subで複数のAPIインスタンスにプロフィールの無効化を伝える。
// メッセージはユーザーIDのみ。
type RedisInvalidationBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisInvalidationBus はREDIS_URLから接続し、疎通を確認する。
func NewRedisInvalidationBus(redisURL string) (*RedisInvalidationBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisInvalidationBus{client: client, subs: make(map[*redis.PubSub]struct{})}, nil
}

// PublishInvalidation はuserIDの無効化を発行する。発行元自身も受信する。
func (b *RedisInvalidationBus) PublishInvalidation(ctx context.Context, userID string) error {
	if err := b.client.WithContext(ctx).Publish(redisInvalidationChannel, userID).Err(); err != nil {
		return fmt.Errorf("failed to publish profile invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidations は受信したユーザーIDごとにfnを呼ぶ。
func (b *RedisInvalidationBus) SubscribeInvalidations(fn func(userID string)) func() {
	pubsub := b.client.Subscribe(redisInvalidationChannel)

	b.mu.Lock()
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			fn(msg.Payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				slog.Debug("failed to close redis subscription", slog.String("error", err.Error()))
			}
		})
	}
}

// Close は全購読とRedisクライアントを閉じる。
func (b *RedisInvalidationBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for pubsub := range subs {
		pubsub.Close()
	}
	return b.client.Close()
}

var _ InvalidationBus = (*RedisInvalidationBus)(nil)
