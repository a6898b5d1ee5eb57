package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis"

	"github.com/hitoshi/bluecircle/internal/model"
)

// redisChannelPrefix はクライアントごとのPub/Subチャネル名の接頭辞。
const redisChannelPrefix = "bluecircle:auth:"

// redisEvent はRedis上を流れる通知の形式。アクセストークンは含めない。
type redisEvent struct {
	Type      model.AuthEventType `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// RedisBroker はRedis Pub/Subで複数インスタンス間に通知を配送するBroker。
type RedisBroker struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBroker はREDIS_URLからRedisBrokerを生成し、疎通を確認する。
func NewRedisBroker(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return newRedisBroker(client), nil
}

func newRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, subs: make(map[*redis.PubSub]struct{})}
}

// Publish は通知をクライアントのチャネルに発行する。
func (b *RedisBroker) Publish(ctx context.Context, clientID string, ev model.AuthEvent) error {
	payload, err := json.Marshal(encodeRedisEvent(ev))
	if err != nil {
		return fmt.Errorf("failed to encode auth event: %w", err)
	}
	if err := b.client.WithContext(ctx).Publish(redisChannelPrefix+clientID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish auth event: %w", err)
	}
	return nil
}

// Subscribe はクライアントのチャネルを購読し、受信順にfnを呼び出す。
// 購読解除後に新たな呼び出しは開始されない。
func (b *RedisBroker) Subscribe(clientID string, fn func(model.AuthEvent)) func() {
	pubsub := b.client.Subscribe(redisChannelPrefix + clientID)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		pubsub.Close()
		return func() {}
	}
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	var stopped atomic.Bool
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			if stopped.Load() {
				return
			}
			var wire redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				slog.Warn("discarding malformed auth event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			fn(wire.decode())
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				slog.Debug("failed to close redis subscription", slog.String("error", err.Error()))
			}
		})
	}
}

// Close は全購読を閉じ、Redisクライアントを閉じる。
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for pubsub := range subs {
		pubsub.Close()
	}
	return b.client.Close()
}

func encodeRedisEvent(ev model.AuthEvent) redisEvent {
	wire := redisEvent{Type: ev.Type}
	if ev.Session != nil {
		expiresAt := ev.Session.ExpiresAt
		wire.SessionID = ev.Session.ID
		wire.UserID = ev.Session.UserID
		wire.ExpiresAt = &expiresAt
	}
	return wire
}

func (w redisEvent) decode() model.AuthEvent {
	ev := model.AuthEvent{Type: w.Type}
	if w.UserID != "" {
		ev.Session = &model.Session{ID: w.SessionID, UserID: w.UserID}
		if w.ExpiresAt != nil {
			ev.Session.ExpiresAt = *w.ExpiresAt
		}
	}
	return ev
}

// compile-time interface check
var _ Broker = (*RedisBroker)(nil)
