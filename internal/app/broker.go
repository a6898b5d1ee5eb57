package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/bluecircle/internal/identity"
	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/profile"
)

// AuthEventRecorder は発行された認証イベントを記録する。
type AuthEventRecorder interface {
	RecordAuthEvent(eventType string)
}

// observedBroker は通知の発行ごとにイベント種別を記録するBroker。
type observedBroker struct {
	identity.Broker
	recorder AuthEventRecorder
}

func (b *observedBroker) Publish(ctx context.Context, clientID string, ev model.AuthEvent) error {
	if err := b.Broker.Publish(ctx, clientID, ev); err != nil {
		return err
	}
	b.recorder.RecordAuthEvent(string(ev.Type))
	return nil
}

// newBroker はREDIS_URLが設定されていればRedis、なければプロセス内のBrokerを返す。
func newBroker(redisURL string, recorder AuthEventRecorder) (identity.Broker, error) {
	var broker identity.Broker
	if redisURL == "" {
		broker = identity.NewMemoryBroker()
		slog.Info("using in-process session event broker")
	} else {
		rb, err := identity.NewRedisBroker(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		broker = rb
		slog.Info("using redis session event broker")
	}

	if recorder == nil {
		return broker, nil
	}
	return &observedBroker{Broker: broker, recorder: recorder}, nil
}

// newInvalidationBus はREDIS_URLが設定されていればプロフィール無効化をRedisで共有する。
// 未設定の場合は単一インスタンス構成とみなしnilを返す。
func newInvalidationBus(redisURL string) (*profile.RedisInvalidationBus, error) {
	if redisURL == "" {
		return nil, nil
	}
	bus, err := profile.NewRedisInvalidationBus(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("sharing profile cache invalidations over redis")
	return bus, nil
}
