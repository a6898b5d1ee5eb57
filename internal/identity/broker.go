package identity

import (
	"context"
	"sync"

	"github.com/hitoshi/bluecircle/internal/model"
)

// Broker はブラウザ（クライアントID）単位でセッション変更通知を配送する。
// 同一パブリッシャーからの通知は発行順に配送される。
type Broker interface {
	// Publish は指定クライアントの購読者全員に通知を配送する。
	Publish(ctx context.Context, clientID string, ev model.AuthEvent) error
	// Subscribe は指定クライアントの通知を購読する。戻り値の関数で購読を解除する。
	Subscribe(clientID string, fn func(model.AuthEvent)) (unsubscribe func())
	// Close は購読をすべて解除し、保持するリソースを解放する。
	Close() error
}

// MemoryBroker はプロセス内で完結するBroker。単一インスタンス構成で使用する。
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(model.AuthEvent)
}

// NewMemoryBroker はMemoryBrokerを生成する。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]func(model.AuthEvent))}
}

// Publish は購読者を呼び出し元のgoroutineで順に呼び出す。
func (b *MemoryBroker) Publish(_ context.Context, clientID string, ev model.AuthEvent) error {
	b.mu.RLock()
	fns := make([]func(model.AuthEvent), 0, len(b.subs[clientID]))
	for _, fn := range b.subs[clientID] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

// Subscribe は指定クライアントの通知を購読する。
func (b *MemoryBroker) Subscribe(clientID string, fn func(model.AuthEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[clientID] == nil {
		b.subs[clientID] = make(map[int]func(model.AuthEvent))
	}
	b.subs[clientID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[clientID], id)
			if len(b.subs[clientID]) == 0 {
				delete(b.subs, clientID)
			}
		})
	}
}

// Close は全購読を解除する。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]func(model.AuthEvent))
	return nil
}

// compile-time interface check
var _ Broker = (*MemoryBroker)(nil)
