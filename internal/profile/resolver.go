// Package profile はユーザーIDからプロフィールを解決する共有キャッシュと、
// 表示単位ごとの最新要求のみを反映するViewを提供する。
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/bluecircle/internal/model"
)

// キャッシュの既定値
const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheMaxEntries = 10000
)

// Fetcher はプロフィールの取得元。見つからない場合はnil, nilを返す。
type Fetcher interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
}

// CacheObserver はキャッシュのヒット・ミスを観測する。
type CacheObserver interface {
	ObserveProfileLookup(hit bool)
}

// InvalidationBus はプロフィールの変更を同じストアを共有する全インスタンスに伝える。
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, userID string) error
	SubscribeInvalidations(fn func(userID string)) (unsubscribe func())
}

// ResolverConfig はResolverのキャッシュ設定。ゼロ値のフィールドは既定値を使う。
type ResolverConfig struct {
	TTL        time.Duration
	MaxEntries int
	// Bus がnilの場合、無効化はこのプロセス内にだけ効く
	Bus InvalidationBus
}

// Resolver はユーザーIDをキーとするプロフィールキャッシュ。
// 同一IDへの同時要求は1回の取得にまとめられる。
// エントリはTTLで失効し、件数が上限を超えると最も古く使われたものから捨てる。
// 取得失敗と未存在はキャッシュしない。
type Resolver struct {
	fetcher     Fetcher
	observer    CacheObserver
	group       singleflight.Group
	cache       *expirable.LRU[string, *model.Profile]
	bus         InvalidationBus
	unsubscribe func()

	// mu はキャッシュへの書き込みと無効化を直列化する
	mu      sync.Mutex
	pending map[string]*fetchToken
}

// fetchToken は実行中の取得1回分。取得中に無効化されるとstaleになる。
type fetchToken struct {
	stale bool
}

// NewResolver はResolverを生成する。observerはnilでもよい。
// cfg.Busが指定されていれば、他インスタンスからの無効化を購読する。
func NewResolver(fetcher Fetcher, observer CacheObserver, cfg ResolverConfig) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheMaxEntries
	}

	r := &Resolver{
		fetcher:  fetcher,
		observer: observer,
		cache:    expirable.NewLRU[string, *model.Profile](cfg.MaxEntries, nil, cfg.TTL),
		bus:      cfg.Bus,
		pending:  make(map[string]*fetchToken),
	}
	if r.bus != nil {
		r.unsubscribe = r.bus.SubscribeInvalidations(r.drop)
	}
	return r
}

// Resolve はプロフィールを返す。存在しない場合と取得に失敗した場合はNotFoundを返す。
// ctxが終了した場合はctx.Err()を返す。
func (r *Resolver) Resolve(ctx context.Context, userID string) (*model.Profile, error) {
	if p, ok := r.cache.Get(userID); ok {
		r.observe(true)
		return p, nil
	}
	r.observe(false)

	// 取得は最初の呼び出し元のキャンセルに巻き込まれないよう切り離す
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(userID, func() (any, error) {
		token := r.beginFetch(userID)
		p, err := r.fetcher.FindByID(fetchCtx, userID)
		if err != nil {
			r.endFetch(userID, token, nil)
			slog.Warn("profile fetch failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewNotFoundError("プロフィール", userID)
		}
		r.endFetch(userID, token, p)
		if p == nil {
			return nil, model.NewNotFoundError("プロフィール", userID)
		}
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Profile), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) beginFetch(userID string) *fetchToken {
	token := &fetchToken{}
	r.mu.Lock()
	r.pending[userID] = token
	r.mu.Unlock()
	return token
}

// endFetch は取得を終え、無効化されていなければpをキャッシュする。
func (r *Resolver) endFetch(userID string, token *fetchToken, p *model.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[userID] == token {
		delete(r.pending, userID)
	}
	if p != nil && !token.stale {
		r.cache.Add(userID, p)
	}
}

// Invalidate は指定IDのキャッシュを破棄し、Busがあれば他インスタンスにも伝える。
// 次回のResolveは再取得する。実行中の取得結果はキャッシュに書き込まれない。
func (r *Resolver) Invalidate(userID string) {
	r.drop(userID)
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishInvalidation(context.Background(), userID); err != nil {
		slog.Warn("failed to publish profile invalidation",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// drop はこのプロセスのキャッシュだけを破棄する。
func (r *Resolver) drop(userID string) {
	r.mu.Lock()
	r.cache.Remove(userID)
	if token, ok := r.pending[userID]; ok {
		token.stale = true
	}
	r.mu.Unlock()
	r.group.Forget(userID)
}

// Len はキャッシュ中の件数を返す。
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Close は無効化の購読を解除する。
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

func (r *Resolver) observe(hit bool) {
	if r.observer != nil {
		r.observer.ObserveProfileLookup(hit)
	}
}
