// Package session はIdentity Providerのセッション状態を保持し、
// 変化を購読者へ順序通りに配送するSession Storeを提供する。
package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
)

// Status はセッション状態の種別。
type Status int

const (
	// Loading は初回取得の完了待ち。ルート判定は待機のみ。
	Loading Status = iota
	// Authenticated はサインイン済み。
	Authenticated
	// Unauthenticated は未サインイン。
	Unauthenticated
)

// String はStatusの文字列表現を返す。
func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// State はある時点のセッション状態のスナップショット。
// StatusがAuthenticatedの場合のみSessionが設定される。
type State struct {
	Status  Status
	Session *model.Session
}

// UserID はサインイン中のユーザーIDを返す。未サインインの場合は空文字。
func (s State) UserID() string {
	if s.Status != Authenticated || s.Session == nil {
		return ""
	}
	return s.Session.UserID
}

// Provider はSession Storeが依存するIdentity Providerの操作。
type Provider interface {
	// GetCurrentSession は現在のセッションを返す。未サインインの場合はnil。
	GetCurrentSession(ctx context.Context) (*model.Session, error)
	// OnSessionChange はセッション変更通知を購読する。
	OnSessionChange(fn func(model.AuthEvent)) (unsubscribe func())
}

// Listener は状態変化を受け取る関数。
// 配送中に同じStoreへの状態遷移やCloseを同期的に引き起こしてはならない。
type Listener func(State)

type subscriber struct {
	fn      Listener
	removed bool
}

// Store はセッション状態の唯一の保持者。
// 状態はLoadingから始まり、一度離れたらLoadingには戻らない。
type Store struct {
	provider Provider

	mu          sync.Mutex
	state       State
	nextID      int
	subscribers map[int]*subscriber
	ready       chan struct{}
	detach      func()
	initialized bool
	closed      bool

	// 配送を直列化し、発行順を保つ
	deliverMu sync.Mutex
}

// NewStore はLoading状態のStoreを生成する。
func NewStore(provider Provider) *Store {
	return &Store{
		provider:    provider,
		state:       State{Status: Loading},
		subscribers: make(map[int]*subscriber),
		ready:       make(chan struct{}),
	}
}

// Initialize はProviderの通知を購読し、非同期で現在のセッションを取得する。
// 初回取得より先に届いた通知はその結果を優先する。取得に失敗した場合はUnauthenticated。
// 2回目以降の呼び出しは何もしない。
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.initialized || s.closed {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	detach := s.provider.OnSessionChange(s.handleEvent)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		detach()
		return
	}
	s.detach = detach
	s.mu.Unlock()

	go func() {
		session, err := s.provider.GetCurrentSession(ctx)
		if err != nil {
			slog.Warn("initial session fetch failed",
				slog.String("error", err.Error()),
			)
			session = nil
		}

		next := State{Status: Unauthenticated}
		if session != nil {
			next = State{Status: Authenticated, Session: session}
		}
		s.transition(next, true)
	}()
}

// handleEvent はIdentity Providerの通知を状態遷移に変換する。
func (s *Store) handleEvent(ev model.AuthEvent) {
	switch ev.Type {
	case model.AuthEventSignedIn, model.AuthEventTokenRefreshed:
		if ev.Session == nil {
			return
		}
		s.transition(State{Status: Authenticated, Session: ev.Session}, false)
	case model.AuthEventSignedOut:
		s.transition(State{Status: Unauthenticated}, false)
	default:
		slog.Debug("ignoring unknown auth event", slog.String("type", string(ev.Type)))
	}
}

// transition は状態を更新し、変化があれば購読者へ配送する。
// initialがtrueの場合は初回取得の結果で、Loading中にのみ適用される。
func (s *Store) transition(next State, initial bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	if initial && prev.Status != Loading {
		s.mu.Unlock()
		return
	}
	if prev.Status == Unauthenticated && next.Status == Unauthenticated {
		s.mu.Unlock()
		return
	}
	s.state = next
	if prev.Status == Loading {
		close(s.ready)
	}
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		s.mu.Lock()
		sub, ok := s.subscribers[id]
		active := ok && !sub.removed && !s.closed
		s.mu.Unlock()
		if !active {
			continue
		}
		sub.fn(next)
	}
}

// Current は現在の状態を返す。
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe は状態変化の購読者を登録する。登録時点の状態は配送しない。
// 戻り値の関数を呼ぶと、それ以降その購読者への新たな配送は開始されない。
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	sub := &subscriber{fn: fn}
	if s.closed {
		sub.removed = true
		return func() {}
	}
	s.subscribers[id] = sub

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sub.removed = true
		delete(s.subscribers, id)
	}
}

// Await は状態がLoadingを離れるまで最大timeout待ち、その時点の状態を返す。
// タイムアウトまたはctxの終了時はLoadingのまま返ることがある。
func (s *Store) Await(ctx context.Context, timeout time.Duration) State {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.Current()
}

// Close は全購読者を解除し、Providerの購読を解除する。以降の状態遷移は行われない。
// 配送中の通知があれば終わるまで待つ。Listenerの中から呼んではならない。
func (s *Store) Close() {
	s.deliverMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.deliverMu.Unlock()
		return
	}
	s.closed = true
	for id, sub := range s.subscribers {
		sub.removed = true
		delete(s.subscribers, id)
	}
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	s.deliverMu.Unlock()

	if detach != nil {
		detach()
	}
}
