package identity

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn          func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn       func(ctx context.Context, email string) (*model.User, error)
	createWithProfileFn func(ctx context.Context, user *model.User, profile *model.Profile, identity *model.Identity) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile, identity *model.Identity) error {
	if m.createWithProfileFn != nil {
		return m.createWithProfileFn(ctx, user, profile, identity)
	}
	return nil
}

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	createFn         func(ctx context.Context, identity *model.Identity) error
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

func (m *mockIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if m.createFn != nil {
		return m.createFn(ctx, identity)
	}
	return nil
}

// memSessionRepo はテスト用のインメモリセッションストア。
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	rotates  int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Create(_ context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.RefreshExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return s, nil
}

func (m *memSessionRepo) Rotate(_ context.Context, oldID string, next *model.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[oldID]; !ok {
		return false, nil
	}
	delete(m.sessions, oldID)
	m.sessions[next.ID] = next
	m.rotates++
	return true, nil
}

func (m *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memSessionRepo) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://accounts.example.com/auth?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

var (
	_ repository.UserRepository     = (*mockUserRepo)(nil)
	_ repository.IdentityRepository = (*mockIdentityRepo)(nil)
	_ repository.SessionRepository  = (*memSessionRepo)(nil)
)

// userStore はSignUp / SignInの往復を検証するためのインメモリユーザー表。
type userStore struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newUserRepo() (*mockUserRepo, *userStore) {
	store := &userStore{users: make(map[string]*model.User)}
	return &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			store.mu.Lock()
			defer store.mu.Unlock()
			return store.users[email], nil
		},
		createWithProfileFn: func(_ context.Context, user *model.User, _ *model.Profile, _ *model.Identity) error {
			store.mu.Lock()
			defer store.mu.Unlock()
			if _, ok := store.users[user.Email]; ok {
				return repository.ErrDuplicate
			}
			store.users[user.Email] = user
			return nil
		},
	}, store
}

func newTestService(users repository.UserRepository, sessions repository.SessionRepository) *Service {
	return NewService(nil, users, &mockIdentityRepo{}, sessions,
		NewTokenIssuer("test-secret", time.Hour), ServiceConfig{SessionMaxAge: 3600})
}
