package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/bluecircle/internal/identity"
	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/profile"
	"github.com/hitoshi/bluecircle/internal/repository"
	"github.com/hitoshi/bluecircle/internal/seed"
)

// --- リポジトリのフェイク ---

// memUsers はユーザーとプロフィールを保持するインメモリストア。
type memUsers struct {
	mu       sync.Mutex
	users    map[string]*model.User
	profiles map[string]*model.Profile
}

func newMemUsers() *memUsers {
	return &memUsers{
		users:    make(map[string]*model.User),
		profiles: make(map[string]*model.Profile),
	}
}

func (m *memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memUsers) CreateWithProfile(_ context.Context, user *model.User, p *model.Profile, _ *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	m.profiles[p.ID] = p
	return nil
}

func (m *memUsers) putProfile(p *model.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

// profileFetcher はmemUsersのプロフィールをResolverに渡す。
type profileFetcher struct{ users *memUsers }

func (f profileFetcher) FindByID(_ context.Context, id string) (*model.Profile, error) {
	f.users.mu.Lock()
	defer f.users.mu.Unlock()
	return f.users.profiles[id], nil
}

// memSessions はリフレッシュセッションのインメモリストア。
// blockが設定されている場合、FindByIDはblockが閉じられるまで戻らない。
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	block    chan struct{}
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*model.Session)}
}

func (m *memSessions) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

func (m *memSessions) Rotate(_ context.Context, oldID string, next *model.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[oldID]; !ok {
		return false, nil
	}
	delete(m.sessions, oldID)
	m.sessions[next.ID] = next
	return true, nil
}

func (m *memSessions) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessions) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// --- サービスのモック ---

type mockPostService struct {
	feedFn       func(ctx context.Context) ([]*model.Post, error)
	listByUserFn func(ctx context.Context, userID string) ([]*model.Post, error)
	createFn     func(ctx context.Context, actorID, content, imageURL string) (*model.Post, error)
	toggleLikeFn func(ctx context.Context, actorID, postID string) (bool, error)
	commentsFn   func(ctx context.Context, postID string) ([]model.CommentWithAuthor, error)
	addCommentFn func(ctx context.Context, actorID, postID, content string) (*model.Comment, error)
	statsFn      func(ctx context.Context) (model.Stats, error)
}

func (m *mockPostService) Feed(ctx context.Context) ([]*model.Post, error) {
	if m.feedFn != nil {
		return m.feedFn(ctx)
	}
	return nil, nil
}

func (m *mockPostService) ListByUser(ctx context.Context, userID string) ([]*model.Post, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockPostService) Create(ctx context.Context, actorID, content, imageURL string) (*model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actorID, content, imageURL)
	}
	return nil, model.NewWriteRejectedError("投稿")
}

func (m *mockPostService) ToggleLike(ctx context.Context, actorID, postID string) (bool, error) {
	if m.toggleLikeFn != nil {
		return m.toggleLikeFn(ctx, actorID, postID)
	}
	return false, nil
}

func (m *mockPostService) Comments(ctx context.Context, postID string) ([]model.CommentWithAuthor, error) {
	if m.commentsFn != nil {
		return m.commentsFn(ctx, postID)
	}
	return nil, nil
}

func (m *mockPostService) AddComment(ctx context.Context, actorID, postID, content string) (*model.Comment, error) {
	if m.addCommentFn != nil {
		return m.addCommentFn(ctx, actorID, postID, content)
	}
	return nil, model.NewWriteRejectedError("コメント")
}

func (m *mockPostService) Stats(ctx context.Context) (model.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return model.Stats{}, nil
}

type mockProfileEditor struct {
	updateFn func(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error)
}

func (m *mockProfileEditor) Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, actorID, patch)
	}
	return nil, model.NewNotFoundError("プロフィール", actorID)
}

type fakeSeeder struct {
	mu       sync.Mutex
	inserted int
	err      error
	authors  []string
}

func (s *fakeSeeder) SeedIfEmpty(_ context.Context, session *model.Session) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authors = append(s.authors, session.UserID)
	return s.inserted, s.err
}

type fakeNormalizer struct {
	mu    sync.Mutex
	users []string
}

func (n *fakeNormalizer) Normalize(_ context.Context, userID string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	return false, nil
}

// fakeMetrics はRouterMetricsの記録内容を保持する。
type fakeMetrics struct {
	mu        sync.Mutex
	decisions []string
	seeded    int
	statuses  []int
	inits     int
}

func (m *fakeMetrics) RecordRouteDecision(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, action)
}

func (m *fakeMetrics) RecordSessionInit(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
}

func (m *fakeMetrics) RecordPostsSeeded(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded += count
}

func (m *fakeMetrics) RecordHTTPStatus(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusCode)
}

func (m *fakeMetrics) lastDecision() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.decisions) == 0 {
		return ""
	}
	return m.decisions[len(m.decisions)-1]
}

type fakeHealthChecker struct{ err error }

func (f fakeHealthChecker) PingContext(context.Context) error { return f.err }

// --- テスト環境 ---

const testCSRFToken = "test-csrf-token"

var testDemoAccount = seed.Account{Email: "demo@app.com", Password: "Demo123!"}

type testEnv struct {
	router     http.Handler
	users      *memUsers
	sessions   *memSessions
	posts      *mockPostService
	editor     *mockProfileEditor
	seeder     *fakeSeeder
	normalizer *fakeNormalizer
	metrics    *fakeMetrics
	resolver   *profile.Resolver
	broker     *identity.MemoryBroker
}

// newTestEnv は実際のidentity.Serviceとインメモリストアでルーターを構築する。
// modifyでRouterDepsを上書きできる。
func newTestEnv(t *testing.T, modify ...func(*RouterDeps)) *testEnv {
	t.Helper()

	env := &testEnv{
		users:      newMemUsers(),
		sessions:   newMemSessions(),
		posts:      &mockPostService{},
		editor:     &mockProfileEditor{},
		seeder:     &fakeSeeder{},
		normalizer: &fakeNormalizer{},
		metrics:    &fakeMetrics{},
		broker:     identity.NewMemoryBroker(),
	}
	env.resolver = profile.NewResolver(profileFetcher{users: env.users}, nil, profile.ResolverConfig{})

	tokens := identity.NewTokenIssuer("test-secret", time.Hour)
	service := identity.NewService(nil, env.users, nil, env.sessions, tokens, identity.ServiceConfig{SessionMaxAge: 3600})

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	deps := &RouterDeps{
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Metrics:       env.metrics,
		HealthChecker: fakeHealthChecker{},
		ClientFactory: func(clientID, accessToken, refreshID string) *identity.Client {
			return identity.NewClient(clientID, service, env.broker, accessToken, refreshID)
		},
		RateLimiter: limiter,
		AuthService: service,
		AuthConfig: AuthHandlerConfig{
			BaseURL:     "http://localhost:8080",
			DemoAccount: testDemoAccount,
		},
		PageConfig:    PageHandlerConfig{SessionInitTimeout: time.Second},
		Seeder:        env.seeder,
		Normalizer:    env.normalizer,
		PostService:   env.posts,
		Profiles:      env.resolver,
		ProfileEditor: env.editor,
	}
	for _, fn := range modify {
		fn(deps)
	}
	env.router = NewRouter(deps)
	return env
}

// browser はCookieを保持してリクエストを送るテスト用クライアント。
// 状態変更リクエストには常に一致するCSRFトークンを付ける。
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (env *testEnv) newBrowser(t *testing.T) *browser {
	return &browser{t: t, handler: env.router, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			b.t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)

	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name == "csrf_token" {
			continue
		}
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) has(name string) bool {
	_, ok := b.cookies[name]
	return ok
}

// signUp は新規登録してサインイン済みのブラウザにする。
func (b *browser) signUp(email, username string) sessionResponse {
	b.t.Helper()

	rec := b.do(http.MethodPost, "/auth/signup", map[string]string{
		"email":     email,
		"password":  "secret123",
		"username":  username,
		"full_name": strings.ToUpper(username[:1]) + username[1:],
	})
	if rec.Code != http.StatusCreated {
		b.t.Fatalf("sign up: expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	decodeBody(b.t, rec, &resp)
	return resp
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, rec, &body)
	return body.Code
}
