package handler

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
)

type pageBody struct {
	Page   string `json:"page"`
	Viewer *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Found    bool   `json:"found"`
	} `json:"viewer"`
}

func TestPage_AnonymousRedirectsToAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/", "/profile/u1", "/messages", "/notifications/", "/admin"} {
		t.Run(path, func(t *testing.T) {
			rec := env.newBrowser(t).do(http.MethodGet, path, nil)

			if rec.Code != http.StatusTemporaryRedirect {
				t.Fatalf("expected status 307, got %d", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != "/auth" {
				t.Errorf("expected redirect to /auth, got %q", loc)
			}
		})
	}
}

func TestPage_AuthRendersForAnonymous(t *testing.T) {
	env := newTestEnv(t)

	rec := env.newBrowser(t).do(http.MethodGet, "/auth", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Page string       `json:"page"`
		Data authPageData `json:"data"`
	}
	decodeBody(t, rec, &body)
	if body.Page != "auth" {
		t.Errorf("expected page auth, got %q", body.Page)
	}
	if body.Data.GoogleEnabled {
		t.Error("google sign-in should be disabled without a provider")
	}
	if got := env.metrics.lastDecision(); got != "render" {
		t.Errorf("expected render decision to be recorded, got %q", got)
	}
}

func TestPage_AuthRedirectsHomeWhenSignedIn(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	rec := b.do(http.MethodGet, "/auth/", nil)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected status 307, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("expected redirect to /, got %q", loc)
	}
}

func TestPage_UnknownPathNotFound(t *testing.T) {
	env := newTestEnv(t)
	anonymous := env.newBrowser(t)
	signedIn := env.newBrowser(t)
	signedIn.signUp("alice@example.com", "alice")

	tests := []struct {
		name string
		b    *browser
		path string
	}{
		{"anonymous", anonymous, "/settings"},
		{"signed in", signedIn, "/settings"},
		{"empty profile id", signedIn, "/profile/"},
		{"unknown auth subpath", anonymous, "/auth/unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.b.do(http.MethodGet, tt.path, nil)

			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected status 404, got %d", rec.Code)
			}
			var body pageBody
			decodeBody(t, rec, &body)
			if body.Page != "not_found" {
				t.Errorf("expected page not_found, got %q", body.Page)
			}
		})
	}
}

func TestPage_WaitsWhileSessionLoading(t *testing.T) {
	env := newTestEnv(t, func(d *RouterDeps) {
		d.PageConfig.SessionInitTimeout = 20 * time.Millisecond
	})
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	// アクセストークンを失いリフレッシュが必要な状態で、ストアの応答が遅い
	delete(b.cookies, "access_token")
	env.sessions.block = make(chan struct{})
	t.Cleanup(func() { close(env.sessions.block) })

	for _, path := range []string{"/", "/no-such-page"} {
		rec := b.do(http.MethodGet, path, nil)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != "1" {
			t.Errorf("%s: expected Retry-After 1, got %q", path, got)
		}
		var body pageBody
		decodeBody(t, rec, &body)
		if body.Page != "loading" {
			t.Errorf("%s: expected page loading, got %q", path, body.Page)
		}
	}
	if got := env.metrics.lastDecision(); got != "wait" {
		t.Errorf("expected wait decision to be recorded, got %q", got)
	}
}

func TestPage_HomeSeedsAndListsFeed(t *testing.T) {
	env := newTestEnv(t)
	env.seeder.inserted = 5
	b := env.newBrowser(t)
	me := b.signUp("alice@example.com", "alice")

	env.posts.feedFn = func(context.Context) ([]*model.Post, error) {
		return []*model.Post{
			{ID: "p2", UserID: me.UserID, Content: "second", CreatedAt: time.Now()},
			{ID: "p1", UserID: "ghost", Content: "first", CreatedAt: time.Now().Add(-time.Minute)},
		}, nil
	}

	rec := b.do(http.MethodGet, "/", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		pageBody
		Data homePageData `json:"data"`
	}
	decodeBody(t, rec, &body)

	if body.Page != "home" {
		t.Errorf("expected page home, got %q", body.Page)
	}
	if body.Viewer == nil || body.Viewer.Username != "alice" {
		t.Errorf("expected viewer alice, got %+v", body.Viewer)
	}
	if len(body.Data.Posts) != 2 || body.Data.Posts[0].ID != "p2" {
		t.Fatalf("expected feed order to be kept, got %+v", body.Data.Posts)
	}
	if body.Data.Posts[0].Author.Username != "alice" {
		t.Errorf("expected author alice, got %+v", body.Data.Posts[0].Author)
	}
	if body.Data.Posts[1].Author.Found || body.Data.Posts[1].Author.Initial != "U" {
		t.Errorf("expected fallback author for missing profile, got %+v", body.Data.Posts[1].Author)
	}

	if !slices.Equal(env.seeder.authors, []string{me.UserID}) {
		t.Errorf("expected seeding as %s, got %v", me.UserID, env.seeder.authors)
	}
	if env.metrics.seeded != 5 {
		t.Errorf("expected 5 seeded posts recorded, got %d", env.metrics.seeded)
	}
	if !slices.Contains(env.normalizer.users, me.UserID) {
		t.Errorf("expected profile normalization for %s", me.UserID)
	}
}

func TestPage_HomeSeedFailureStillRenders(t *testing.T) {
	env := newTestEnv(t)
	env.seeder.err = model.NewNetworkUnavailableError()
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	rec := b.do(http.MethodGet, "/", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestPage_HomeFeedFailure(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")
	env.posts.feedFn = func(context.Context) ([]*model.Post, error) {
		return nil, model.NewNetworkUnavailableError()
	}

	rec := b.do(http.MethodGet, "/", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrCodeNetworkUnavailable {
		t.Errorf("expected code %s, got %s", model.ErrCodeNetworkUnavailable, code)
	}
}

func TestPage_ProfilePage(t *testing.T) {
	env := newTestEnv(t)
	env.users.putProfile(&model.Profile{ID: "bob-id", Username: "bob", FullName: "Bob"})
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	var listed string
	env.posts.listByUserFn = func(_ context.Context, userID string) ([]*model.Post, error) {
		listed = userID
		return []*model.Post{{ID: "p1", UserID: userID, Content: "hi"}}, nil
	}

	rec := b.do(http.MethodGet, "/profile/bob-id", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		pageBody
		Data profilePageData `json:"data"`
	}
	decodeBody(t, rec, &body)
	if body.Page != "profile" || listed != "bob-id" {
		t.Errorf("expected profile page for bob-id, got page %q listing %q", body.Page, listed)
	}
	if body.Data.Profile.DisplayName != "Bob" || !body.Data.Profile.Found {
		t.Errorf("expected Bob's card, got %+v", body.Data.Profile)
	}
	if len(body.Data.Posts) != 1 {
		t.Errorf("expected 1 post, got %d", len(body.Data.Posts))
	}
}

func TestPage_ProfileOfUnknownUserUsesFallback(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	rec := b.do(http.MethodGet, "/profile/nobody", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body struct {
		Data profilePageData `json:"data"`
	}
	decodeBody(t, rec, &body)
	if body.Data.Profile.Found || body.Data.Profile.Initial != "U" || body.Data.Profile.ID != "nobody" {
		t.Errorf("expected fallback card, got %+v", body.Data.Profile)
	}
}

func TestPage_PlaceholderPages(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	for _, tt := range []struct{ path, page string }{
		{"/messages", "messages"},
		{"/notifications", "notifications"},
	} {
		rec := b.do(http.MethodGet, tt.path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", tt.path, rec.Code)
		}
		var body struct {
			Page string `json:"page"`
			Data struct {
				Items []any `json:"items"`
			} `json:"data"`
		}
		decodeBody(t, rec, &body)
		if body.Page != tt.page {
			t.Errorf("expected page %s, got %q", tt.page, body.Page)
		}
		if body.Data.Items == nil || len(body.Data.Items) != 0 {
			t.Errorf("%s: expected empty item list, got %v", tt.path, body.Data.Items)
		}
	}
}

func TestPage_AdminShowsStats(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")
	env.posts.statsFn = func(context.Context) (model.Stats, error) {
		return model.Stats{Users: 3, Posts: 5, Comments: 8}, nil
	}

	rec := b.do(http.MethodGet, "/admin", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body struct {
		Data adminPageData `json:"data"`
	}
	decodeBody(t, rec, &body)
	if body.Data.Stats != (statsResponse{Users: 3, Posts: 5, Comments: 8}) {
		t.Errorf("unexpected stats: %+v", body.Data.Stats)
	}
}

func TestPage_WithoutSeederOrNormalizer(t *testing.T) {
	env := newTestEnv(t, func(d *RouterDeps) {
		d.Seeder = nil
		d.Normalizer = nil
	})
	b := env.newBrowser(t)
	b.signUp("alice@example.com", "alice")

	rec := b.do(http.MethodGet, "/", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(env.seeder.authors) != 0 {
		t.Error("seeder should not be called when disabled")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
	}{
		{"reachable", nil, http.StatusOK},
		{"unreachable", errors.New("connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *RouterDeps) {
				d.HealthChecker = fakeHealthChecker{err: tt.pingErr}
			})

			b := env.newBrowser(t)
			rec := b.do(http.MethodGet, "/health", nil)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if b.has("client_id") {
				t.Error("health check should not issue a client_id cookie")
			}
		})
	}
}
