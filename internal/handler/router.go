package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/profile"
)

// HealthChecker はストアへの疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterMetrics はルーターが記録するメトリクスの記録先。
type RouterMetrics interface {
	PageMetrics
	middleware.StatusRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           RouterMetrics
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	ClientFactory     middleware.ClientFactory
	SessionConfig     middleware.SessionConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 画面遷移
	PageConfig PageHandlerConfig
	Seeder     Seeder
	Normalizer ProfileNormalizer

	// 投稿・プロフィール
	PostService   PostServiceInterface
	Profiles      *profile.Resolver
	ProfileEditor ProfileEditor
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  → Session → CSRF → RateLimit(General)
//
// /health と /metrics はセッションを持たない。
// どのルートにも一致しないGETは画面遷移として扱い、Route Guardが判定する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SessionConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Profiles, deps.AuthConfig)
	pageHandler := NewPageHandler(
		deps.PostService, deps.Profiles, deps.Seeder, deps.Normalizer,
		deps.AuthService.OAuthEnabled(), deps.Metrics, deps.PageConfig,
	)
	postHandler := NewPostHandler(deps.PostService, deps.Profiles)
	profileHandler := NewProfileHandler(deps.Profiles, deps.ProfileEditor, deps.PostService)
	eventsHandler := NewEventsHandler(deps.Profiles, deps.PageConfig.SessionInitTimeout)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.ClientFactory, deps.SessionConfig))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// 認証ルート。GET /auth 自体はサインイン画面の遷移
		r.Route("/auth", func(r chi.Router) {
			signIn := deps.RateLimiter.SignInMiddleware()
			r.With(signIn).Post("/signup", authHandler.SignUp)
			r.With(signIn).Post("/signin", authHandler.SignIn)
			r.With(signIn).Post("/demo", authHandler.Demo)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
			r.With(middleware.RequireAuth).Get("/me", authHandler.Me)

			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)

			r.Get("/", pageHandler.ServeHTTP)
			r.Get("/*", pageHandler.ServeHTTP)
		})

		// 未認証のブラウザもサインインを待ち受けるため認証を要求しない
		r.Get("/api/session/events", eventsHandler.Stream)

		// --- 認証が必要なAPI ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			write := deps.RateLimiter.WriteMiddleware()

			r.Get("/api/posts", postHandler.Feed)
			r.With(write).Post("/api/posts", postHandler.Create)
			r.With(write).Post("/api/posts/{id}/like", postHandler.ToggleLike)
			r.Get("/api/posts/{id}/comments", postHandler.Comments)
			r.With(write).Post("/api/posts/{id}/comments", postHandler.AddComment)

			r.With(write).Patch("/api/profiles/me", profileHandler.UpdateMe)
			r.Get("/api/profiles/{id}", profileHandler.Get)
			r.Get("/api/profiles/{id}/posts", profileHandler.Posts)

			r.Get("/api/admin/stats", postHandler.Stats)
		})

		// 画面遷移
		r.Get("/", pageHandler.ServeHTTP)
		r.Get("/*", pageHandler.ServeHTTP)
	})

	return r
}

// healthHandler はストアへの疎通を確認する。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
