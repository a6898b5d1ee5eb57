package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/bluecircle/internal/config"
	"github.com/hitoshi/bluecircle/internal/database"
	"github.com/hitoshi/bluecircle/internal/handler"
	"github.com/hitoshi/bluecircle/internal/identity"
	"github.com/hitoshi/bluecircle/internal/logger"
	"github.com/hitoshi/bluecircle/internal/metrics"
	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/post"
	"github.com/hitoshi/bluecircle/internal/profile"
	"github.com/hitoshi/bluecircle/internal/repository"
	"github.com/hitoshi/bluecircle/internal/seed"
	"github.com/hitoshi/bluecircle/internal/security"
	"github.com/hitoshi/bluecircle/internal/worker/cleanup"
)

const (
	dbPingTimeout       = 5 * time.Second
	oauthHTTPTimeout    = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
	healthcheckTimeout  = 5 * time.Second
	rateLimitCleanupDur = 5 * time.Minute
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数を読み込み、ログレベルを設定に合わせる。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込みの失敗もJSONで出力できるよう先にログを初期化する
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドがない場合はserveとして起動する。
func Run(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// start は設定を読み込み、指定されたモードを実行する。
func start(ctx context.Context, w io.Writer, cmd Command) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	broker, err := newBroker(cfg.RedisURL, collector)
	if err != nil {
		return err
	}
	defer broker.Close()

	// 未設定の場合はnilインターフェースのままにする
	var invalidations profile.InvalidationBus
	redisBus, err := newInvalidationBus(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisBus != nil {
		defer redisBus.Close()
		invalidations = redisBus
	}

	router, stop := buildRouter(cfg, db, broker, invalidations, collector, reg)
	defer stop()

	// イベントストリームはShutdownで閉じられないため、リクエストのベースコンテキストで終了を伝える
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelBase)

	return serveUntilDone(ctx, server)
}

// serveUntilDone はctxが終了するまでserverを動かし、終了後にシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down http server...", slog.String("addr", server.Addr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("http server stopped gracefully", slog.String("addr", server.Addr))
	return nil
}

// buildRouter は全依存関係をワイヤリングしてルーターを構築する。
// invalidationsがnilの場合、プロフィールキャッシュの無効化はこのプロセス内に限られる。
// 戻り値の関数はレートリミッターのクリーンアップとキャッシュ無効化の購読を停止する。
func buildRouter(
	cfg *config.Config,
	db *sql.DB,
	broker identity.Broker,
	invalidations profile.InvalidationBus,
	collector *metrics.Collector,
	gatherer prometheus.Gatherer,
) (http.Handler, func()) {
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	commentRepo := repository.NewPostgresCommentRepo(db)
	likeRepo := repository.NewPostgresLikeRepo(db)

	urlGuard := security.NewURLGuard()
	sanitizer := security.NewTextSanitizer()

	// 未設定の場合はnilインターフェースのままにする
	var oauth identity.OAuthProvider
	if cfg.GoogleEnabled() {
		oauth = identity.NewGoogleOAuthProvider(identity.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   urlGuard.NewSafeClient(oauthHTTPTimeout),
		})
	}
	authService := identity.NewService(
		oauth, userRepo, identRepo, sessionRepo,
		identity.NewTokenIssuer(cfg.SessionSecret, cfg.AccessTokenTTL),
		identity.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	resolver := profile.NewResolver(profileRepo, collector, profile.ResolverConfig{Bus: invalidations})
	editor := profile.NewEditor(profileRepo, sanitizer, urlGuard, resolver)
	postService := post.NewService(postRepo, commentRepo, likeRepo, profileRepo, sanitizer, urlGuard, cfg.FeedLimit)

	// 設定はreq/min単位
	limiterCfg := middleware.RateLimiterConfig{CleanupInterval: rateLimitCleanupDur}
	limiterCfg.GeneralRate, limiterCfg.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	limiterCfg.WriteRate, limiterCfg.WriteBurst = middleware.PerMinute(cfg.RateLimitWrite)
	limiterCfg.SignInRate, limiterCfg.SignInBurst = middleware.PerMinute(cfg.RateLimitSignIn)
	limiter := middleware.NewRateLimiter(limiterCfg)

	deps := &handler.RouterDeps{
		Logger:         slog.Default(),
		Metrics:        collector,
		MetricsHandler: metrics.Handler(gatherer),
		HealthChecker:  db,
		ClientFactory: func(clientID, accessToken, refreshID string) *identity.Client {
			return identity.NewClient(clientID, authService, broker, accessToken, refreshID)
		},
		SessionConfig: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieSecure: cfg.CookieSecure,
			DemoAccount:  seed.Account{Email: cfg.DemoEmail, Password: cfg.DemoPassword},
		},

		PageConfig: handler.PageHandlerConfig{SessionInitTimeout: cfg.SessionInitTimeout},
		Normalizer: seed.NewNormalizer(profileRepo, userRepo, cfg.DemoEmail, resolver.Invalidate),

		PostService:   postService,
		Profiles:      resolver,
		ProfileEditor: editor,
	}
	if cfg.SeedDemoPosts {
		deps.Seeder = seed.NewSeeder(postRepo)
	}

	return handler.NewRouter(deps), func() {
		limiter.Stop()
		resolver.Close()
	}
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除と投稿カウンタの整合をReconcileIntervalごとに実行する。
// ctxが終了するまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, metricsServer); err != nil {
				slog.Error("worker metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresPostRepo(db),
		collector,
		slog.Default(),
	)
	job.Start(ctx, cfg.ReconcileInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate は未適用のマイグレーションを順番に適用し、前後のバージョンをログに残す。
func runMigrate(cfg *config.Config) error {
	latest, err := database.LatestVersion()
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Uint64("latest_version", uint64(latest)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if !status.Changed() {
		slog.Info("database schema is up to date", slog.Uint64("version", uint64(status.To)))
		return nil
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("from_version", uint64(status.From)),
		slog.Uint64("to_version", uint64(status.To)),
	)
	return nil
}

// runHealthcheck はdistroless環境でのDockerヘルスチェック用。
// /health にHTTPリクエストを送り、200以外はエラーを返す。
func runHealthcheck(ctx context.Context, healthURL string) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Connect(ctx, databaseURL, dbPingTimeout)
	if err != nil {
		return nil, err
	}

	slog.Info("database connection established")
	return db, nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
