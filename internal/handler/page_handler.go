package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/profile"
	"github.com/hitoshi/bluecircle/internal/route"
	"github.com/hitoshi/bluecircle/internal/session"
)

// PostServiceInterface は投稿関連のハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Feed(ctx context.Context) ([]*model.Post, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Post, error)
	Create(ctx context.Context, actorID, content, imageURL string) (*model.Post, error)
	ToggleLike(ctx context.Context, actorID, postID string) (bool, error)
	Comments(ctx context.Context, postID string) ([]model.CommentWithAuthor, error)
	AddComment(ctx context.Context, actorID, postID, content string) (*model.Comment, error)
	Stats(ctx context.Context) (model.Stats, error)
}

// Seeder はホーム表示前にサンプル投稿を準備する。
type Seeder interface {
	SeedIfEmpty(ctx context.Context, session *model.Session) (int, error)
}

// ProfileNormalizer は認証済みページ表示前にデモプロフィールを揃える。
type ProfileNormalizer interface {
	Normalize(ctx context.Context, userID string) (bool, error)
}

// PageMetrics はページ表示に関するメトリクスの記録先。
type PageMetrics interface {
	RecordRouteDecision(action string)
	RecordSessionInit(duration time.Duration)
	RecordPostsSeeded(count int)
}

// PageHandlerConfig はページハンドラーの設定。
type PageHandlerConfig struct {
	SessionInitTimeout time.Duration
}

// PageHandler は画面遷移ごとにセッションを解決し、ルート判定に従ってページモデルを返す。
type PageHandler struct {
	posts         PostServiceInterface
	profiles      *profile.Resolver
	seeder        Seeder
	normalizer    ProfileNormalizer
	googleEnabled bool
	metrics       PageMetrics
	config        PageHandlerConfig
}

// NewPageHandler はPageHandlerを生成する。seederとnormalizerはnilでもよい。
func NewPageHandler(
	posts PostServiceInterface,
	profiles *profile.Resolver,
	seeder Seeder,
	normalizer ProfileNormalizer,
	googleEnabled bool,
	metrics PageMetrics,
	config PageHandlerConfig,
) *PageHandler {
	return &PageHandler{
		posts:         posts,
		profiles:      profiles,
		seeder:        seeder,
		normalizer:    normalizer,
		googleEnabled: googleEnabled,
		metrics:       metrics,
		config:        config,
	}
}

// pageResponse はページのAPIレスポンス。Dataの形はページごとに異なる。
type pageResponse struct {
	Page   string        `json:"page"`
	Viewer *profile.Card `json:"viewer,omitempty"`
	Data   any           `json:"data,omitempty"`
}

type authPageData struct {
	GoogleEnabled bool `json:"google_enabled"`
}

type homePageData struct {
	Posts []postResponse `json:"posts"`
}

type profilePageData struct {
	Profile profile.Card   `json:"profile"`
	Posts   []postResponse `json:"posts"`
}

type adminPageData struct {
	Stats statsResponse `json:"stats"`
}

// placeholderPageData はメッセージ・通知ページの空の一覧。
type placeholderPageData struct {
	Items []struct{} `json:"items"`
}

// ServeHTTP はナビゲーションを処理する。
// GET /auth, /, /profile/{userId}, /messages, /notifications, /admin, その他
func (h *PageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := middleware.ClientFromContext(r.Context())
	if client == nil {
		middleware.WriteInternalServerError(w)
		return
	}

	store := session.NewStore(client)
	defer store.Close()

	start := time.Now()
	store.Initialize(r.Context())
	state := store.Await(r.Context(), h.config.SessionInitTimeout)
	h.metrics.RecordSessionInit(time.Since(start))

	decision := route.Decide(r.URL.Path, state)
	h.metrics.RecordRouteDecision(decision.Action.String())

	switch decision.Action {
	case route.Wait:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusOK, pageResponse{Page: "loading"})
	case route.NotFound:
		writeJSON(w, http.StatusNotFound, pageResponse{Page: "not_found"})
	case route.Redirect:
		http.Redirect(w, r, decision.Target, http.StatusTemporaryRedirect)
	case route.Render:
		h.render(w, r, decision, state)
	}
}

// render は判定されたページのモデルを組み立てて返す。
func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, d route.Decision, state session.State) {
	ctx := r.Context()
	resp := pageResponse{Page: string(d.Page)}

	if d.Page == route.PageAuth {
		resp.Data = authPageData{GoogleEnabled: h.googleEnabled}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	userID := state.UserID()
	if h.normalizer != nil {
		if _, err := h.normalizer.Normalize(ctx, userID); err != nil {
			slog.Warn("failed to normalize demo profile",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	viewer := cardFor(ctx, h.profiles, userID)
	resp.Viewer = &viewer

	switch d.Page {
	case route.PageHome:
		h.seed(ctx, state.Session)
		posts, err := h.posts.Feed(ctx)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		resp.Data = homePageData{Posts: toPostResponses(ctx, h.profiles, posts)}

	case route.PageProfile:
		posts, err := h.posts.ListByUser(ctx, d.UserID)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		resp.Data = profilePageData{
			Profile: cardFor(ctx, h.profiles, d.UserID),
			Posts:   toPostResponses(ctx, h.profiles, posts),
		}

	case route.PageAdmin:
		stats, err := h.posts.Stats(ctx)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		resp.Data = adminPageData{Stats: toStatsResponse(stats)}

	default:
		resp.Data = placeholderPageData{Items: []struct{}{}}
	}

	writeJSON(w, http.StatusOK, resp)
}

// seed はサンプル投稿を準備する。失敗してもフィード表示は続ける。
func (h *PageHandler) seed(ctx context.Context, s *model.Session) {
	if h.seeder == nil {
		return
	}
	n, err := h.seeder.SeedIfEmpty(ctx, s)
	if n > 0 {
		h.metrics.RecordPostsSeeded(n)
	}
	if err != nil {
		slog.Warn("failed to seed demo posts",
			slog.Int("inserted", n),
			slog.String("error", err.Error()),
		)
	}
}
