package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/profile"
)

// maxRequestBody はJSONリクエストボディの上限（バイト）。
const maxRequestBody = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。不正な場合は入力値エラーを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewValidationError("リクエストボディが不正です。")
	}
	return nil
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Content       string       `json:"content"`
	ImageURL      string       `json:"image_url,omitempty"`
	LikesCount    int          `json:"likes_count"`
	CommentsCount int          `json:"comments_count"`
	CreatedAt     time.Time    `json:"created_at"`
	Author        profile.Card `json:"author"`
}

// commentResponse はコメントのAPIレスポンス。
type commentResponse struct {
	ID        string       `json:"id"`
	PostID    string       `json:"post_id"`
	UserID    string       `json:"user_id"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	Author    profile.Card `json:"author"`
}

// statsResponse は管理画面向け集計のAPIレスポンス。
type statsResponse struct {
	Users    int `json:"users"`
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
}

// sessionResponse はサインイン結果のAPIレスポンス。トークンはCookieでのみ渡す。
type sessionResponse struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// cardFor はプロフィールを解決して表示用の要約を返す。見つからない場合はフォールバック表示。
func cardFor(ctx context.Context, resolver *profile.Resolver, userID string) profile.Card {
	p, err := resolver.Resolve(ctx, userID)
	if err != nil {
		return profile.CardOf(userID, nil)
	}
	return profile.CardOf(userID, p)
}

// toPostResponses は投稿者の表示を付けて投稿一覧を変換する。
func toPostResponses(ctx context.Context, resolver *profile.Resolver, posts []*model.Post) []postResponse {
	out := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		out = append(out, toPostResponse(ctx, resolver, p))
	}
	return out
}

func toPostResponse(ctx context.Context, resolver *profile.Resolver, p *model.Post) postResponse {
	return postResponse{
		ID:            p.ID,
		UserID:        p.UserID,
		Content:       p.Content,
		ImageURL:      p.ImageURL,
		LikesCount:    p.LikesCount,
		CommentsCount: p.CommentsCount,
		CreatedAt:     p.CreatedAt,
		Author:        cardFor(ctx, resolver, p.UserID),
	}
}

func toCommentResponses(comments []model.CommentWithAuthor) []commentResponse {
	out := make([]commentResponse, 0, len(comments))
	for _, c := range comments {
		out = append(out, commentResponse{
			ID:        c.ID,
			PostID:    c.PostID,
			UserID:    c.UserID,
			Content:   c.Content,
			CreatedAt: c.CreatedAt,
			Author:    profile.CardOf(c.UserID, c.Author),
		})
	}
	return out
}

func toStatsResponse(s model.Stats) statsResponse {
	return statsResponse{Users: s.Users, Posts: s.Posts, Comments: s.Comments}
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{UserID: s.UserID, ExpiresAt: s.ExpiresAt}
}
