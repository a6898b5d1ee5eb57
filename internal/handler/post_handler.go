package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/profile"
)

// PostHandler は投稿・いいね・コメント・集計のHTTPハンドラー。
// すべてRequireAuthの後に配置する。
type PostHandler struct {
	posts    PostServiceInterface
	profiles *profile.Resolver
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(posts PostServiceInterface, profiles *profile.Resolver) *PostHandler {
	return &PostHandler{posts: posts, profiles: profiles}
}

type createPostRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url"`
}

type createCommentRequest struct {
	Content string `json:"content"`
}

// Feed は新しい順の投稿一覧を返す。
// GET /api/posts
func (h *PostHandler) Feed(w http.ResponseWriter, r *http.Request) {
	posts, err := h.posts.Feed(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": toPostResponses(r.Context(), h.profiles, posts)})
}

// Create は投稿を作成する。
// POST /api/posts
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req createPostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	post, err := h.posts.Create(r.Context(), userID, req.Content, req.ImageURL)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostResponse(r.Context(), h.profiles, post))
}

// ToggleLike はいいねを切り替える。
// POST /api/posts/{id}/like
func (h *PostHandler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	postID := chi.URLParam(r, "id")

	liked, err := h.posts.ToggleLike(r.Context(), userID, postID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": postID, "liked": liked})
}

// Comments は投稿のコメントを古い順に返す。
// GET /api/posts/{id}/comments
func (h *PostHandler) Comments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.posts.Comments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": toCommentResponses(comments)})
}

// AddComment は投稿にコメントする。
// POST /api/posts/{id}/comments
func (h *PostHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req createCommentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	comment, err := h.posts.AddComment(r.Context(), userID, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commentResponse{
		ID:        comment.ID,
		PostID:    comment.PostID,
		UserID:    comment.UserID,
		Content:   comment.Content,
		CreatedAt: comment.CreatedAt,
		Author:    cardFor(r.Context(), h.profiles, comment.UserID),
	})
}

// Stats はプロフィール・投稿・コメントの件数を返す。
// GET /api/admin/stats
func (h *PostHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.posts.Stats(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(stats))
}
