package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/profile"
)

// ProfileEditor は自身のプロフィール更新を行う。
type ProfileEditor interface {
	Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error)
}

// ProfileHandler はプロフィールのHTTPハンドラー。
type ProfileHandler struct {
	profiles *profile.Resolver
	editor   ProfileEditor
	posts    PostServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(profiles *profile.Resolver, editor ProfileEditor, posts PostServiceInterface) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, editor: editor, posts: posts}
}

type updateProfileRequest struct {
	Username  *string `json:"username"`
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	Bio       *string `json:"bio"`
}

// Get はプロフィールを返す。存在しない場合は404とフォールバック表示を返す。
// GET /api/profiles/{id}
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	p, err := h.profiles.Resolve(r.Context(), userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, profile.CardOf(userID, nil))
			return
		}
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile.CardOf(userID, p))
}

// Posts はユーザーの投稿を新しい順に返す。
// GET /api/profiles/{id}/posts
func (h *ProfileHandler) Posts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.posts.ListByUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": toPostResponses(r.Context(), h.profiles, posts)})
}

// UpdateMe は自身のプロフィールを部分更新する。
// PATCH /api/profiles/me
func (h *ProfileHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	updated, err := h.editor.Update(r.Context(), userID, model.ProfilePatch{
		Username:  req.Username,
		FullName:  req.FullName,
		AvatarURL: req.AvatarURL,
		Bio:       req.Bio,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile.CardOf(userID, updated))
}
