// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/profile"
	"github.com/hitoshi/bluecircle/internal/seed"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// ブラウザごとのサインイン・サインアウトはidentity.Clientを介して行う。
type AuthServiceInterface interface {
	OAuthEnabled() bool
	GetLoginURL(state string) (string, error)
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	FindUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieSecure bool
	DemoAccount  seed.Account
}

// AuthHandler はサインイン関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	profiles *profile.Resolver
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, profiles *profile.Resolver, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		profiles: profiles,
		config:   config,
	}
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp は新規登録してサインインする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	in := model.SignUpInput{
		Credentials: model.Credentials{Email: req.Email, Password: req.Password},
		Username:    strings.TrimSpace(req.Username),
		FullName:    strings.TrimSpace(req.FullName),
	}
	if err := in.Validate(); err != nil {
		middleware.WriteError(w, err)
		return
	}

	session, err := middleware.ClientFromContext(r.Context()).SignUp(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	session, err := middleware.ClientFromContext(r.Context()).SignIn(r.Context(), model.Credentials{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Demo はデモアカウントでサインインする。未登録の場合は作成する。
// POST /auth/demo
func (h *AuthHandler) Demo(w http.ResponseWriter, r *http.Request) {
	session, err := seed.SignInDemo(r.Context(), middleware.ClientFromContext(r.Context()), h.config.DemoAccount)
	if err != nil {
		slog.Error("demo sign-in failed", slog.String("error", err.Error()))
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Refresh はアクセストークンを明示的に更新する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	session, err := middleware.ClientFromContext(r.Context()).Refresh(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Logout はセッションを破棄する。サインインしていない場合も成功とする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := middleware.ClientFromContext(r.Context()).SignOut(r.Context()); err != nil {
		// セッション削除に失敗してもCookieはクリアされる
		slog.Error("failed to sign out", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のサインインユーザー情報を返す。RequireAuthの後に配置する。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.FindUser(r.Context(), userID)
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		middleware.WriteError(w, err)
		return
	}
	if user == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      user.ID,
		"email":   user.Email,
		"profile": cardFor(r.Context(), h.profiles, user.ID),
	})
}

// GoogleLogin はGoogleサインインを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.service.OAuthEnabled() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("サインイン方法", "google"))
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	url, err := h.service.GetLoginURL(state)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	h.setStateCookie(w, state, 600)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// GoogleCallback はGoogleからのコールバックを処理し、ホームへリダイレクトする。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("stateパラメータが不正です。"))
		return
	}
	h.setStateCookie(w, "", -1)

	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("認可コードがありません。"))
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteError(w, err)
		return
	}
	middleware.ClientFromContext(r.Context()).Establish(r.Context(), session)

	http.Redirect(w, r, strings.TrimSuffix(h.config.BaseURL, "/")+"/", http.StatusTemporaryRedirect)
}

func (h *AuthHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
