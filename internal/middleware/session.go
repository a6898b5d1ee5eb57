// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bluecircle/internal/identity"
	"github.com/hitoshi/bluecircle/internal/model"
)

const (
	clientIDCookieName    = "client_id"
	accessTokenCookieName = "access_token"
	refreshCookieName     = "refresh_id"

	// clientIDMaxAge はブラウザ識別子Cookieの有効期間（秒）。
	clientIDMaxAge = 365 * 24 * 60 * 60
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// clientContextKey はリクエストコンテキストにブラウザのidentity.Clientを格納するためのキー。
	clientContextKey = contextKey("identity_client")
)

// ClientFactory はCookieの値からブラウザごとのidentity.Clientを生成する。
type ClientFactory func(clientID, accessToken, refreshID string) *identity.Client

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はCookieからブラウザのidentity.Clientを復元してコンテキストに注入するミドルウェアを返す。
// client_id Cookieがない場合は新しく発行する。
// ハンドラーがレスポンスを書き始める時点でClientの変化（サインイン、リフレッシュ、サインアウト）を
// Cookieに書き戻す。認証の要否は判定しない（RequireAuthを使う）。
func NewSessionMiddleware(newClient ClientFactory, config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := cookieValue(r, clientIDCookieName)
			if clientID == "" {
				clientID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     clientIDCookieName,
					Value:    clientID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   clientIDMaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			client := newClient(clientID, cookieValue(r, accessTokenCookieName), cookieValue(r, refreshCookieName))
			ctx := context.WithValue(r.Context(), clientContextKey, client)

			cw := &cookieWriter{ResponseWriter: w, client: client, config: config}
			next.ServeHTTP(cw, r.WithContext(ctx))
			// 何も書かずに返ったハンドラーでもCookieを反映する
			cw.writeCookies()
		})
	}
}

// RequireAuth は現在のセッションを同期的に解決し、未サインインなら401を返すミドルウェア。
// 認証済みユーザーIDをリクエストコンテキストに注入する。NewSessionMiddlewareの後に配置する。
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientFromContext(r.Context())
		if client == nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}

		session, err := client.GetCurrentSession(r.Context())
		if err != nil {
			slog.Error("failed to resolve session",
				slog.String("client_id", client.ID()),
				slog.String("error", err.Error()),
			)
			WriteError(w, err)
			return
		}
		if session == nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}

		noteUserID(r.Context(), session.UserID)
		ctx := ContextWithUserID(r.Context(), session.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientFromContext はリクエストコンテキストからidentity.Clientを取得する。
// セッションミドルウェアを通過していない場合はnilを返す。
func ClientFromContext(ctx context.Context) *identity.Client {
	client, _ := ctx.Value(clientContextKey).(*identity.Client)
	return client
}

// ContextWithClient はコンテキストにidentity.Clientを注入する。
func ContextWithClient(ctx context.Context, client *identity.Client) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// RequireAuthを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// WriteSessionCookies はセッションのトークンをCookieに書き込む。sessionがnilの場合は削除する。
// いずれのCookieもリフレッシュセッションの期限まで保持する。
func WriteSessionCookies(w http.ResponseWriter, session *model.Session, config SessionConfig) {
	if session == nil {
		setTokenCookie(w, accessTokenCookieName, "", -1, config)
		setTokenCookie(w, refreshCookieName, "", -1, config)
		return
	}

	maxAge := int(time.Until(session.RefreshExpiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	setTokenCookie(w, accessTokenCookieName, session.AccessToken, maxAge, config)
	setTokenCookie(w, refreshCookieName, session.ID, maxAge, config)
}

func setTokenCookie(w http.ResponseWriter, name, value string, maxAge int, config SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// cookieWriter はレスポンスヘッダー送信直前にClientの変化をCookieへ反映するResponseWriter。
type cookieWriter struct {
	http.ResponseWriter
	client  *identity.Client
	config  SessionConfig
	flushed bool
}

func (cw *cookieWriter) writeCookies() {
	if cw.flushed {
		return
	}
	cw.flushed = true
	if session, changed := cw.client.Pending(); changed {
		WriteSessionCookies(cw.ResponseWriter, session, cw.config)
	}
}

// WriteHeader はCookieを反映してから委譲する。
func (cw *cookieWriter) WriteHeader(code int) {
	cw.writeCookies()
	cw.ResponseWriter.WriteHeader(code)
}

// Write はCookieを反映してから委譲する。
func (cw *cookieWriter) Write(b []byte) (int, error) {
	cw.writeCookies()
	return cw.ResponseWriter.Write(b)
}

// Flush はイベントストリーム用に委譲する。
func (cw *cookieWriter) Flush() {
	cw.writeCookies()
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap はhttp.ResponseControllerのために元のResponseWriterを返す。
func (cw *cookieWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
