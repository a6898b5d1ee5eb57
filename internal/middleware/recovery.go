package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラーのpanicを捕捉し、500の統一エラーレスポンスに変換する。
// ステータス行を送信済みの場合（イベントストリームの途中など）は応答を書き換えず、ログのみ残す。
// http.ErrAbortHandlerはnet/httpに処理させるため再送出する。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				slog.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("client_ip", clientIP(r)),
					slog.Bool("response_started", sr.written),
					slog.String("stack", string(debug.Stack())),
				)
				if !sr.written {
					WriteInternalServerError(sr)
				}
			}()
			next.ServeHTTP(sr, r)
		})
	}
}
