// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// User はサインイン可能なアカウントを表す。
// PasswordHashが空のユーザーは外部IdP経由でのみサインインできる。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// IDはリフレッシュ用の不透明なセッションID、AccessTokenは短命の署名済みトークン。
type Session struct {
	ID               string
	UserID           string
	AccessToken      string
	ExpiresAt        time.Time // アクセストークンの有効期限
	RefreshExpiresAt time.Time // セッション（リフレッシュ）の有効期限
	CreatedAt        time.Time
}

// Expired は指定時刻においてアクセストークンが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AuthEventType はセッション変更通知の種別を表す。
type AuthEventType string

const (
	// AuthEventSignedIn はサインインによるセッション確立。
	AuthEventSignedIn AuthEventType = "SIGNED_IN"
	// AuthEventSignedOut はサインアウトによるセッション破棄。
	AuthEventSignedOut AuthEventType = "SIGNED_OUT"
	// AuthEventTokenRefreshed はトークンローテーションによるセッション置換。
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent はIdentity Providerが発行するセッション変更通知。
// SignedOutの場合Sessionはnil。
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// Credentials はパスワードによるサインインの入力値。
type Credentials struct {
	Email    string
	Password string
}

// SignUpInput は新規登録の入力値。
// AvatarURL / Bio は任意。
type SignUpInput struct {
	Credentials
	Username  string
	FullName  string
	AvatarURL string
	Bio       string
}

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 6

// Validate は新規登録の入力値を検証する。
func (in SignUpInput) Validate() error {
	if !strings.Contains(in.Email, "@") {
		return NewValidationError("メールアドレスの形式が正しくありません。")
	}
	if len(in.Password) < minPasswordLength {
		return NewValidationError(fmt.Sprintf("パスワードは%d文字以上で入力してください。", minPasswordLength))
	}
	if strings.TrimSpace(in.Username) == "" {
		return NewValidationError("ユーザー名を入力してください。")
	}
	return nil
}
