// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// エラー分類。APIErrorのErrに設定され、errors.Isで判定できる。
var (
	// ErrAuthFailure は資格情報の不一致やトークン期限切れ。再試行可能なプロンプトとして扱う。
	ErrAuthFailure = errors.New("auth failure")
	// ErrNotFound はプロフィールや投稿が存在しない。フォールバック表示で扱い、致命的ではない。
	ErrNotFound = errors.New("not found")
	// ErrWriteRejected は書き込みの拒否または失敗。ローカル状態は確定させない。
	ErrWriteRejected = errors.New("write rejected")
	// ErrNetworkUnavailable はストアに到達できない。利用者向けにはErrWriteRejectedと同等。
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, content, system
	Action   string // ユーザー向け対処方法
	Err      error  // 分類用の原因エラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は分類用の原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailure        = "AUTH_FAILURE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeWriteRejected      = "WRITE_REJECTED"
	ErrCodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)

// NewAuthFailureError は認証失敗エラーを生成する。
func NewAuthFailureError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailure,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度サインインしてください。",
		Err:      ErrAuthFailure,
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "サインインしてください。",
		Err:      ErrAuthFailure,
	}
}

// NewEmailTakenError は登録済みメールアドレスでの新規登録エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "サインインするか、別のメールアドレスを使用してください。",
		Err:      ErrWriteRejected,
	}
}

// NewNotFoundError は対象が見つからない場合のエラーを生成する。
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定された%sが見つかりません: %s", kind, id),
		Category: "content",
		Action:   "URLを確認してください。",
		Err:      ErrNotFound,
	}
}

// NewWriteRejectedError は書き込み拒否エラーを生成する。
func NewWriteRejectedError(operation string) *APIError {
	return &APIError{
		Code:     ErrCodeWriteRejected,
		Message:  fmt.Sprintf("%sに失敗しました。", operation),
		Category: "content",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      ErrWriteRejected,
	}
}

// NewNetworkUnavailableError はストア到達不能エラーを生成する。
func NewNetworkUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeNetworkUnavailable,
		Message:  "サーバーに接続できません。",
		Category: "system",
		Action:   "通信環境を確認し、しばらく待ってから再度お試しください。",
		Err:      ErrNetworkUnavailable,
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
