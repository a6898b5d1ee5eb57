// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は投稿・コメント・自己紹介などの利用者入力からHTMLを除去し、
// プレーンテキストとして保存できる形にする。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は利用者入力テキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize はすべてのHTMLタグを除去したプレーンテキストを返す。
	// script / style要素は内容ごと除去する。前後の空白は取り除く。
	Sanitize(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLを除去し、StrictPolicyがエスケープした文字実体を元に戻す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
