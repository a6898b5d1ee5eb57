package profile

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/bluecircle/internal/model"
)

// Updater はプロフィールの書き込み先。
type Updater interface {
	Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error)
}

// TextSanitizer は利用者入力からHTMLを除去する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// MediaValidator はアバター画像URLを検証する。
type MediaValidator interface {
	ValidateMediaURL(rawURL string) error
}

// Editor は自身のプロフィール更新を扱い、更新後にResolverのキャッシュを無効化する。
type Editor struct {
	updater   Updater
	sanitizer TextSanitizer
	media     MediaValidator
	resolver  *Resolver
}

// NewEditor はEditorを生成する。
func NewEditor(updater Updater, sanitizer TextSanitizer, media MediaValidator, resolver *Resolver) *Editor {
	return &Editor{updater: updater, sanitizer: sanitizer, media: media, resolver: resolver}
}

// Update はactorID自身のプロフィールを部分更新する。
// ユーザー名は空にできない。アバターURLは空文字で削除でき、それ以外はhttpsの公開URLであること。
func (e *Editor) Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error) {
	if actorID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if patch.Empty() {
		return nil, model.NewValidationError("更新する項目がありません。")
	}

	clean := model.ProfilePatch{
		Username: e.cleanText(patch.Username),
		FullName: e.cleanText(patch.FullName),
		Bio:      e.cleanText(patch.Bio),
	}
	if clean.Username != nil && *clean.Username == "" {
		return nil, model.NewValidationError("ユーザー名を入力してください。")
	}
	if patch.AvatarURL != nil {
		avatar := strings.TrimSpace(*patch.AvatarURL)
		if avatar != "" {
			if err := e.media.ValidateMediaURL(avatar); err != nil {
				return nil, model.NewValidationError("アバター画像URLが不正です。")
			}
		}
		clean.AvatarURL = &avatar
	}

	updated, err := e.updater.Update(ctx, actorID, clean)
	if err != nil {
		slog.Error("failed to update profile",
			slog.String("user_id", actorID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, model.ErrNetworkUnavailable) {
			return nil, model.NewNetworkUnavailableError()
		}
		return nil, model.NewWriteRejectedError("プロフィールの更新")
	}
	if updated == nil {
		return nil, model.NewNotFoundError("プロフィール", actorID)
	}

	e.resolver.Invalidate(actorID)
	return updated, nil
}

func (e *Editor) cleanText(v *string) *string {
	if v == nil {
		return nil
	}
	s := e.sanitizer.Sanitize(*v)
	return &s
}
