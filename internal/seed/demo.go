package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hitoshi/bluecircle/internal/model"
)

// デモアカウントのプロフィール
const (
	DemoUsername  = "ernest"
	DemoFullName  = "Ernest"
	DemoBio       = "Welcome to BlueCircle! This is a demo account."
	DemoAvatarURL = "https://randomuser.me/api/portraits/men/1.jpg"
)

// 正規化対象とする旧デモプロフィールの名前
const (
	legacyDemoFullName = "Demo User"
	legacyDemoUsername = "demo_user"
)

// 確認済みのユーザーを覚えておく件数と期間
const (
	settledMaxEntries = 10000
	settledTTL        = 10 * time.Minute
)

// Account はデモアカウントの資格情報。
type Account struct {
	Email    string
	Password string
}

// Authenticator はデモアカウントの作成・サインインに使う操作。
type Authenticator interface {
	SignUp(ctx context.Context, in model.SignUpInput) (*model.Session, error)
	SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error)
}

// SignInDemo はデモアカウントを作成してサインインする。
// 既に登録済みの場合は同じ資格情報でサインインする。
func SignInDemo(ctx context.Context, auth Authenticator, account Account) (*model.Session, error) {
	session, err := auth.SignUp(ctx, model.SignUpInput{
		Credentials: model.Credentials{Email: account.Email, Password: account.Password},
		Username:    DemoUsername,
		FullName:    DemoFullName,
		AvatarURL:   DemoAvatarURL,
		Bio:         DemoBio,
	})
	if err == nil {
		slog.Info("demo account created", slog.String("user_id", session.UserID))
		return session, nil
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeEmailTaken {
		return nil, err
	}

	return auth.SignIn(ctx, model.Credentials{Email: account.Email, Password: account.Password})
}

// ProfileStore はデモプロフィール正規化で使うプロフィール操作。
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
	Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error)
}

// UserFinder はユーザーのメールアドレスを引くための操作。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Normalizer は旧デモプロフィールやデモアカウントのプロフィールをernestに揃える。
type Normalizer struct {
	profiles   ProfileStore
	users      UserFinder
	demoEmail  string
	invalidate func(userID string)
	// 正規化不要と判定済みのユーザー。期限内はDBを参照しない
	settled    *expirable.LRU[string, struct{}]
}

// NewNormalizer はNormalizerを生成する。invalidateはプロフィール更新後に呼ばれる（nil可）。
func NewNormalizer(profiles ProfileStore, users UserFinder, demoEmail string, invalidate func(userID string)) *Normalizer {
	return &Normalizer{
		profiles:   profiles,
		users:      users,
		demoEmail:  demoEmail,
		invalidate: invalidate,
		settled:    expirable.NewLRU[string, struct{}](settledMaxEntries, nil, settledTTL),
	}
}

// Normalize はuserIDのプロフィールが正規化対象なら更新し、更新したかどうかを返す。
// 既存のbioは保持し、空の場合のみデモ用のbioを設定する。
// 一度正規化不要と判定したユーザーは一定期間プロフィールもユーザーも参照しない。
func (n *Normalizer) Normalize(ctx context.Context, userID string) (bool, error) {
	if _, ok := n.settled.Get(userID); ok {
		return false, nil
	}

	profile, err := n.profiles.FindByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to find profile: %w", err)
	}
	if profile == nil {
		return false, nil
	}

	target := profile.FullName == legacyDemoFullName || profile.Username == legacyDemoUsername
	if !target && n.demoEmail != "" {
		user, err := n.users.FindByID(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("failed to find user: %w", err)
		}
		target = user != nil && strings.EqualFold(user.Email, n.demoEmail)
	}
	if !target {
		n.settled.Add(userID, struct{}{})
		return false, nil
	}

	bio := profile.Bio
	if bio == "" {
		bio = DemoBio
	}
	if profile.Username == DemoUsername && profile.FullName == DemoFullName && profile.Bio == bio {
		n.settled.Add(userID, struct{}{})
		return false, nil
	}

	username, fullName := DemoUsername, DemoFullName
	if _, err := n.profiles.Update(ctx, userID, model.ProfilePatch{
		Username: &username,
		FullName: &fullName,
		Bio:      &bio,
	}); err != nil {
		return false, fmt.Errorf("failed to normalize demo profile: %w", err)
	}
	n.settled.Add(userID, struct{}{})
	if n.invalidate != nil {
		n.invalidate(userID)
	}

	slog.Info("demo profile normalized", slog.String("user_id", userID))
	return true, nil
}
