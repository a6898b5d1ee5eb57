// Package identity はサインイン、サインアウト、トークンローテーション、
// セッション変更通知を提供するIdentity Providerを実装する。
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/repository"
)

// ErrOAuthDisabled は外部IdPが設定されていない場合に返される。
var ErrOAuthDisabled = errors.New("oauth provider is not configured")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool // プロバイダーがEmailの所有を確認済みか
	Name           string
	AvatarURL      string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // リフレッシュセッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
// 状態を持たず、ブラウザごとの状態はClientが保持する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	tokens      *TokenIssuer
	config      ServiceConfig

	// 同一リフレッシュIDの同時ローテーションを1回にまとめる
	refreshGroup singleflight.Group
	nowFunc      func() time.Time
}

// NewService はServiceを生成する。oauthはnilでもよい（外部IdPサインイン無効）。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	tokens *TokenIssuer,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		config:      config,
		nowFunc:     time.Now,
	}
}

// OAuthEnabled は外部IdPサインインが利用可能かどうかを返す。
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// SignUp はユーザーとプロフィールを作成し、セッションを発行する。
func (s *Service) SignUp(ctx context.Context, in model.SignUpInput) (*model.Session, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	if err := in.Validate(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.nowFunc()
	userID := uuid.New().String()
	user := &model.User{
		ID:           userID,
		Email:        in.Email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := &model.Profile{
		ID:        userID,
		Username:  in.Username,
		FullName:  in.FullName,
		AvatarURL: in.AvatarURL,
		Bio:       in.Bio,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.userRepo.CreateWithProfile(ctx, user, profile, nil); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user signed up",
		slog.String("user_id", userID),
		slog.String("username", in.Username),
	)

	return s.createSession(ctx, userID)
}

// SignIn はメールアドレスとパスワードで認証し、セッションを発行する。
// 資格情報が一致しない場合はAuthFailureを返す。
func (s *Service) SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	user, err := s.userRepo.FindByEmail(ctx, strings.TrimSpace(creds.Email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || user.PasswordHash == "" {
		return nil, model.NewAuthFailureError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, model.NewAuthFailureError()
	}

	slog.Info("user signed in", slog.String("user_id", user.ID))
	return s.createSession(ctx, user.ID)
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) (string, error) {
	if s.oauth == nil {
		return "", ErrOAuthDisabled
	}
	return s.oauth.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録の場合はユーザー、プロフィール、identityを同時に作成する。
// 同じメールアドレスのユーザーが既に存在する場合はidentityを紐付ける。
// 未連携のアカウントでメールアドレスが未確認の場合は紐付けも新規作成もせずAuthFailureを返す。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if s.oauth == nil {
		return nil, ErrOAuthDisabled
	}

	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		slog.Info("existing user logged in",
			slog.String("user_id", identity.UserID),
			slog.String("provider", userInfo.Provider),
		)
		return s.createSession(ctx, identity.UserID)
	}

	if userInfo.Email == "" || !userInfo.EmailVerified {
		slog.Warn("oauth sign-in rejected: email not verified",
			slog.String("provider", userInfo.Provider),
			slog.String("provider_user_id", userInfo.ProviderUserID),
		)
		return nil, model.NewAuthFailureError()
	}

	now := s.nowFunc()
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		CreatedAt:      now,
	}

	// 3. 確認済みメールアドレスが一致する既存ユーザーがあれば紐付ける
	existing, err := s.userRepo.FindByEmail(ctx, userInfo.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing != nil {
		newIdentity.UserID = existing.ID
		if err := s.identRepo.Create(ctx, newIdentity); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		slog.Info("identity linked",
			slog.String("user_id", existing.ID),
			slog.String("provider", userInfo.Provider),
		)
		return s.createSession(ctx, existing.ID)
	}

	// 4. 新規ユーザー
	userID := uuid.New().String()
	newIdentity.UserID = userID
	user := &model.User{ID: userID, Email: userInfo.Email, CreatedAt: now, UpdatedAt: now}
	profile := &model.Profile{
		ID:        userID,
		Username:  usernameFromEmail(userInfo.Email),
		FullName:  userInfo.Name,
		AvatarURL: userInfo.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.userRepo.CreateWithProfile(ctx, user, profile, newIdentity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", userID),
		slog.String("provider", userInfo.Provider),
	)
	return s.createSession(ctx, userID)
}

// Verify はアクセストークンを検証し、対応するセッションを返す。ストアには問い合わせない。
func (s *Service) Verify(accessToken string) (*model.Session, error) {
	claims, err := s.tokens.Parse(accessToken)
	if err != nil {
		return nil, err
	}
	return &model.Session{
		ID:          claims.SessionID,
		UserID:      claims.UserID,
		AccessToken: accessToken,
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}

// Refresh はリフレッシュセッションをローテーションし、新しいアクセストークンを発行する。
// セッションが存在しないか期限切れの場合はUnauthorizedを返す。
// 同一IDに対する同時呼び出しは1回のローテーション結果を共有する。
func (s *Service) Refresh(ctx context.Context, refreshID string) (*model.Session, error) {
	if refreshID == "" {
		return nil, model.NewUnauthorizedError()
	}

	v, err, _ := s.refreshGroup.Do(refreshID, func() (any, error) {
		current, err := s.sessionRepo.FindByID(ctx, refreshID)
		if err != nil {
			return nil, fmt.Errorf("failed to find session: %w", err)
		}
		if current == nil {
			return nil, model.NewUnauthorizedError()
		}

		next, err := s.newSession(current.UserID)
		if err != nil {
			return nil, err
		}
		rotated, err := s.sessionRepo.Rotate(ctx, refreshID, next)
		if err != nil {
			return nil, fmt.Errorf("failed to rotate session: %w", err)
		}
		if !rotated {
			return nil, model.NewUnauthorizedError()
		}

		slog.Debug("session rotated", slog.String("user_id", current.UserID))
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Session), nil
}

// SignOut はセッションを破棄する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user signed out")
	return nil
}

// FindUser は指定IDのユーザーを取得する。
func (s *Service) FindUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	session, err := s.newSession(userID)
	if err != nil {
		return nil, err
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// newSession は未保存のセッションを生成し、アクセストークンを発行する。
func (s *Service) newSession(userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	token, expiresAt, err := s.tokens.Issue(userID, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	return &model.Session{
		ID:               sessionID,
		UserID:           userID,
		AccessToken:      token,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:        now,
	}, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// usernameFromEmail はメールアドレスのローカル部をユーザー名の初期値にする。
func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
