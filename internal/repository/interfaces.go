// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithProfile はユーザーとプロフィールを同一トランザクションで作成する。
	// identityがnilでない場合は外部IdPの紐付けも同時に作成する。
	// メールアドレスが登録済みの場合はErrDuplicateを返す。
	CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	// Create は既存ユーザーに外部IdPを紐付ける。紐付け済みの場合はErrDuplicateを返す。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はリフレッシュセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Rotate は旧セッションを削除し新セッションを作成する。
	// 旧セッションが存在しない（既にローテーション済みまたは期限切れ）場合はfalseを返す。
	Rotate(ctx context.Context, oldID string, next *model.Session) (bool, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)
	// Update はactorID自身のプロフィールを部分更新し、更新後の値を返す。
	// 対象が存在しない場合はnilを返す。
	Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error)
	// Count はプロフィールの総数を返す。
	Count(ctx context.Context) (int, error)
}

// PostRepository は投稿の永続化インターフェース。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)
	// AnyExists はストア全体で投稿が1件以上存在するかを返す。
	AnyExists(ctx context.Context) (bool, error)
	// Create は投稿を作成する。IDと作成日時はストアが採番しpostに設定する。
	Create(ctx context.Context, post *model.Post) error
	// ListRecent は作成日時の降順で最大limit件を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.Post, error)
	// ListByUser は指定ユーザーの投稿を作成日時の降順で返す。
	ListByUser(ctx context.Context, userID string) ([]*model.Post, error)
	// RefreshCounts は指定投稿の非正規化カウンタをlikes / commentsから再計算する。
	RefreshCounts(ctx context.Context, postID string) error
	// ReconcileCounts は全投稿のうちカウンタがずれているものを再計算し、更新件数を返す。
	ReconcileCounts(ctx context.Context) (int64, error)
	// Count は投稿の総数を返す。
	Count(ctx context.Context) (int, error)
}

// CommentRepository はコメントの永続化インターフェース。
type CommentRepository interface {
	// Create はコメントを作成する。IDと作成日時はストアが採番しcommentに設定する。
	Create(ctx context.Context, comment *model.Comment) error
	// ListByPost は投稿のコメントを作成日時の昇順で投稿者プロフィール付きで返す。
	ListByPost(ctx context.Context, postID string) ([]model.CommentWithAuthor, error)
	// Count はコメントの総数を返す。
	Count(ctx context.Context) (int, error)
}

// LikeRepository はいいねの永続化インターフェース。
type LikeRepository interface {
	// Exists は(userID, postID)のいいねが存在するかを返す。
	Exists(ctx context.Context, userID, postID string) (bool, error)
	// Create はいいねを作成する。既に存在する場合はErrDuplicateを返す。
	Create(ctx context.Context, like *model.Like) error
	// Delete はactorID自身の(actorID, postID)のいいねを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, actorID, postID string) error
}
