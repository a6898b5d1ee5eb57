package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/bluecircle/internal/model"
)

// PostgresLikeRepo はPostgreSQLを使用したいいねリポジトリ。
type PostgresLikeRepo struct {
	db *sql.DB
}

// NewPostgresLikeRepo はPostgresLikeRepoを生成する。
func NewPostgresLikeRepo(db *sql.DB) *PostgresLikeRepo {
	return &PostgresLikeRepo{db: db}
}

// Exists は(userID, postID)のいいねが存在するかを返す。
func (r *PostgresLikeRepo) Exists(ctx context.Context, userID, postID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM likes WHERE user_id = $1 AND post_id = $2)`,
		userID, postID,
	).Scan(&exists)
	if err != nil {
		return false, classify("failed to check like", err)
	}
	return exists, nil
}

// Create はいいねを作成する。主キー違反はErrDuplicateとして返る。
func (r *PostgresLikeRepo) Create(ctx context.Context, like *model.Like) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO likes (user_id, post_id) VALUES ($1, $2) RETURNING created_at`,
		like.UserID, like.PostID,
	).Scan(&like.CreatedAt)
	if err != nil {
		return classify("failed to create like", err)
	}
	return nil
}

// Delete はactorID自身のいいねを削除する。
func (r *PostgresLikeRepo) Delete(ctx context.Context, actorID, postID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM likes WHERE user_id = $1 AND post_id = $2`,
		actorID, postID,
	)
	if err != nil {
		return classify("failed to delete like", err)
	}
	return nil
}

// compile-time interface check
var _ LikeRepository = (*PostgresLikeRepo)(nil)
