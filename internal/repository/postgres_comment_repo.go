package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/hitoshi/bluecircle/internal/model"
)

// PostgresCommentRepo はPostgreSQLを使用したコメントリポジトリ。
type PostgresCommentRepo struct {
	db *sql.DB
}

// NewPostgresCommentRepo はPostgresCommentRepoを生成する。
func NewPostgresCommentRepo(db *sql.DB) *PostgresCommentRepo {
	return &PostgresCommentRepo{db: db}
}

// Create はコメントを作成する。IDが空の場合はUUIDを採番する。
func (r *PostgresCommentRepo) Create(ctx context.Context, comment *model.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO comments (id, user_id, post_id, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		comment.ID, comment.UserID, comment.PostID, comment.Content,
	).Scan(&comment.CreatedAt)
	if err != nil {
		return classify("failed to create comment", err)
	}
	return nil
}

// ListByPost は投稿のコメントを作成日時の昇順で投稿者プロフィール付きで返す。
func (r *PostgresCommentRepo) ListByPost(ctx context.Context, postID string) ([]model.CommentWithAuthor, error) {
	if _, err := uuid.Parse(postID); err != nil {
		return []model.CommentWithAuthor{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.post_id, c.content, c.created_at,
		        p.id, p.username, p.full_name, p.avatar_url
		 FROM comments c
		 LEFT JOIN profiles p ON p.id = c.user_id
		 WHERE c.post_id = $1
		 ORDER BY c.created_at ASC, c.id ASC`,
		postID,
	)
	if err != nil {
		return nil, classify("failed to list comments", err)
	}
	defer rows.Close()

	comments := []model.CommentWithAuthor{}
	for rows.Next() {
		var (
			c                                  model.CommentWithAuthor
			authorID, username, name, avatar sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.PostID, &c.Content, &c.CreatedAt,
			&authorID, &username, &name, &avatar); err != nil {
			return nil, classify("failed to scan comment", err)
		}
		if authorID.Valid {
			c.Author = &model.Profile{
				ID:        authorID.String,
				Username:  username.String,
				FullName:  name.String,
				AvatarURL: avatar.String,
			}
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("failed to iterate comments", err)
	}
	return comments, nil
}

// Count はコメントの総数を返す。
func (r *PostgresCommentRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "comments")
}

// compile-time interface check
var _ CommentRepository = (*PostgresCommentRepo)(nil)
