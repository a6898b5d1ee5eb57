package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/hitoshi/bluecircle/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

const postColumns = `id, user_id, content, image_url, likes_count, comments_count, created_at`

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	p := &model.Post{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.UserID, &p.Content, &p.ImageURL, &p.LikesCount, &p.CommentsCount, &p.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("failed to find post", err)
	}
	return p, nil
}

// AnyExists はストア全体で投稿が1件以上存在するかを返す。
func (r *PostgresPostRepo) AnyExists(ctx context.Context) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM posts)`).Scan(&exists); err != nil {
		return false, classify("failed to check posts", err)
	}
	return exists, nil
}

// Create は投稿を作成する。IDが空の場合はUUIDを採番する。
// 作成日時はclock_timestamp()で付与されるため、同一トランザクション内でも挿入順に増加する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO posts (id, user_id, content, image_url)
		 VALUES ($1, $2, $3, $4)
		 RETURNING likes_count, comments_count, created_at`,
		post.ID, post.UserID, post.Content, post.ImageURL,
	).Scan(&post.LikesCount, &post.CommentsCount, &post.CreatedAt)
	if err != nil {
		return classify("failed to create post", err)
	}
	return nil
}

// ListRecent は作成日時の降順で最大limit件の投稿を返す。
func (r *PostgresPostRepo) ListRecent(ctx context.Context, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, classify("failed to list recent posts", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// ListByUser は指定ユーザーの投稿を作成日時の降順で返す。
func (r *PostgresPostRepo) ListByUser(ctx context.Context, userID string) ([]*model.Post, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return []*model.Post{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, classify("failed to list user posts", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RefreshCounts は指定投稿のカウンタをlikes / commentsの行数から再計算する。
func (r *PostgresPostRepo) RefreshCounts(ctx context.Context, postID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts SET
		   likes_count    = (SELECT count(*) FROM likes WHERE post_id = $1),
		   comments_count = (SELECT count(*) FROM comments WHERE post_id = $1)
		 WHERE id = $1`,
		postID,
	)
	if err != nil {
		return classify("failed to refresh post counts", err)
	}
	return nil
}

// ReconcileCounts はカウンタがずれている全投稿を再計算し、更新件数を返す。
func (r *PostgresPostRepo) ReconcileCounts(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts p SET
		   likes_count    = c.likes,
		   comments_count = c.comments
		 FROM (
		   SELECT p2.id,
		          (SELECT count(*) FROM likes l WHERE l.post_id = p2.id)    AS likes,
		          (SELECT count(*) FROM comments m WHERE m.post_id = p2.id) AS comments
		   FROM posts p2
		 ) c
		 WHERE p.id = c.id
		   AND (p.likes_count <> c.likes OR p.comments_count <> c.comments)`,
	)
	if err != nil {
		return 0, classify("failed to reconcile post counts", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("failed to get rows affected", err)
	}
	return n, nil
}

// Count は投稿の総数を返す。
func (r *PostgresPostRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "posts")
}

func scanPosts(rows *sql.Rows) ([]*model.Post, error) {
	posts := []*model.Post{}
	for rows.Next() {
		p := &model.Post{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Content, &p.ImageURL, &p.LikesCount, &p.CommentsCount, &p.CreatedAt); err != nil {
			return nil, classify("failed to scan post", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("failed to iterate posts", err)
	}
	return posts, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
