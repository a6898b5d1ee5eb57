package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/hitoshi/bluecircle/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, avatar_url, bio, created_at, updated_at
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.Bio, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("failed to find profile", err)
	}
	return p, nil
}

// Update はactorID自身のプロフィールを部分更新する。
// WHERE句で所有者を限定するため、他人のプロフィールは更新されない。
func (r *PostgresProfileRepo) Update(ctx context.Context, actorID string, patch model.ProfilePatch) (*model.Profile, error) {
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE profiles SET
		   username   = COALESCE($2, username),
		   full_name  = COALESCE($3, full_name),
		   avatar_url = COALESCE($4, avatar_url),
		   bio        = COALESCE($5, bio),
		   updated_at = now()
		 WHERE id = $1
		 RETURNING id, username, full_name, avatar_url, bio, created_at, updated_at`,
		actorID, nullString(patch.Username), nullString(patch.FullName),
		nullString(patch.AvatarURL), nullString(patch.Bio),
	).Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.Bio, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("failed to update profile", err)
	}
	return p, nil
}

// Count はプロフィールの総数を返す。
func (r *PostgresProfileRepo) Count(ctx context.Context) (int, error) {
	return count(ctx, r.db, "profiles")
}

// nullString はnilをSQL NULLに変換する。
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// count は指定テーブルの行数を返す。tableは固定値のみを渡すこと。
func count(ctx context.Context, db *sql.DB, table string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
		return 0, classify("failed to count "+table, err)
	}
	return n, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
