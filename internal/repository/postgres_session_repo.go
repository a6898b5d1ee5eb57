package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// sessions.expires_at はリフレッシュセッションの有効期限（Session.RefreshExpiresAt）を保持する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.RefreshExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return classify("failed to create session", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &session.UserID, &session.RefreshExpiresAt, &session.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("failed to find session", err)
	}

	return session, nil
}

// Rotate は旧セッションを削除して新セッションを作成する。
// 旧セッションの削除件数が0の場合は何も作成せずfalseを返す。
func (r *PostgresSessionRepo) Rotate(ctx context.Context, oldID string, next *model.Session) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1 AND expires_at > now()`,
		oldID,
	)
	if err != nil {
		return false, classify("failed to delete rotated session", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, classify("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		next.ID, next.UserID, next.RefreshExpiresAt, next.CreatedAt,
	)
	if err != nil {
		return false, classify("failed to insert rotated session", err)
	}

	if err := tx.Commit(); err != nil {
		return false, classify("failed to commit transaction", err)
	}
	return true, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return classify("failed to delete session", err)
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, classify("failed to delete expired sessions", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("failed to get rows affected", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
