// Package seed はデモ用のサンプル投稿とデモアカウントを準備する。
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/bluecircle/internal/model"
)

// DemoPosts は投稿が1件もない場合に挿入するサンプル投稿。この順に挿入する。
var DemoPosts = []string{
	"Just launched my new project! Excited to share it with everyone. 🚀",
	"Beautiful sunset today! Nature never fails to amaze me. 🌅",
	"Working on something exciting. Can't wait to show you all! 💻",
	"Coffee and coding - the perfect combination! ☕",
	"Just joined BlueCircle! This platform looks amazing. Welcome everyone! 👋",
}

// PostStore はサンプル投稿の挿入先。
type PostStore interface {
	AnyExists(ctx context.Context) (bool, error)
	Create(ctx context.Context, post *model.Post) error
}

// Seeder はストア全体に投稿がない場合にサンプル投稿を挿入する。
// 同一プロセス内の呼び出しは直列化される。
type Seeder struct {
	posts PostStore
	mu    sync.Mutex
}

// NewSeeder はSeederを生成する。
func NewSeeder(posts PostStore) *Seeder {
	return &Seeder{posts: posts}
}

// SeedIfEmpty は投稿が1件もなければサインイン中のユーザーを投稿者として
// サンプル投稿を挿入し、挿入件数を返す。既に投稿がある場合は何も書き込まない。
// 途中で失敗した場合はそれまでの挿入件数とエラーを返す。
func (s *Seeder) SeedIfEmpty(ctx context.Context, session *model.Session) (int, error) {
	if session == nil || session.UserID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.posts.AnyExists(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to check existing posts: %w", err)
	}
	if exists {
		return 0, nil
	}

	inserted := 0
	for _, content := range DemoPosts {
		post, err := model.NewPost(session.UserID, content, "")
		if err != nil {
			return inserted, err
		}
		if err := s.posts.Create(ctx, post); err != nil {
			return inserted, fmt.Errorf("failed to insert demo post: %w", err)
		}
		inserted++
	}

	slog.Info("demo posts seeded",
		slog.String("user_id", session.UserID),
		slog.Int("count", inserted),
	)
	return inserted, nil
}
