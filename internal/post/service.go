// Package post は投稿、いいね、コメント、管理用集計のビジネスロジックを提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/bluecircle/internal/model"
	"github.com/hitoshi/bluecircle/internal/repository"
	"github.com/hitoshi/bluecircle/internal/security"
)

// DefaultFeedLimit はフィードの既定の表示件数。
const DefaultFeedLimit = 5

// MediaValidator は利用者が指定する画像URLを検証する。
type MediaValidator interface {
	ValidateMediaURL(rawURL string) error
}

// Service は投稿に関するビジネスロジックを提供する。
type Service struct {
	posts     repository.PostRepository
	comments  repository.CommentRepository
	likes     repository.LikeRepository
	profiles  repository.ProfileRepository
	sanitizer security.TextSanitizer
	media     MediaValidator
	feedLimit int
}

// NewService はServiceを生成する。feedLimitが0以下の場合はDefaultFeedLimitを使う。
func NewService(
	posts repository.PostRepository,
	comments repository.CommentRepository,
	likes repository.LikeRepository,
	profiles repository.ProfileRepository,
	sanitizer security.TextSanitizer,
	media MediaValidator,
	feedLimit int,
) *Service {
	if feedLimit <= 0 {
		feedLimit = DefaultFeedLimit
	}
	return &Service{
		posts:     posts,
		comments:  comments,
		likes:     likes,
		profiles:  profiles,
		sanitizer: sanitizer,
		media:     media,
		feedLimit: feedLimit,
	}
}

// Feed は新しい順に最大feedLimit件の投稿を返す。
func (s *Service) Feed(ctx context.Context) ([]*model.Post, error) {
	posts, err := s.posts.ListRecent(ctx, s.feedLimit)
	if err != nil {
		return nil, readError("フィード", err)
	}
	return posts, nil
}

// ListByUser は指定ユーザーの投稿を新しい順に返す。
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*model.Post, error) {
	posts, err := s.posts.ListByUser(ctx, userID)
	if err != nil {
		return nil, readError("投稿", err)
	}
	return posts, nil
}

// Create はactorIDを投稿者として投稿を作成する。
// 本文はHTMLを除去した上で空でないこと、画像URLは指定する場合httpsの公開URLであること。
func (s *Service) Create(ctx context.Context, actorID, content, imageURL string) (*model.Post, error) {
	post, err := model.NewPost(actorID, s.sanitizer.Sanitize(content), imageURL)
	if err != nil {
		return nil, err
	}
	if post.ImageURL != "" {
		if err := s.media.ValidateMediaURL(post.ImageURL); err != nil {
			return nil, model.NewValidationError("画像URLが不正です。")
		}
	}

	if err := s.posts.Create(ctx, post); err != nil {
		return nil, writeError("投稿", err)
	}

	slog.Info("post created",
		slog.String("user_id", actorID),
		slog.String("post_id", post.ID),
	)
	return post, nil
}

// ToggleLike はいいねを切り替え、切り替え後にいいね済みかどうかを返す。
// 未いいねなら作成し、いいね済みなら削除する。
// 同時に作成された場合の一意制約違反はいいね済みとして扱う。
func (s *Service) ToggleLike(ctx context.Context, actorID, postID string) (bool, error) {
	like, err := model.NewLike(actorID, postID)
	if err != nil {
		return false, err
	}
	if err := s.requirePost(ctx, postID); err != nil {
		return false, err
	}

	exists, err := s.likes.Exists(ctx, actorID, postID)
	if err != nil {
		return false, readError("いいね", err)
	}

	liked := !exists
	if exists {
		if err := s.likes.Delete(ctx, actorID, postID); err != nil {
			return false, writeError("いいねの取り消し", err)
		}
	} else if err := s.likes.Create(ctx, like); err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return false, writeError("いいね", err)
	}

	s.refreshCounts(ctx, postID)
	return liked, nil
}

// Comments は投稿のコメントを古い順に投稿者付きで返す。
func (s *Service) Comments(ctx context.Context, postID string) ([]model.CommentWithAuthor, error) {
	comments, err := s.comments.ListByPost(ctx, postID)
	if err != nil {
		return nil, readError("コメント", err)
	}
	return comments, nil
}

// AddComment はactorIDを投稿者として投稿にコメントする。
func (s *Service) AddComment(ctx context.Context, actorID, postID, content string) (*model.Comment, error) {
	comment, err := model.NewComment(actorID, postID, s.sanitizer.Sanitize(content))
	if err != nil {
		return nil, err
	}
	if err := s.requirePost(ctx, postID); err != nil {
		return nil, err
	}

	if err := s.comments.Create(ctx, comment); err != nil {
		return nil, writeError("コメント", err)
	}

	s.refreshCounts(ctx, postID)
	return comment, nil
}

// Stats はプロフィール、投稿、コメントの件数を並行して集計する。
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.Users, err = s.profiles.Count(gctx)
		return err
	})
	g.Go(func() (err error) {
		stats.Posts, err = s.posts.Count(gctx)
		return err
	})
	g.Go(func() (err error) {
		stats.Comments, err = s.comments.Count(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Stats{}, readError("集計", err)
	}
	return stats, nil
}

// requirePost は投稿が存在することを確認する。
func (s *Service) requirePost(ctx context.Context, postID string) error {
	post, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return readError("投稿", err)
	}
	if post == nil {
		return model.NewNotFoundError("投稿", postID)
	}
	return nil
}

// refreshCounts は非正規化カウンタを更新する。失敗してもエラーにしない（ワーカーが後で補正する）。
func (s *Service) refreshCounts(ctx context.Context, postID string) {
	if err := s.posts.RefreshCounts(ctx, postID); err != nil {
		slog.Warn("failed to refresh post counts",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
	}
}

// readError は読み取り失敗をAPIErrorに変換する。
func readError(kind string, err error) error {
	slog.Error("read failed", slog.String("kind", kind), slog.String("error", err.Error()))
	if errors.Is(err, model.ErrNetworkUnavailable) {
		return model.NewNetworkUnavailableError()
	}
	return fmt.Errorf("failed to read %s: %w", kind, err)
}

// writeError は書き込み失敗をAPIErrorに変換する。
func writeError(operation string, err error) error {
	slog.Error("write failed", slog.String("operation", operation), slog.String("error", err.Error()))
	if errors.Is(err, model.ErrNetworkUnavailable) {
		return model.NewNetworkUnavailableError()
	}
	return model.NewWriteRejectedError(operation)
}
