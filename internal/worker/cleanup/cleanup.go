// Package cleanup は期限切れセッションの削除と、投稿の非正規化カウンタの
// 整合性回復を行う定期ジョブを提供する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れのリフレッシュセッションを削除する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CountReconciler は投稿のlikes_count / comments_countを実データから再計算する。
type CountReconciler interface {
	ReconcileCounts(ctx context.Context) (int64, error)
}

// Recorder はジョブの処理件数を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionsPurged(count int64)
	RecordCountsReconciled(count int64)
}

// CleanupJob はセッション削除とカウンタ整合の定期ジョブ。
// 各処理は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	posts    CountReconciler
	recorder Recorder
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(sessions SessionPurger, posts CountReconciler, recorder Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		posts:    posts,
		recorder: recorder,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、ctxがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// Run はセッション削除とカウンタ整合を1回ずつ実行する。
// 片方が失敗してももう片方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.nowFunc()

	purged, purgeErr := j.sessions.DeleteExpired(ctx, start)
	if purgeErr != nil {
		purgeErr = fmt.Errorf("期限切れセッションの削除に失敗: %w", purgeErr)
	} else if j.recorder != nil {
		j.recorder.RecordSessionsPurged(purged)
	}

	reconciled, reconcileErr := j.posts.ReconcileCounts(ctx)
	if reconcileErr != nil {
		reconcileErr = fmt.Errorf("投稿カウンタの再計算に失敗: %w", reconcileErr)
	} else if j.recorder != nil {
		j.recorder.RecordCountsReconciled(reconciled)
	}

	if err := errors.Join(purgeErr, reconcileErr); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("purged_sessions", purged),
		slog.Int64("reconciled_posts", reconciled),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
