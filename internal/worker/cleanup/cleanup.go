// Package cleanup は履歴データの自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過したスナップショットと配信履歴を日次で削除する。
// 各セクションの最新スナップショットは次回の比較に使うため削除しない。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Pruner は指定時刻より古い行を削除する。
// repository.SnapshotRepositoryとrepository.DeliveryRepositoryが実装する。
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した履歴の削除ジョブ。冪等。
type CleanupJob struct {
	snapshots     Pruner
	deliveries    Pruner
	logger        *slog.Logger
	RetentionDays int // 保持日数（デフォルト: 180）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(snapshots, deliveries Pruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		snapshots:     snapshots,
		deliveries:    deliveries,
		logger:        logger,
		RetentionDays: 180,
		now:           time.Now,
	}
}

// Run は保持期間を超過した履歴を削除する。
// 片方の削除に失敗しても、もう片方は実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	snapshotCount, snapErr := j.snapshots.DeleteOlderThan(ctx, cutoff)
	if snapErr != nil {
		j.logger.Error("スナップショットのクリーンアップに失敗しました",
			slog.String("error", snapErr.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		snapErr = fmt.Errorf("スナップショットのクリーンアップに失敗: %w", snapErr)
	}

	deliveryCount, delErr := j.deliveries.DeleteOlderThan(ctx, cutoff)
	if delErr != nil {
		j.logger.Error("配信履歴のクリーンアップに失敗しました",
			slog.String("error", delErr.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		delErr = fmt.Errorf("配信履歴のクリーンアップに失敗: %w", delErr)
	}

	if err := errors.Join(snapErr, delErr); err != nil {
		return err
	}

	j.logger.Info("履歴クリーンアップジョブが完了しました",
		slog.Int64("deleted_snapshots", snapshotCount),
		slog.Int64("deleted_deliveries", deliveryCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、以降intervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("cleanup job failed", slog.String("error", err.Error()))
	}
}
