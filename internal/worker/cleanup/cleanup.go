// Package cleanup はログイン台帳の保持期間管理ジョブを提供する。
// 保持期間（デフォルト90日）を超過したログイン記録を日次バッチで削除する。
// 台帳は追記専用でUPDATEはトリガーで拒否されるが、期限切れ記録のDELETEは許可されている。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/loginproxy/internal/repository"
)

// DefaultRetentionDays はログイン記録のデフォルト保持日数。
const DefaultRetentionDays = 90

const deleteExpiredLoginsQuery = `DELETE FROM logins WHERE login_time < now() - $1::interval`

// CleanupJob は保持期間を超過したログイン記録の削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            repository.Executor
	logger        *slog.Logger
	RetentionDays int // ログイン記録の保持日数
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使用する。
func NewCleanupJob(db repository.Executor, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("ログイン記録クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	// Run内でログ出力済みのため、エラーは無視して次回に持ち越す
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ログイン記録クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過したログイン記録を削除する。
// login_timeがRetentionDays日前より古い記録をDELETEする。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx, deleteExpiredLoginsQuery, interval)
	if err != nil {
		j.logger.Error("ログイン記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ログイン記録クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("ログイン記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
