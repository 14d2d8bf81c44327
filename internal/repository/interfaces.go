// Package repository はデータ永続化のインターフェースを定義する。
// 実装はすべての失敗をmodel.StoreErrorでラップし、errors.Is(err, model.ErrStoreUnavailable)で判定できるようにする。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

// MonitorRepository はモニター設定の永続化インターフェース。
type MonitorRepository interface {
	// ListActive はactive=trueのモニターを作成順に返す。
	ListActive(ctx context.Context) ([]*model.Monitor, error)

	// List は全モニターを作成順に返す。
	List(ctx context.Context) ([]*model.Monitor, error)

	// FindByID は指定IDのモニターを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Monitor, error)

	// Create はモニターを作成する。
	Create(ctx context.Context, m *model.Monitor) error

	// Update はモニター設定を更新する。存在しない場合はErrMonitorNotFoundを返す。
	Update(ctx context.Context, m *model.Monitor) error

	// Delete は指定IDのモニターを削除する。
	// 関連するスナップショットと配信履歴はCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// Touch はlast_checkedを更新する。successがtrueの場合はlast_successful_checkも更新する。
	Touch(ctx context.Context, id string, checkedAt time.Time, success bool) error
}

// SnapshotRepository は定員スナップショットの永続化インターフェース。
type SnapshotRepository interface {
	// Last は(monitorID, sectionID)の最新スナップショットを返す。存在しない場合はnilを返す。
	Last(ctx context.Context, monitorID, sectionID string) (*model.EnrollmentSnapshot, error)

	// Append はスナップショットを追記する。
	Append(ctx context.Context, s *model.EnrollmentSnapshot) error

	// ListByMonitor はモニターのスナップショットを新しい順にlimit件まで返す。
	ListByMonitor(ctx context.Context, monitorID string, limit int) ([]*model.EnrollmentSnapshot, error)

	// DeleteOlderThan はbefore以前のスナップショットを削除する。
	// 各セクションの最新スナップショットは削除しない。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DeliveryRepository は配信試行履歴の永続化インターフェース。
// notify.AttemptRecorderを満たす。
type DeliveryRepository interface {
	// Record は配信試行を記録する。
	Record(ctx context.Context, attempt model.DeliveryAttempt) error

	// ListByMonitor はモニターの配信履歴を新しい順にlimit件まで返す。
	ListByMonitor(ctx context.Context, monitorID string, limit int) ([]*model.DeliveryAttempt, error)

	// DeleteOlderThan はbefore以前の配信履歴を削除する。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
