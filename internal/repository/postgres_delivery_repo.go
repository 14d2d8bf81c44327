package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配信履歴リポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// Record は配信試行を記録する。
func (r *PostgresDeliveryRepo) Record(ctx context.Context, a model.DeliveryAttempt) error {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts
			(event_id, monitor_id, section_id, kind, channel, attempt_number, outcome, error, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.EventID, a.MonitorID, a.SectionID, string(a.Kind), string(a.Channel),
		a.AttemptNumber, string(a.Outcome), a.Error, ts,
	)
	if err != nil {
		return model.NewStoreError("record delivery", err)
	}
	return nil
}

// ListByMonitor はモニターの配信履歴を新しい順にlimit件まで返す。
func (r *PostgresDeliveryRepo) ListByMonitor(ctx context.Context, monitorID string, limit int) ([]*model.DeliveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_id, monitor_id, section_id, kind, channel, attempt_number, outcome, error, attempted_at
		 FROM delivery_attempts
		 WHERE monitor_id = $1
		 ORDER BY attempted_at DESC, id DESC LIMIT $2`,
		monitorID, limit,
	)
	if err != nil {
		return nil, model.NewStoreError("list deliveries", err)
	}
	defer rows.Close()

	var attempts []*model.DeliveryAttempt
	for rows.Next() {
		a := &model.DeliveryAttempt{}
		var kind, channel, outcome string
		if err := rows.Scan(&a.ID, &a.EventID, &a.MonitorID, &a.SectionID, &kind, &channel,
			&a.AttemptNumber, &outcome, &a.Error, &a.Timestamp); err != nil {
			return nil, model.NewStoreError("list deliveries", fmt.Errorf("配信履歴行の読み取りに失敗しました: %w", err))
		}
		a.Kind = model.EventKind(kind)
		a.Channel = model.Channel(channel)
		a.Outcome = model.DeliveryOutcome(outcome)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("list deliveries", err)
	}
	return attempts, nil
}

// DeleteOlderThan はbefore以前の配信履歴を削除する。
func (r *PostgresDeliveryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE attempted_at < $1`, before)
	if err != nil {
		return 0, model.NewStoreError("delete old deliveries", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.NewStoreError("delete old deliveries", err)
	}
	return n, nil
}

// compile-time interface check
var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
