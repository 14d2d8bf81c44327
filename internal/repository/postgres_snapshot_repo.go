package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

const snapshotColumns = `id, monitor_id, section_id, class_number, instructor, total_seats, open_seats,
	enrolled_seats, waitlist_total, waitlist_open, status, captured_at`

// PostgresSnapshotRepo はPostgreSQLを使用したスナップショットリポジトリ。
type PostgresSnapshotRepo struct {
	db *sql.DB
}

// NewPostgresSnapshotRepo はPostgresSnapshotRepoを生成する。
func NewPostgresSnapshotRepo(db *sql.DB) *PostgresSnapshotRepo {
	return &PostgresSnapshotRepo{db: db}
}

func scanSnapshot(row rowScanner) (*model.EnrollmentSnapshot, error) {
	s := &model.EnrollmentSnapshot{}
	var waitlistTotal, waitlistOpen sql.NullInt64
	var status string
	err := row.Scan(
		&s.ID, &s.MonitorID, &s.SectionID, &s.ClassNumber, &s.Instructor,
		&s.TotalSeats, &s.OpenSeats, &s.EnrolledSeats, &waitlistTotal, &waitlistOpen,
		&status, &s.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	s.WaitlistTotal = nullIntPtr(waitlistTotal)
	s.WaitlistOpen = nullIntPtr(waitlistOpen)
	s.Status = model.SectionStatus(status)
	return s, nil
}

// Last は(monitorID, sectionID)の最新スナップショットを返す。存在しない場合はnilを返す。
func (r *PostgresSnapshotRepo) Last(ctx context.Context, monitorID, sectionID string) (*model.EnrollmentSnapshot, error) {
	s, err := scanSnapshot(r.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM enrollment_snapshots
		 WHERE monitor_id = $1 AND section_id = $2
		 ORDER BY captured_at DESC, id DESC LIMIT 1`,
		monitorID, sectionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStoreError("last snapshot", err)
	}
	return s, nil
}

// Append はスナップショットを追記し、採番されたIDをs.IDに設定する。
func (r *PostgresSnapshotRepo) Append(ctx context.Context, s *model.EnrollmentSnapshot) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO enrollment_snapshots
			(monitor_id, section_id, class_number, instructor, total_seats, open_seats,
			 enrolled_seats, waitlist_total, waitlist_open, status, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		s.MonitorID, s.SectionID, s.ClassNumber, s.Instructor, s.TotalSeats, s.OpenSeats,
		s.EnrolledSeats, s.WaitlistTotal, s.WaitlistOpen, string(s.Status), s.Timestamp,
	).Scan(&s.ID)
	if err != nil {
		return model.NewStoreError("append snapshot", err)
	}
	return nil
}

// ListByMonitor はモニターのスナップショットを新しい順にlimit件まで返す。
func (r *PostgresSnapshotRepo) ListByMonitor(ctx context.Context, monitorID string, limit int) ([]*model.EnrollmentSnapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM enrollment_snapshots
		 WHERE monitor_id = $1
		 ORDER BY captured_at DESC, id DESC LIMIT $2`,
		monitorID, limit,
	)
	if err != nil {
		return nil, model.NewStoreError("list snapshots", err)
	}
	defer rows.Close()

	var snapshots []*model.EnrollmentSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, model.NewStoreError("list snapshots", fmt.Errorf("スナップショット行の読み取りに失敗しました: %w", err))
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("list snapshots", err)
	}
	return snapshots, nil
}

// DeleteOlderThan はbefore以前のスナップショットを削除する。
// 検出器が前回値として参照するため、各セクションの最新行は残す。
func (r *PostgresSnapshotRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM enrollment_snapshots s
		 WHERE s.captured_at < $1
		   AND s.id <> (
		       SELECT l.id FROM enrollment_snapshots l
		       WHERE l.monitor_id = s.monitor_id AND l.section_id = s.section_id
		       ORDER BY l.captured_at DESC, l.id DESC
		       LIMIT 1
		   )`,
		before,
	)
	if err != nil {
		return 0, model.NewStoreError("delete old snapshots", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, model.NewStoreError("delete old snapshots", err)
	}
	return n, nil
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// compile-time interface check
var _ SnapshotRepository = (*PostgresSnapshotRepo)(nil)
