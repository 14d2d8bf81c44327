package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/seatwatch/internal/model"
)

const monitorColumns = `id, term, subject, course_number, sections, notify_on_open, notify_on_waitlist,
	check_interval_seconds, cooldown_seconds, notify_channels, email, phone_number, webhook_url,
	active, last_checked, last_successful_check, created_at, updated_at`

// PostgresMonitorRepo はPostgreSQLを使用したモニターリポジトリ。
type PostgresMonitorRepo struct {
	db *sql.DB
}

// NewPostgresMonitorRepo はPostgresMonitorRepoを生成する。
func NewPostgresMonitorRepo(db *sql.DB) *PostgresMonitorRepo {
	return &PostgresMonitorRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (*model.Monitor, error) {
	m := &model.Monitor{}
	var (
		sections         []string
		channels         []string
		intervalSeconds  int64
		cooldownSeconds  int64
		lastChecked      sql.NullTime
		lastSuccessCheck sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.Term, &m.Subject, &m.CourseNumber, pq.Array(&sections),
		&m.NotifyOnOpen, &m.NotifyOnWaitlist, &intervalSeconds, &cooldownSeconds,
		pq.Array(&channels), &m.Channels.Email, &m.Channels.SMS, &m.Channels.Webhook,
		&m.Active, &lastChecked, &lastSuccessCheck, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Sections = sections
	m.NotifyChannels = stringsToChannels(channels)
	m.CheckInterval = time.Duration(intervalSeconds) * time.Second
	m.Cooldown = time.Duration(cooldownSeconds) * time.Second
	m.LastChecked = nullTimePtr(lastChecked)
	m.LastSuccessfulCheck = nullTimePtr(lastSuccessCheck)
	return m, nil
}

func (r *PostgresMonitorRepo) list(ctx context.Context, op, query string) ([]*model.Monitor, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, model.NewStoreError(op, err)
	}
	defer rows.Close()

	var monitors []*model.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, model.NewStoreError(op, fmt.Errorf("モニター行の読み取りに失敗しました: %w", err))
		}
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError(op, fmt.Errorf("モニター一覧の走査に失敗しました: %w", err))
	}
	return monitors, nil
}

// ListActive はactive=trueのモニターを作成順に返す。
func (r *PostgresMonitorRepo) ListActive(ctx context.Context) ([]*model.Monitor, error) {
	return r.list(ctx, "list active monitors",
		`SELECT `+monitorColumns+` FROM course_monitors WHERE active = true ORDER BY created_at ASC`)
}

// List は全モニターを作成順に返す。
func (r *PostgresMonitorRepo) List(ctx context.Context) ([]*model.Monitor, error) {
	return r.list(ctx, "list monitors",
		`SELECT `+monitorColumns+` FROM course_monitors ORDER BY created_at ASC`)
}

// FindByID は指定IDのモニターを取得する。見つからない場合はnilを返す。
func (r *PostgresMonitorRepo) FindByID(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := scanMonitor(r.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM course_monitors WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStoreError("find monitor", err)
	}
	return m, nil
}

// Create はモニターを作成する。CreatedAt/UpdatedAtが未設定の場合は現在時刻を設定する。
func (r *PostgresMonitorRepo) Create(ctx context.Context, m *model.Monitor) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO course_monitors (`+monitorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		m.ID, m.Term, m.Subject, m.CourseNumber, pq.Array(m.Sections),
		m.NotifyOnOpen, m.NotifyOnWaitlist, durationSeconds(m.CheckInterval), durationSeconds(m.Cooldown),
		pq.Array(channelsToStrings(m.NotifyChannels)), m.Channels.Email, m.Channels.SMS, m.Channels.Webhook,
		m.Active, m.LastChecked, m.LastSuccessfulCheck, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return model.NewStoreError("create monitor", err)
	}
	return nil
}

// Update はモニター設定を更新する。last_checked系の列は変更しない。
func (r *PostgresMonitorRepo) Update(ctx context.Context, m *model.Monitor) error {
	m.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE course_monitors SET
			term = $2, subject = $3, course_number = $4, sections = $5,
			notify_on_open = $6, notify_on_waitlist = $7,
			check_interval_seconds = $8, cooldown_seconds = $9, notify_channels = $10,
			email = $11, phone_number = $12, webhook_url = $13, active = $14, updated_at = $15
		 WHERE id = $1`,
		m.ID, m.Term, m.Subject, m.CourseNumber, pq.Array(m.Sections),
		m.NotifyOnOpen, m.NotifyOnWaitlist,
		durationSeconds(m.CheckInterval), durationSeconds(m.Cooldown), pq.Array(channelsToStrings(m.NotifyChannels)),
		m.Channels.Email, m.Channels.SMS, m.Channels.Webhook, m.Active, m.UpdatedAt,
	)
	if err != nil {
		return model.NewStoreError("update monitor", err)
	}
	return requireAffected(result, "update monitor", m.ID)
}

// Delete は指定IDのモニターを削除する。
func (r *PostgresMonitorRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM course_monitors WHERE id = $1`, id)
	if err != nil {
		return model.NewStoreError("delete monitor", err)
	}
	return requireAffected(result, "delete monitor", id)
}

// Touch はlast_checkedを更新する。successがtrueの場合はlast_successful_checkも更新する。
func (r *PostgresMonitorRepo) Touch(ctx context.Context, id string, checkedAt time.Time, success bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE course_monitors SET
			last_checked = $2,
			last_successful_check = CASE WHEN $3 THEN $2 ELSE last_successful_check END
		 WHERE id = $1`,
		id, checkedAt, success,
	)
	if err != nil {
		return model.NewStoreError("touch monitor", err)
	}
	return requireAffected(result, "touch monitor", id)
}

// requireAffected は更新対象が存在しなかった場合にErrMonitorNotFoundを返す。
func requireAffected(result sql.Result, op, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return model.NewStoreError(op, fmt.Errorf("更新結果の取得に失敗しました: %w", err))
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, model.ErrMonitorNotFound)
	}
	return nil
}

func durationSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func channelsToStrings(channels []model.Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = string(ch)
	}
	return out
}

func stringsToChannels(values []string) []model.Channel {
	out := make([]model.Channel, 0, len(values))
	for _, v := range values {
		out = append(out, model.Channel(v))
	}
	return out
}

// compile-time interface check
var _ MonitorRepository = (*PostgresMonitorRepo)(nil)
