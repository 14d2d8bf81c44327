// Package monitor はモニター管理のドメインロジックを提供する。
// 永続化とスケジューラーへの反映を1つの操作としてまとめる。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/repository"
	"github.com/hitoshi/seatwatch/internal/security"
)

// 履歴取得件数の上限
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Scheduler はサービスが利用するスケジューラー操作。
type Scheduler interface {
	Add(m model.Monitor) error
	Remove(id string) error
	Pause(id string) error
	Resume(id string, immediate bool) error
	UpdateInterval(id string, interval time.Duration) error
	TriggerImmediateCheck(id string) error
}

// Notifier はテスト通知の配信に利用する。
type Notifier interface {
	Dispatch(ctx context.Context, event model.NotificationEvent, prefs model.NotificationPrefs) []model.DeliveryAttempt
}

// Config はモニター管理の設定。
type Config struct {
	MinInterval     time.Duration
	DefaultInterval time.Duration
}

// CreateInput はモニター作成の入力。
// NotifyOnOpenが未指定の場合はtrue、CheckIntervalが0の場合はDefaultIntervalを使う。
// NotifyChannelsが空の場合は宛先が設定されたチャネルを有効にする。
type CreateInput struct {
	Term             string
	Subject          string
	CourseNumber     string
	Sections         []string
	NotifyOnOpen     *bool
	NotifyOnWaitlist bool
	CheckInterval    time.Duration
	Cooldown         time.Duration
	NotifyChannels   []model.Channel
	Channels         model.ChannelEndpoints
}

// UpdateInput はモニターの部分更新の入力。nilのフィールドは変更しない。
// コース（term, subject, courseNumber, sections）は作成後に変更できない。
type UpdateInput struct {
	Active           *bool
	CheckInterval    *time.Duration
	Cooldown         *time.Duration
	NotifyOnOpen     *bool
	NotifyOnWaitlist *bool
	NotifyChannels   []model.Channel
	Email            *string
	SMS              *string
	Webhook          *string
}

// Service はモニター管理のサービス層。
type Service struct {
	monitors   repository.MonitorRepository
	snapshots  repository.SnapshotRepository
	deliveries repository.DeliveryRepository
	scheduler  Scheduler
	notifier   Notifier
	guard      security.WebhookGuard
	logger     *slog.Logger
	cfg        Config
	newID      func() string
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	monitors repository.MonitorRepository,
	snapshots repository.SnapshotRepository,
	deliveries repository.DeliveryRepository,
	scheduler Scheduler,
	notifier Notifier,
	guard security.WebhookGuard,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.DefaultInterval < cfg.MinInterval {
		cfg.DefaultInterval = cfg.MinInterval
	}
	return &Service{
		monitors:   monitors,
		snapshots:  snapshots,
		deliveries: deliveries,
		scheduler:  scheduler,
		notifier:   notifier,
		guard:      guard,
		logger:     logger,
		cfg:        cfg,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Create はモニターを検証・保存し、スケジューラーに登録する。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Monitor, error) {
	m := s.build(in)
	if err := s.validate(m); err != nil {
		return nil, err
	}

	if err := s.monitors.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("モニターの保存に失敗しました: %w", err)
	}
	if err := s.scheduler.Add(*m); err != nil {
		// スケジュールできないモニターを残さない
		if delErr := s.monitors.Delete(ctx, m.ID); delErr != nil {
			s.logger.Error("登録に失敗したモニターの削除に失敗しました",
				slog.String("monitor_id", m.ID),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, err
	}

	s.logger.Info("モニターを登録しました",
		slog.String("monitor_id", m.ID),
		slog.String("subject", m.Subject),
		slog.String("course_number", m.CourseNumber),
		slog.Duration("check_interval", m.CheckInterval),
	)
	return m, nil
}

func (s *Service) build(in CreateInput) *model.Monitor {
	notifyOnOpen := true
	if in.NotifyOnOpen != nil {
		notifyOnOpen = *in.NotifyOnOpen
	}
	interval := in.CheckInterval
	if interval == 0 {
		interval = s.cfg.DefaultInterval
	}

	sections := make([]string, 0, len(in.Sections))
	for _, sec := range in.Sections {
		sections = append(sections, strings.TrimSpace(sec))
	}

	channels := in.NotifyChannels
	if len(channels) == 0 {
		for _, ch := range model.AllChannels {
			if in.Channels.Endpoint(ch) != "" {
				channels = append(channels, ch)
			}
		}
	}

	return &model.Monitor{
		ID:               s.newID(),
		Term:             strings.TrimSpace(in.Term),
		Subject:          strings.ToUpper(strings.TrimSpace(in.Subject)),
		CourseNumber:     strings.TrimSpace(in.CourseNumber),
		Sections:         sections,
		NotifyOnOpen:     notifyOnOpen,
		NotifyOnWaitlist: in.NotifyOnWaitlist,
		CheckInterval:    interval,
		Cooldown:         in.Cooldown,
		NotifyChannels:   channels,
		Channels: model.ChannelEndpoints{
			Email:   strings.TrimSpace(in.Channels.Email),
			SMS:     strings.TrimSpace(in.Channels.SMS),
			Webhook: strings.TrimSpace(in.Channels.Webhook),
		},
		Active: true,
	}
}

// validate はモニターの不変条件と通知先の形式を検証する。
func (s *Service) validate(m *model.Monitor) error {
	if err := m.Validate(s.cfg.MinInterval); err != nil {
		return err
	}
	if m.Channels.Email != "" {
		if _, err := mail.ParseAddress(m.Channels.Email); err != nil {
			return model.NewInvalidMonitorError(fmt.Sprintf("メールアドレスの形式が不正です: %q", m.Channels.Email))
		}
	}
	if m.Channels.Webhook != "" {
		if err := s.guard.ValidateURL(m.Channels.Webhook); err != nil {
			return model.NewInvalidWebhookError(err.Error())
		}
	}
	return nil
}

// Get は指定IDのモニターを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := s.monitors.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("モニターの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, model.NewMonitorNotFoundError(id)
	}
	return m, nil
}

// List は全モニターを返す。
func (s *Service) List(ctx context.Context) ([]*model.Monitor, error) {
	monitors, err := s.monitors.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("モニター一覧の取得に失敗しました: %w", err)
	}
	return monitors, nil
}

// Delete はモニターを削除し、スケジュールから取り除く。
// スナップショットと配信履歴は外部キーのカスケードで削除される。
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.monitors.Delete(ctx, id); err != nil {
		if errors.Is(err, model.ErrMonitorNotFound) {
			return model.NewMonitorNotFoundError(id)
		}
		return fmt.Errorf("モニターの削除に失敗しました: %w", err)
	}
	if err := s.scheduler.Remove(id); err != nil && !errors.Is(err, model.ErrMonitorNotFound) {
		return err
	}
	s.logger.Info("モニターを削除しました", slog.String("monitor_id", id))
	return nil
}

// Pause はモニターを一時停止する。
func (s *Service) Pause(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := s.setActive(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Pause(id); err != nil {
		if !errors.Is(err, model.ErrMonitorNotFound) {
			return nil, err
		}
		if err := s.scheduler.Add(*m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Resume は一時停止中のモニターを再開する。immediateがtrueの場合は即時にチェックする。
func (s *Service) Resume(ctx context.Context, id string, immediate bool) (*model.Monitor, error) {
	m, err := s.setActive(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Resume(id, immediate); err != nil {
		if !errors.Is(err, model.ErrMonitorNotFound) {
			return nil, err
		}
		if err := s.scheduler.Add(*m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *Service) setActive(ctx context.Context, id string, active bool) (*model.Monitor, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Active == active {
		return m, nil
	}
	m.Active = active
	if err := s.update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateInterval はチェック間隔を変更する。
func (s *Service) UpdateInterval(ctx context.Context, id string, interval time.Duration) (*model.Monitor, error) {
	if err := model.ValidateInterval(interval, s.cfg.MinInterval); err != nil {
		return nil, err
	}
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.CheckInterval = interval
	if err := s.update(ctx, m); err != nil {
		return nil, err
	}
	if err := s.scheduler.UpdateInterval(id, interval); err != nil {
		if !errors.Is(err, model.ErrMonitorNotFound) {
			return nil, err
		}
		if err := s.scheduler.Add(*m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *Service) update(ctx context.Context, m *model.Monitor) error {
	if err := s.monitors.Update(ctx, m); err != nil {
		if errors.Is(err, model.ErrMonitorNotFound) {
			return model.NewMonitorNotFoundError(m.ID)
		}
		return fmt.Errorf("モニターの更新に失敗しました: %w", err)
	}
	return nil
}

// Update はモニターの通知設定・間隔・有効状態を部分的に更新し、スケジューラーへ反映する。
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*model.Monitor, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Active != nil {
		m.Active = *in.Active
	}
	if in.CheckInterval != nil {
		m.CheckInterval = *in.CheckInterval
	}
	if in.Cooldown != nil {
		m.Cooldown = *in.Cooldown
	}
	if in.NotifyOnOpen != nil {
		m.NotifyOnOpen = *in.NotifyOnOpen
	}
	if in.NotifyOnWaitlist != nil {
		m.NotifyOnWaitlist = *in.NotifyOnWaitlist
	}
	if in.Email != nil {
		m.Channels.Email = strings.TrimSpace(*in.Email)
	}
	if in.SMS != nil {
		m.Channels.SMS = strings.TrimSpace(*in.SMS)
	}
	if in.Webhook != nil {
		m.Channels.Webhook = strings.TrimSpace(*in.Webhook)
	}
	if in.NotifyChannels != nil {
		m.NotifyChannels = append([]model.Channel(nil), in.NotifyChannels...)
	}

	if err := s.validate(m); err != nil {
		return nil, err
	}
	if err := s.update(ctx, m); err != nil {
		return nil, err
	}
	// 登録済みの場合は設定が置き換わる
	if err := s.scheduler.Add(*m); err != nil {
		return nil, err
	}

	s.logger.Info("モニターを更新しました",
		slog.String("monitor_id", m.ID),
		slog.Bool("active", m.Active),
		slog.Duration("check_interval", m.CheckInterval),
	)
	return m, nil
}

// SendTestNotification はモニターの通知設定で合成イベントを配信し、チャネルごとの結果を返す。
// 座席の変化やcooldownの状態には影響しない。
func (s *Service) SendTestNotification(ctx context.Context, id string) ([]model.DeliveryAttempt, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(m.NotifyChannels) == 0 {
		return nil, model.NewInvalidMonitorError("通知チャネルが設定されていません")
	}

	section := m.Sections[0]
	if m.WatchesAll() {
		section = "001"
	}
	now := s.now()
	event := model.NotificationEvent{
		ID:        s.newID(),
		MonitorID: m.ID,
		SectionID: section,
		Kind:      model.EventTestNotification,
		Current: model.EnrollmentSnapshot{
			MonitorID:     m.ID,
			SectionID:     section,
			TotalSeats:    30,
			EnrolledSeats: 29,
			OpenSeats:     1,
			WaitlistOpen:  model.IntPtr(0),
			WaitlistTotal: model.IntPtr(0),
			Status:        model.StatusOpen,
			Timestamp:     now,
		},
		GeneratedAt:  now,
		Term:         m.Term,
		Subject:      m.Subject,
		CourseNumber: m.CourseNumber,
	}

	prefs := m.Prefs()
	prefs.Cooldown = 0
	attempts := s.notifier.Dispatch(ctx, event, prefs)

	failed := 0
	for _, a := range attempts {
		if a.Outcome != model.OutcomeSuccess {
			failed++
		}
	}
	s.logger.Info("テスト通知を送信しました",
		slog.String("monitor_id", m.ID),
		slog.String("event_id", event.ID),
		slog.Int("channels", len(attempts)),
		slog.Int("failed", failed),
	)
	return attempts, nil
}

// TriggerCheck はモニターの即時チェックを要求する。
func (s *Service) TriggerCheck(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	err := s.scheduler.TriggerImmediateCheck(id)
	switch {
	case errors.Is(err, model.ErrCheckInFlight):
		return model.NewCheckInFlightError()
	case errors.Is(err, model.ErrMonitorNotFound):
		return model.NewMonitorNotFoundError(id)
	}
	return err
}

// Snapshots はモニターのスナップショット履歴を新しい順に返す。
func (s *Service) Snapshots(ctx context.Context, id string, limit int) ([]*model.EnrollmentSnapshot, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.snapshots.ListByMonitor(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("スナップショット履歴の取得に失敗しました: %w", err)
	}
	return list, nil
}

// Deliveries はモニターの配信履歴を新しい順に返す。
func (s *Service) Deliveries(ctx context.Context, id string, limit int) ([]*model.DeliveryAttempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.deliveries.ListByMonitor(ctx, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	return list, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
