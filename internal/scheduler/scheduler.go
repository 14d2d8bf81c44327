// Package scheduler はモニターごとのチェックサイクルの実行時刻を管理し、
// 固定数のワーカーでサイクル（取得 → 検出 → 通知 → 保存）を実行する。
//
// 実行予定はnextRun順の最小ヒープで保持し、モニターごとのタイマーは持たない。
// 1つのループgoroutineが最も早い予定時刻まで待機し、期限が来たモニターをワーカーへ渡す。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/seatwatch/internal/events"
	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/model"
)

var (
	// ErrAlreadyRunning はStartが二重に呼ばれた場合のエラー。
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrNotRunning はスケジューラー停止中に即時チェックを要求した場合のエラー。
	ErrNotRunning = errors.New("scheduler not running")
)

// subscribeBuffer はSubscribeで返すチャネルのバッファ長。
const subscribeBuffer = 32

// CourseFetcher はコース単位の定員データ取得インターフェース。
type CourseFetcher interface {
	Fetch(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, error)
}

// MonitorStore はスケジューラーが利用するモニターストアの操作。
type MonitorStore interface {
	ListActive(ctx context.Context) ([]*model.Monitor, error)
	Touch(ctx context.Context, id string, checkedAt time.Time, success bool) error
}

// SnapshotStore はスケジューラーが利用するスナップショットストアの操作。
type SnapshotStore interface {
	Last(ctx context.Context, monitorID, sectionID string) (*model.EnrollmentSnapshot, error)
	Append(ctx context.Context, s *model.EnrollmentSnapshot) error
}

// Notifier はイベントをチャネルへ配信する。
type Notifier interface {
	Dispatch(ctx context.Context, event model.NotificationEvent, prefs model.NotificationPrefs) []model.DeliveryAttempt
	// Forget は削除されたモニターに関する内部状態を破棄する。
	Forget(monitorID string)
}

// Config はスケジューラーの設定。
type Config struct {
	// Workers は同時に実行するチェックサイクルの上限。
	Workers int
	// MinInterval はチェック間隔の下限。
	MinInterval time.Duration
	// StartupCheck がtrueの場合、Start直後に全モニターをチェックする。
	StartupCheck bool
	// ShutdownGrace はStopが実行中サイクルの完了を待つ最大時間。
	ShutdownGrace time.Duration
	// CycleTimeout は1サイクル全体の期限。
	CycleTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MinInterval:   60 * time.Second,
		ShutdownGrace: 10 * time.Second,
		CycleTimeout:  2 * time.Minute,
	}
}

// Status はモニターのスケジューリング状態のスナップショット。
type Status struct {
	State    State
	NextRun  time.Time
	InFlight bool
}

// Scheduler はモニターのチェックサイクルをスケジューリングする。
type Scheduler struct {
	fetcher   CourseFetcher
	monitors  MonitorStore
	snapshots SnapshotStore
	notifier  Notifier
	publisher events.Publisher
	stream    *events.Broadcaster
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	queue   dueQueue
	running bool
	wake    chan struct{}

	stopLoop    context.CancelFunc
	cancelCycle context.CancelFunc
	loopDone    chan struct{}
	workers     sync.WaitGroup
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// publisherは外部へのイベント配信先で、nilの場合は内部ストリームのみに配信する。
func NewScheduler(
	fetcher CourseFetcher,
	monitors MonitorStore,
	snapshots SnapshotStore,
	notifier Notifier,
	publisher events.Publisher,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Scheduler{
		fetcher:   fetcher,
		monitors:  monitors,
		snapshots: snapshots,
		notifier:  notifier,
		publisher: publisher,
		stream:    events.NewBroadcaster(logger),
		metrics:   mc,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		entries:   make(map[string]*entry),
		wake:      make(chan struct{}, 1),
	}
}

// Start はアクティブなモニターを読み込み、ループとワーカーを起動する。
// 各モニターはnow+intervalに登録される。StartupCheckが有効な場合は即時に登録する。
func (s *Scheduler) Start(ctx context.Context) error {
	monitors, err := s.monitors.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("アクティブなモニターの読み込みに失敗しました: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	for _, m := range monitors {
		if _, ok := s.entries[m.ID]; !ok {
			s.entries[m.ID] = &entry{monitor: *m, state: StateStopped, index: -1}
		}
	}

	now := s.now()
	for _, e := range s.entries {
		if e.state != StateStopped {
			continue
		}
		at := now.Add(e.monitor.CheckInterval)
		if s.cfg.StartupCheck {
			at = now
		}
		e.state = StateArmed
		s.queue.schedule(e, at)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	// 実行中サイクルは親コンテキストのキャンセル後もStopの猶予時間まで継続させる
	cycleCtx, cancelCycle := context.WithCancel(context.WithoutCancel(ctx))
	work := make(chan *entry)
	s.stopLoop = stopLoop
	s.cancelCycle = cancelCycle
	s.loopDone = make(chan struct{})
	s.running = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(cycleCtx, work)
	}
	go s.loop(loopCtx, work, s.loopDone)

	s.reportActiveLocked()
	s.logger.Info("チェックスケジューラを開始しました",
		slog.Int("monitors", len(s.entries)),
		slog.Int("workers", s.cfg.Workers),
		slog.Bool("startup_check", s.cfg.StartupCheck),
	)
	return nil
}

// Stop は待機中の予定をすべて取り消し、実行中サイクルの完了を猶予時間まで待つ。
// 猶予時間またはctxの期限を過ぎた場合は実行中サイクルをキャンセルしてエラーを返す。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, e := range s.entries {
		s.queue.cancel(e)
		if !e.inFlight && e.state != StatePaused {
			e.state = StateStopped
		}
	}
	stopLoop, cancelCycle, loopDone := s.stopLoop, s.cancelCycle, s.loopDone
	s.mu.Unlock()

	stopLoop()
	<-loopDone

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		cancelCycle()
		s.logger.Info("チェックスケジューラを停止しました")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("実行中のチェックが猶予時間内に完了しなかったためキャンセルします",
		slog.Duration("grace", s.cfg.ShutdownGrace),
	)
	cancelCycle()
	<-done
	return fmt.Errorf("実行中のチェックが猶予時間内に完了しませんでした: %w", context.DeadlineExceeded)
}

// Add はモニターを登録する。既に登録済みの場合は設定を置き換える。
// 新規のアクティブなモニターは即時チェックとして登録し、ベースラインを確立する。
// 非アクティブなモニターはPAUSEDとして保持する。
func (s *Scheduler) Add(m model.Monitor) error {
	if err := m.Validate(s.cfg.MinInterval); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[m.ID]
	if !exists {
		e = &entry{monitor: m, state: StateStopped, index: -1}
		s.entries[m.ID] = e
		switch {
		case !m.Active:
			e.state = StatePaused
		case s.running:
			e.state = StateArmed
			s.queue.schedule(e, s.now())
			s.signal()
		}
		s.reportActiveLocked()
		return nil
	}

	intervalChanged := e.monitor.CheckInterval != m.CheckInterval
	e.monitor = m
	switch {
	case !m.Active:
		s.pauseLocked(e)
	case e.state == StatePaused:
		s.resumeLocked(e, false)
	case e.state == StateArmed && intervalChanged:
		s.queue.schedule(e, s.now().Add(m.CheckInterval))
		s.signal()
	}
	s.reportActiveLocked()
	return nil
}

// Remove はモニターを削除する。予定は即座に取り消され、
// 実行中のサイクルはスナップショット保存とlastChecked更新を行わずに終了する。
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return model.ErrMonitorNotFound
	}
	delete(s.entries, id)
	s.queue.cancel(e)
	e.state = StateRemoved
	s.reportActiveLocked()
	s.mu.Unlock()

	s.notifier.Forget(id)
	s.logger.Info("モニターをスケジュールから削除しました", slog.String("monitor_id", id))
	return nil
}

// Pause はモニターを一時停止する。実行中のサイクルは完了するが再登録されない。
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.ErrMonitorNotFound
	}
	s.pauseLocked(e)
	s.reportActiveLocked()
	return nil
}

// Resume は一時停止中のモニターを再開する。
// immediateがtrueの場合は即時、falseの場合はnow+intervalに登録する。
func (s *Scheduler) Resume(id string, immediate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.ErrMonitorNotFound
	}
	s.resumeLocked(e, immediate)
	s.reportActiveLocked()
	return nil
}

// UpdateInterval はチェック間隔を変更する。
// ARMEDの場合は変更時刻+新間隔に再登録し、CHECKINGの場合は完了後の再登録から適用する。
func (s *Scheduler) UpdateInterval(id string, interval time.Duration) error {
	if err := model.ValidateInterval(interval, s.cfg.MinInterval); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.ErrMonitorNotFound
	}
	e.monitor.CheckInterval = interval
	if e.state == StateArmed && e.queued() {
		s.queue.schedule(e, s.now().Add(interval))
		s.signal()
	}
	return nil
}

// TriggerImmediateCheck はモニターを即時チェックとして登録する。
// サイクル実行中の場合は何もせずErrCheckInFlightを返す。
// 一時停止中のモニターは1回だけチェックされ、PAUSEDのまま残る。
func (s *Scheduler) TriggerImmediateCheck(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.ErrMonitorNotFound
	}
	if e.inFlight {
		return model.ErrCheckInFlight
	}
	if !s.running {
		return ErrNotRunning
	}
	s.queue.schedule(e, s.now())
	s.signal()
	return nil
}

// Subscribe はライブイベントストリームを購読する。
// 返された関数を呼ぶと購読を解除しチャネルを閉じる。
func (s *Scheduler) Subscribe() (<-chan model.NotificationEvent, func()) {
	return s.stream.Subscribe(subscribeBuffer)
}

// Status は指定モニターのスケジューリング状態を返す。
func (s *Scheduler) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Status{}, false
	}
	st := Status{State: e.state, InFlight: e.inFlight}
	if e.queued() {
		st.NextRun = e.nextRun
	}
	return st, true
}

func (s *Scheduler) pauseLocked(e *entry) {
	switch e.state {
	case StateArmed, StateStopped:
		s.queue.cancel(e)
		e.state = StatePaused
	case StateChecking:
		e.state = StatePaused
	case StatePaused:
		// 一時停止中に要求された即時チェックも取り消す
		s.queue.cancel(e)
	}
}

func (s *Scheduler) resumeLocked(e *entry, immediate bool) {
	if e.state != StatePaused {
		return
	}
	if e.inFlight {
		// 完了時に通常間隔で再登録される
		e.state = StateChecking
		return
	}
	if !s.running {
		s.queue.cancel(e)
		e.state = StateStopped
		return
	}
	at := s.now().Add(e.monitor.CheckInterval)
	if immediate {
		at = s.now()
	}
	// 一時停止中に要求された即時チェックがあればそちらを優先する
	if e.queued() && e.nextRun.Before(at) {
		at = e.nextRun
	}
	e.state = StateArmed
	s.queue.schedule(e, at)
	s.signal()
}

func (s *Scheduler) reportActiveLocked() {
	n := 0
	for _, e := range s.entries {
		if e.state != StatePaused {
			n++
		}
	}
	s.metrics.SetActiveMonitors(n)
}

// signal はループに予定の変更を通知する。
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop は期限が来たモニターをワーカーへ渡し、次の予定時刻まで待機する。
func (s *Scheduler) loop(ctx context.Context, work chan<- *entry, done chan<- struct{}) {
	defer close(done)
	defer close(work)

	for {
		s.mu.Lock()
		now := s.now()
		due := s.queue.popDue(now)
		for _, e := range due {
			e.inFlight = true
			if e.state == StateArmed {
				e.state = StateChecking
			}
		}
		wait := time.Duration(-1)
		if head := s.queue.peek(); head != nil {
			wait = max(head.nextRun.Sub(now), 0)
		}
		s.mu.Unlock()

		for i, e := range due {
			select {
			case work <- e:
			case <-ctx.Done():
				s.release(due[i:])
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// release はワーカーへ渡せなかったエントリを停止状態に戻す。
func (s *Scheduler) release(entries []*entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e.inFlight = false
		if e.state == StateChecking {
			e.state = StateStopped
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, work <-chan *entry) {
	defer s.workers.Done()
	for e := range work {
		if !s.removed(e) {
			s.runCycle(ctx, e)
		}
		s.complete(e)
	}
}

// complete はサイクル完了後にエントリを完了時刻+intervalへ再登録する。
func (s *Scheduler) complete(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.inFlight = false

	if cur, ok := s.entries[e.monitor.ID]; !ok || cur != e || e.state == StateRemoved {
		return
	}
	if !s.running {
		if e.state != StatePaused {
			e.state = StateStopped
		}
		return
	}
	if e.state == StatePaused {
		return
	}
	e.state = StateArmed
	s.queue.schedule(e, s.now().Add(e.monitor.CheckInterval))
	s.signal()
}

func (s *Scheduler) removed(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.state == StateRemoved
}

func (s *Scheduler) monitorOf(e *entry) model.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.monitor
}
