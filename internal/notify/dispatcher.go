package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/model"
)

// AttemptRecorder は配信試行を永続化する。途中のFAILEDも含め全試行が渡される。
type AttemptRecorder interface {
	Record(ctx context.Context, attempt model.DeliveryAttempt) error
}

// DispatcherConfig はDispatcherのリトライ設定。
type DispatcherConfig struct {
	// MaxAttempts はチャネルごとの最大試行回数。
	MaxAttempts int
	// Backoff は1回目の失敗後の待機時間。以降は2倍ずつ増加する。
	Backoff time.Duration
	// SendTimeout は1回の送信の上限時間。
	SendTimeout time.Duration
}

// DefaultDispatcherConfig はデフォルトの設定を返す（最大3回、2s/4s/8s、送信15秒）。
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		SendTimeout: 15 * time.Second,
	}
}

// Dispatcher はイベントを有効なチャネルへ配信する。
// チャネルごとに独立したgoroutineで送信とリトライを行うため、
// あるチャネルの失敗や遅延が他のチャネルに影響しない。
type Dispatcher struct {
	transport Transport
	renderer  *Renderer
	recorder  AttemptRecorder
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       DispatcherConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	lastSuccess map[cooldownKey]time.Time
}

type cooldownKey struct {
	monitorID string
	sectionID string
	kind      model.EventKind
	channel   model.Channel
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// recorderとmcはnilでもよい。
func NewDispatcher(transport Transport, renderer *Renderer, recorder AttemptRecorder, mc metrics.MetricsCollector, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Dispatcher{
		transport:   transport,
		renderer:    renderer,
		recorder:    recorder,
		metrics:     mc,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		sleep:       sleepContext,
		lastSuccess: make(map[cooldownKey]time.Time),
	}
}

// Dispatch はイベントを有効な各チャネルへ配信し、チャネルごとの最終試行を返す。
// 戻り値の順序はprefs.EnabledChannelsの順序に従う。
// STATUS_CHANGEDなど配信対象外の種別、およびcooldown中のチャネルは結果に含まれない。
func (d *Dispatcher) Dispatch(ctx context.Context, event model.NotificationEvent, prefs model.NotificationPrefs) []model.DeliveryAttempt {
	if !event.Kind.Notifiable() {
		return nil
	}

	channels := uniqueChannels(prefs.EnabledChannels)
	results := make([]*model.DeliveryAttempt, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		if d.inCooldown(event, ch, prefs.Cooldown) {
			d.logger.Info("cooldown中のため配信をスキップしました",
				slog.String("event_id", event.ID),
				slog.String("monitor_id", event.MonitorID),
				slog.String("section_id", event.SectionID),
				slog.String("channel", string(ch)),
			)
			continue
		}

		wg.Add(1)
		go func(i int, ch model.Channel) {
			defer wg.Done()
			attempt := d.deliver(ctx, event, ch, prefs.Endpoints.Endpoint(ch))
			results[i] = &attempt
		}(i, ch)
	}
	wg.Wait()

	attempts := make([]model.DeliveryAttempt, 0, len(channels))
	for _, a := range results {
		if a != nil {
			attempts = append(attempts, *a)
		}
	}
	return attempts
}

// deliver は1チャネルへの送信をリトライ込みで実行し、最終試行を返す。
func (d *Dispatcher) deliver(ctx context.Context, event model.NotificationEvent, ch model.Channel, endpoint string) model.DeliveryAttempt {
	if endpoint == "" {
		return d.finish(ctx, event, ch, 0, model.OutcomeExhausted, model.ErrChannelMisconfigured)
	}

	msg, err := d.renderer.Render(event, ch)
	if err != nil {
		return d.finish(ctx, event, ch, 0, model.OutcomeExhausted, err)
	}

	delay := d.cfg.Backoff
	for n := 1; ; n++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.transport.Send(sendCtx, ch, endpoint, msg)
		cancel()

		if err == nil {
			d.markSuccess(event, ch)
			return d.finish(ctx, event, ch, n, model.OutcomeSuccess, nil)
		}
		// 送信実装のないチャネルは試行回数に数えない
		if errors.Is(err, model.ErrChannelMisconfigured) {
			return d.finish(ctx, event, ch, 0, model.OutcomeExhausted, err)
		}
		if n >= d.cfg.MaxAttempts || !IsRetryable(err) {
			return d.finish(ctx, event, ch, n, model.OutcomeExhausted, err)
		}

		failed := d.newAttempt(event, ch, n, model.OutcomeFailed, err)
		d.record(ctx, failed)
		d.logger.Warn("通知の送信に失敗したため再試行します",
			slog.String("event_id", event.ID),
			slog.String("channel", string(ch)),
			slog.Int("attempt", n),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if err := d.sleep(ctx, delay); err != nil {
			return d.finish(ctx, event, ch, n, model.OutcomeExhausted, err)
		}
		delay *= 2
	}
}

// finish は最終試行を記録・ログ出力して返す。
// EXHAUSTEDのエラーはErrDeliveryExhaustedでラップする。
func (d *Dispatcher) finish(ctx context.Context, event model.NotificationEvent, ch model.Channel, n int, outcome model.DeliveryOutcome, err error) model.DeliveryAttempt {
	if outcome == model.OutcomeExhausted && err != nil {
		err = fmt.Errorf("%w: %w", model.ErrDeliveryExhausted, err)
	}
	attempt := d.newAttempt(event, ch, n, outcome, err)
	d.record(ctx, attempt)
	d.metrics.RecordDelivery(string(ch), string(outcome))

	if outcome == model.OutcomeSuccess {
		d.logger.Info("通知を配信しました",
			slog.String("event_id", event.ID),
			slog.String("monitor_id", event.MonitorID),
			slog.String("section_id", event.SectionID),
			slog.String("kind", string(event.Kind)),
			slog.String("channel", string(ch)),
			slog.Int("attempt", n),
		)
	} else {
		d.logger.Error("通知の配信を断念しました",
			slog.String("event_id", event.ID),
			slog.String("monitor_id", event.MonitorID),
			slog.String("section_id", event.SectionID),
			slog.String("kind", string(event.Kind)),
			slog.String("channel", string(ch)),
			slog.Int("attempt", n),
			slog.String("error", attempt.Error),
		)
	}
	return attempt
}

func (d *Dispatcher) newAttempt(event model.NotificationEvent, ch model.Channel, n int, outcome model.DeliveryOutcome, err error) model.DeliveryAttempt {
	a := model.DeliveryAttempt{
		EventID:       event.ID,
		MonitorID:     event.MonitorID,
		SectionID:     event.SectionID,
		Kind:          event.Kind,
		Channel:       ch,
		AttemptNumber: n,
		Outcome:       outcome,
		Timestamp:     d.now(),
	}
	if err != nil {
		a.Error = err.Error()
		a.Err = err
	}
	return a
}

// record は試行を永続化する。記録の失敗は配信結果に影響させない。
func (d *Dispatcher) record(ctx context.Context, attempt model.DeliveryAttempt) {
	if d.recorder == nil {
		return
	}
	// 配信側のctxがキャンセルされていても履歴は残す
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.recorder.Record(recCtx, attempt); err != nil {
		d.logger.Error("配信履歴の保存に失敗しました",
			slog.String("event_id", attempt.EventID),
			slog.String("channel", string(attempt.Channel)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) inCooldown(event model.NotificationEvent, ch model.Channel, cooldown time.Duration) bool {
	if cooldown <= 0 || event.Kind == model.EventTestNotification {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastSuccess[cooldownKey{event.MonitorID, event.SectionID, event.Kind, ch}]
	return ok && event.GeneratedAt.Sub(last) < cooldown
}

// markSuccess はcooldown判定用にSUCCESS時刻を記録する。テスト通知は記録しない。
func (d *Dispatcher) markSuccess(event model.NotificationEvent, ch model.Channel) {
	if event.Kind == model.EventTestNotification {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSuccess[cooldownKey{event.MonitorID, event.SectionID, event.Kind, ch}] = event.GeneratedAt
}

// Forget はモニター削除時にcooldownの記録を破棄する。
func (d *Dispatcher) Forget(monitorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.lastSuccess {
		if k.monitorID == monitorID {
			delete(d.lastSuccess, k)
		}
	}
}

func uniqueChannels(channels []model.Channel) []model.Channel {
	seen := make(map[model.Channel]bool, len(channels))
	out := make([]model.Channel, 0, len(channels))
	for _, ch := range channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// sleepContext はdの経過またはctxのキャンセルまで待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
