package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/model"
)

// ClientConfig はClientの動作設定。
type ClientConfig struct {
	// RateLimit は任意のRateWindow幅で許可する最大リクエスト数。
	RateLimit  int
	RateWindow time.Duration
	// MaxWait は呼び出し元がdeadlineを持たない場合のトークン待ち上限。
	MaxWait time.Duration

	CacheTTL time.Duration
	StaleTTL time.Duration

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultClientConfig はデフォルトの設定を返す。
// 60リクエスト/分、キャッシュ60秒、最大3回試行（1s, 2s, ... 上限30s）。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RateLimit:   60,
		RateWindow:  time.Minute,
		MaxWait:     30 * time.Second,
		CacheTTL:    60 * time.Second,
		StaleTTL:    10 * time.Minute,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// Client はキャッシュ、レート制限、リトライを備えた上流APIクライアント。
// 全モニターで1つのインスタンスを共有し、並行呼び出しに対して安全。
type Client struct {
	source  Source
	cache   Cache
	limiter *slidingWindow
	flights singleflight.Group
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     ClientConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientの新しいインスタンスを生成する。
// cacheがnilの場合はプロセス内キャッシュを使用する。
func NewClient(source Source, cache Cache, mc metrics.MetricsCollector, logger *slog.Logger, cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.StaleTTL < cfg.CacheTTL {
		cfg.StaleTTL = cfg.CacheTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}

	return &Client{
		source:  source,
		cache:   cache,
		limiter: newSlidingWindow(cfg.RateLimit, cfg.RateWindow),
		metrics: mc,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Fetch はコースデータを取得する。
// TTL内のキャッシュがあればネットワークアクセスを行わない。
// 同じコースへの同時呼び出しは1回の上流取得にまとめられる。
// 失敗時は*model.UpstreamErrorを返し、ErrRateLimitTimeout、ErrUpstreamRejected、
// ErrUpstreamTransientのいずれかでerrors.Is判定できる。
func (c *Client) Fetch(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, error) {
	key := CacheKey(term, subject, courseNumber)

	if entry, ok := c.lookup(ctx, key); ok && c.now().Sub(entry.FetchedAt) < c.cfg.CacheTTL {
		c.metrics.RecordCacheHit()
		return entry.Data, nil
	}
	c.metrics.RecordCacheMiss()

	v, err, _ := c.flights.Do(key, func() (any, error) {
		// 直前に完了した取得がキャッシュを更新している場合がある
		if entry, ok := c.lookup(ctx, key); ok && c.now().Sub(entry.FetchedAt) < c.cfg.CacheTTL {
			return entry.Data, nil
		}

		data, err := c.fetchWithRetry(ctx, term, subject, courseNumber)
		if err != nil {
			return nil, err
		}

		// 成功時のみキャッシュを更新する。失敗で既存エントリを消すことはない。
		entry := CacheEntry{Data: data, FetchedAt: c.now()}
		if err := c.cache.Set(ctx, key, entry, c.cfg.StaleTTL); err != nil {
			c.logger.Warn("上流レスポンスのキャッシュ保存に失敗しました",
				slog.String("cache_key", key),
				slog.String("error", err.Error()),
			)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	// 共有された結果を呼び出し元ごとに複製する
	return cloneCourse(v.(*model.CourseData)), nil
}

// FetchAllowStale はFetchが失敗した場合にStaleTTL以内のキャッシュを返す。
// 2番目の戻り値は有効期限切れのデータを返したかどうか。
func (c *Client) FetchAllowStale(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, bool, error) {
	data, err := c.Fetch(ctx, term, subject, courseNumber)
	if err == nil {
		return data, false, nil
	}

	key := CacheKey(term, subject, courseNumber)
	entry, ok := c.lookup(ctx, key)
	if !ok || c.now().Sub(entry.FetchedAt) >= c.cfg.StaleTTL {
		return nil, false, err
	}

	c.logger.Warn("取得に失敗したため期限切れのキャッシュを返します",
		slog.String("cache_key", key),
		slog.Duration("age", c.now().Sub(entry.FetchedAt)),
		slog.String("error", err.Error()),
	)
	return entry.Data, true, nil
}

// lookup はキャッシュを参照する。キャッシュ障害はミスとして扱う。
func (c *Client) lookup(ctx context.Context, key string) (*CacheEntry, bool) {
	entry, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("上流レスポンスのキャッシュ参照に失敗しました",
			slog.String("cache_key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok || entry == nil || entry.Data == nil {
		return nil, false
	}
	return entry, true
}

// fetchWithRetry はトークンを取得してから上流を呼び出し、失敗の種類に応じて再試行する。
// 試行ごとにトークンを1つ消費する。
func (c *Client) fetchWithRetry(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, error) {
	var (
		lastErr    error
		lastStatus int
		retryAfter time.Duration
	)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.acquire(ctx, attempt); err != nil {
			return nil, err
		}

		start := c.now()
		data, err := c.source.Fetch(ctx, term, subject, courseNumber)
		c.metrics.RecordUpstreamLatency(c.now().Sub(start))
		if err == nil {
			c.metrics.RecordUpstreamStatus(200)
			return data, nil
		}

		lastErr = err
		delay := CalculateBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)

		var se *StatusError
		switch {
		case errors.As(err, &se):
			c.metrics.RecordUpstreamStatus(se.StatusCode)
			lastStatus = se.StatusCode
			retryAfter = se.RetryAfter
			if ClassifyHTTPStatus(se.StatusCode) == FetchResultReject {
				return nil, &model.UpstreamError{
					StatusCode: se.StatusCode,
					Attempts:   attempt,
					Cause:      err,
					Err:        model.ErrUpstreamRejected,
				}
			}
			// 429でRetry-Afterが指定されていればそれに従う
			if se.RetryAfter > 0 {
				delay = se.RetryAfter
			}
		case ctx.Err() != nil:
			return nil, &model.UpstreamError{
				StatusCode: lastStatus,
				Attempts:   attempt,
				Cause:      ctx.Err(),
				Err:        model.ErrUpstreamTransient,
			}
		default:
			lastStatus = 0
			retryAfter = 0
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		c.logger.Warn("上流APIの呼び出しに失敗したため再試行します",
			slog.String("term", term),
			slog.String("subject", subject),
			slog.String("course_number", courseNumber),
			slog.Int("attempt", attempt),
			slog.Int("http_status", lastStatus),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, &model.UpstreamError{
				StatusCode: lastStatus,
				Attempts:   attempt,
				RetryAfter: retryAfter,
				Cause:      err,
				Err:        model.ErrUpstreamTransient,
			}
		}
	}

	c.logger.Error("上流APIの再試行上限に達しました",
		slog.String("term", term),
		slog.String("subject", subject),
		slog.String("course_number", courseNumber),
		slog.Int("attempts", c.cfg.MaxAttempts),
		slog.Int("http_status", lastStatus),
		slog.String("error", lastErr.Error()),
	)
	return nil, &model.UpstreamError{
		StatusCode: lastStatus,
		Attempts:   c.cfg.MaxAttempts,
		RetryAfter: retryAfter,
		Cause:      lastErr,
		Err:        model.ErrUpstreamTransient,
	}
}

// acquire は送信枠を1つ取得する。
// 待ち時間は呼び出し元のdeadline（なければMaxWait）で上限を設け、
// 超える場合は枠を消費せずErrRateLimitTimeoutを返す。
func (c *Client) acquire(ctx context.Context, attempt int) error {
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.MaxWait)
		defer cancel()
	}

	start := c.now()
	err := c.limiter.Wait(waitCtx)
	c.metrics.RecordRateLimitWait(c.now().Sub(start))
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("トークン待ち中にキャンセルされました: %w", ctxErr)
	}
	c.logger.Warn("レートリミッターの待ち時間が期限を超えました",
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
	return &model.UpstreamError{
		Attempts: attempt - 1,
		Cause:    err,
		Err:      model.ErrRateLimitTimeout,
	}
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
