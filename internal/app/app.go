package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/seatwatch/internal/config"
	"github.com/hitoshi/seatwatch/internal/database"
	"github.com/hitoshi/seatwatch/internal/events"
	"github.com/hitoshi/seatwatch/internal/handler"
	"github.com/hitoshi/seatwatch/internal/logger"
	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/middleware"
	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/monitor"
	"github.com/hitoshi/seatwatch/internal/notify"
	"github.com/hitoshi/seatwatch/internal/repository"
	"github.com/hitoshi/seatwatch/internal/scheduler"
	"github.com/hitoshi/seatwatch/internal/security"
	"github.com/hitoshi/seatwatch/internal/upstream"
	"github.com/hitoshi/seatwatch/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。checkとmigrate versionの結果はwに書き込む。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	var rest []string
	if len(args) > 0 {
		rest = args[1:]
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// checkの出力はJSONのため、ログは標準エラーに分ける
	logW := w
	if cmd == CommandCheck {
		logW = os.Stderr
	}

	cfg, err := Init(logW)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		margs, err := ParseMigrateArgs(rest)
		if err != nil {
			return err
		}
		return runMigrate(cfg, margs, w)
	case CommandCheck:
		cargs, err := ParseCheckArgs(rest, os.Stderr)
		if err != nil {
			return err
		}
		return runCheck(ctx, cfg, cargs, w)
	default:
		slog.Info("starting application",
			slog.String("command", string(cmd)),
			slog.String("port", cfg.ServerPort),
			slog.String("upstream", cfg.UpstreamBaseURL),
		)
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーとスケジューラーを起動する。
// DB接続を開き、全依存関係をワイヤリングし、ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続とマイグレーション
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info("database connection established")

	// 2. リポジトリの初期化
	monitorRepo := repository.NewPostgresMonitorRepo(db)
	snapshotRepo := repository.NewPostgresSnapshotRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(registry)

	// 4. 上流APIクライアント
	client, closeCache, err := newUpstreamClient(ctx, cfg, mc, log)
	if err != nil {
		return err
	}
	defer closeCache()

	// 5. 通知
	guard := security.NewWebhookGuard()
	dispatcher := notify.NewDispatcher(
		newTransport(cfg, guard, log),
		notify.NewRenderer(security.NewEmailSanitizer()),
		deliveryRepo, mc, log,
		notify.DispatcherConfig{
			MaxAttempts: cfg.NotifyMaxAttempts,
			Backoff:     cfg.NotifyBackoff,
			SendTimeout: cfg.NotifySendTimeout,
		},
	)

	// 6. イベント配信（WebSocket + 任意でAMQP）
	hub := events.NewHub(log)
	go hub.Run(ctx)
	publisher := events.Multi{hub}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, log)
		if err != nil {
			return fmt.Errorf("failed to connect to message broker: %w", err)
		}
		defer amqpPub.Close()
		publisher = append(publisher, amqpPub)
	}

	// 7. スケジューラー
	sched := scheduler.NewScheduler(client, monitorRepo, snapshotRepo, dispatcher, publisher, mc, log,
		scheduler.Config{
			Workers:       cfg.SchedulerWorkers,
			MinInterval:   cfg.MinCheckInterval,
			StartupCheck:  cfg.StartupCheck,
			ShutdownGrace: cfg.ShutdownGrace,
		})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	monitorService := monitor.NewService(monitorRepo, snapshotRepo, deliveryRepo, sched, dispatcher, guard, log,
		monitor.Config{
			MinInterval:     cfg.MinCheckInterval,
			DefaultInterval: cfg.DefaultCheckInterval,
		})

	// 8. クリーンアップジョブを日次でバックグラウンド実行
	cleanupJob := cleanup.NewCleanupJob(snapshotRepo, deliveryRepo, log)
	cleanupJob.RetentionDays = cfg.SnapshotRetentionDays
	go cleanupJob.Start(ctx, 24*time.Hour)

	// 9. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		MonitorService:    monitorService,
		StatusReader:      sched,
		CourseFetcher:     client,
		EventsHandler:     http.HandlerFunc(hub.HandleWebSocket),
		MetricsHandler:    metrics.Handler(registry),
	})

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server listen error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("scheduler shutdown failed: %w", err))
	}

	if runErr == nil {
		log.Info("stopped gracefully")
	}
	return runErr
}

// newUpstreamClient は上流APIクライアントを構築する。
// REDIS_ADDRが設定されている場合はRedisを共有キャッシュとして使う。
func newUpstreamClient(ctx context.Context, cfg *config.Config, mc metrics.MetricsCollector, log *slog.Logger) (*upstream.Client, func(), error) {
	var cache upstream.Cache = upstream.NewMemoryCache()
	closeCache := func() {}

	if cfg.RedisAddr != "" {
		rdb, err := upstream.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		cache = upstream.NewRedisCache(rdb)
		closeCache = func() { _ = rdb.Close() }
		log.Info("using redis cache for upstream responses", slog.String("addr", cfg.RedisAddr))
	}

	source := upstream.NewHTTPSource(&http.Client{Timeout: cfg.UpstreamTimeout}, cfg.UpstreamBaseURL, log)
	client := upstream.NewClient(source, cache, mc, log, upstream.ClientConfig{
		RateLimit:   cfg.UpstreamRateLimit,
		RateWindow:  cfg.UpstreamRateWindow,
		MaxWait:     cfg.UpstreamRateWait,
		CacheTTL:    cfg.UpstreamCacheTTL,
		StaleTTL:    cfg.UpstreamStaleTTL,
		MaxAttempts: cfg.UpstreamMaxAttempts,
		BackoffBase: cfg.UpstreamBackoffBase,
		BackoffMax:  cfg.UpstreamBackoffMax,
	})
	return client, closeCache, nil
}

// newTransport は設定済みのチャネルだけを登録したTransportを返す。
// 未登録のチャネルへの配信はErrChannelMisconfiguredとしてEXHAUSTEDになる。
func newTransport(cfg *config.Config, guard security.WebhookGuard, log *slog.Logger) notify.Mux {
	mux := notify.Mux{
		model.ChannelWebhook: notify.NewWebhookTransport(guard.NewSafeClient(cfg.NotifySendTimeout)),
	}
	if cfg.SMTPEnabled() {
		mux[model.ChannelEmail] = notify.NewSMTPTransport(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		})
	} else {
		log.Warn("SMTP is not configured; email notifications are disabled")
	}
	if cfg.TwilioEnabled() {
		mux[model.ChannelSMS] = notify.NewTwilioTransport(
			&http.Client{Timeout: cfg.NotifySendTimeout},
			cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom,
		)
	} else {
		log.Warn("Twilio is not configured; SMS notifications are disabled")
	}
	return mux
}

// checkOutput はcheckサブコマンドの出力。
type checkOutput struct {
	CheckedAt time.Time         `json:"checked_at"`
	Stale     bool              `json:"stale"`
	Course    *model.CourseData `json:"course"`
}

// runCheck は1コースを1回だけ取得し、結果をJSONでwに書き込む。
// --allow-staleは共有キャッシュ（Redis）が設定されている場合に意味を持つ。
func runCheck(ctx context.Context, cfg *config.Config, args CheckArgs, w io.Writer) error {
	client, closeCache, err := newUpstreamClient(ctx, cfg, metrics.Nop{}, slog.Default())
	if err != nil {
		return err
	}
	defer closeCache()

	out := checkOutput{CheckedAt: time.Now().UTC()}
	if args.AllowStale {
		out.Course, out.Stale, err = client.FetchAllowStale(ctx, args.Term, args.Subject, args.CourseNumber)
	} else {
		out.Course, err = client.Fetch(ctx, args.Term, args.Subject, args.CourseNumber)
	}
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	for i := range out.Course.Sections {
		sec := &out.Course.Sections[i]
		if !sec.Status.Valid() {
			sec.Status = model.DeriveStatus(sec.OpenSeats, sec.WaitlistOpen)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, args MigrateArgs, w io.Writer) error {
	slog.Info("running database migrations",
		slog.String("action", string(args.Action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch args.Action {
	case MigrateDown:
		if err := database.Rollback(cfg.DatabaseURL, args.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.Version(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		fmt.Fprintf(w, "version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
