package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Upstream
	UpstreamBaseURL     string
	UpstreamTimeout     time.Duration
	UpstreamRateLimit   int
	UpstreamRateWindow  time.Duration
	UpstreamRateWait    time.Duration
	UpstreamCacheTTL    time.Duration
	UpstreamStaleTTL    time.Duration
	UpstreamMaxAttempts int
	UpstreamBackoffBase time.Duration
	UpstreamBackoffMax  time.Duration

	// Redis（空の場合はプロセス内キャッシュを使用）
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduler
	SchedulerWorkers     int
	MinCheckInterval     time.Duration
	DefaultCheckInterval time.Duration
	ShutdownGrace        time.Duration
	StartupCheck         bool

	// Notification
	NotifyMaxAttempts int
	NotifyBackoff     time.Duration
	NotifySendTimeout time.Duration

	// SMTP
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	// AMQP（空の場合はブローカー配信を無効化）
	AMQPURL   string
	AMQPQueue string

	// Retention
	SnapshotRetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	RateLimitGeneral  int
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envが存在する場合は先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.UpstreamBaseURL = strings.TrimRight(getEnvString("UPSTREAM_BASE_URL", "https://static.uwcourses.com"), "/")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.UpstreamRateLimit = getEnvInt("UPSTREAM_RATE_LIMIT", 60)
	cfg.UpstreamRateWindow = getEnvDuration("UPSTREAM_RATE_WINDOW", time.Minute)
	cfg.UpstreamRateWait = getEnvDuration("UPSTREAM_RATE_WAIT", 30*time.Second)
	cfg.UpstreamCacheTTL = getEnvDuration("UPSTREAM_CACHE_TTL", 60*time.Second)
	cfg.UpstreamStaleTTL = getEnvDuration("UPSTREAM_STALE_TTL", 10*time.Minute)
	cfg.UpstreamMaxAttempts = getEnvInt("UPSTREAM_MAX_ATTEMPTS", 3)
	cfg.UpstreamBackoffBase = getEnvDuration("UPSTREAM_BACKOFF_BASE", time.Second)
	cfg.UpstreamBackoffMax = getEnvDuration("UPSTREAM_BACKOFF_MAX", 30*time.Second)
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.SchedulerWorkers = getEnvInt("SCHEDULER_WORKERS", 4)
	cfg.MinCheckInterval = getEnvDuration("MIN_CHECK_INTERVAL", 60*time.Second)
	cfg.DefaultCheckInterval = getEnvDuration("DEFAULT_CHECK_INTERVAL", 300*time.Second)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", 10*time.Second)
	cfg.StartupCheck = getEnvBool("STARTUP_CHECK", false)
	cfg.NotifyMaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 3)
	cfg.NotifyBackoff = getEnvDuration("NOTIFY_BACKOFF", 2*time.Second)
	cfg.NotifySendTimeout = getEnvDuration("NOTIFY_SEND_TIMEOUT", 15*time.Second)
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnvString("SMTP_USER", "")
	cfg.SMTPPass = getEnvString("SMTP_PASS", "")
	cfg.SMTPFrom = getEnvString("SMTP_FROM", "")
	cfg.TwilioAccountSID = getEnvString("TWILIO_ACCOUNT_SID", "")
	cfg.TwilioAuthToken = getEnvString("TWILIO_AUTH_TOKEN", "")
	cfg.TwilioFrom = getEnvString("TWILIO_FROM", "")
	cfg.AMQPURL = getEnvString("AMQP_URL", "")
	cfg.AMQPQueue = getEnvString("AMQP_QUEUE", "seatwatch.events")
	cfg.SnapshotRetentionDays = getEnvInt("SNAPSHOT_RETENTION_DAYS", 180)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	// デフォルト間隔は下限を下回らないようにする
	if cfg.DefaultCheckInterval < cfg.MinCheckInterval {
		cfg.DefaultCheckInterval = cfg.MinCheckInterval
	}

	return cfg, nil
}

// SMTPEnabled はメール送信に必要な設定が揃っているかを返す。
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

// TwilioEnabled はSMS送信に必要な設定が揃っているかを返す。
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration はGoのduration形式（"90s"）に加え、整数のみの値を秒として解釈する。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
