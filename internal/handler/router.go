package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/seatwatch/internal/middleware"
)

// HealthChecker はDB接続の疎通確認を行う。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	HealthChecker HealthChecker

	MonitorService MonitorServiceInterface
	StatusReader   StatusReader
	CourseFetcher  CourseFetcher

	// EventsHandler はWebSocketのライブイベント配信。nilの場合はルートを登録しない。
	EventsHandler http.Handler
	// MetricsHandler はPrometheusのエクスポーター。nilの場合はルートを登録しない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	monitorHandler := NewMonitorHandler(deps.MonitorService, deps.StatusReader)

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/monitors", func(r chi.Router) {
			r.Get("/", monitorHandler.ListMonitors)
			r.Post("/", monitorHandler.CreateMonitor)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", monitorHandler.GetMonitor)
				r.Patch("/", monitorHandler.UpdateMonitor)
				r.Delete("/", monitorHandler.DeleteMonitor)
				r.Post("/pause", monitorHandler.PauseMonitor)
				r.Post("/resume", monitorHandler.ResumeMonitor)
				r.Put("/interval", monitorHandler.UpdateInterval)
				// 即時チェックは上流APIへの負荷になるため専用のレート制限を追加
				r.With(deps.RateLimiter.CheckMiddleware()).Post("/check", monitorHandler.TriggerCheck)
				r.With(deps.RateLimiter.CheckMiddleware()).Post("/test-notification", monitorHandler.SendTestNotification)
				r.Get("/snapshots", monitorHandler.ListSnapshots)
				r.Get("/deliveries", monitorHandler.ListDeliveries)
			})
		})

		if deps.CourseFetcher != nil {
			courseHandler := NewCourseHandler(deps.CourseFetcher)
			r.With(deps.RateLimiter.CheckMiddleware()).
				Get("/api/courses/{term}/{subject}/{number}", courseHandler.GetCourse)
		}

		if deps.EventsHandler != nil {
			r.Method(http.MethodGet, "/api/events/ws", deps.EventsHandler)
		}
	})

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// healthHandler はDB疎通を含むヘルスチェックを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "unknown"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			slog.Warn("health check: database ping failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
	}
}
