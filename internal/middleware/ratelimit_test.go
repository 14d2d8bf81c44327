package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		CheckRate:       1,
		CheckBurst:      1,
		CleanupInterval: time.Minute,
	}
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/monitors", nil)
	req.RemoteAddr = addr
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_Returns429AfterBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("198.51.100.1:1000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:2000"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429（ポートが違っても同一クライアント）", w.Code)
	}

	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want >= 1", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" || body.Action == "" {
		t.Errorf("body = %+v", body)
	}
	if body.RetryAfterSeconds != retry {
		t.Errorf("retry_after_seconds = %d, want %d", body.RetryAfterSeconds, retry)
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:1000"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.1:1000"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("client A second request: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.2:1000"))
	if w.Code != http.StatusOK {
		t.Errorf("client B first request: status = %d, want 200", w.Code)
	}
	if n := rl.GeneralLimiterCount(); n != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", n)
	}
}

func TestCheckMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	check := rl.CheckMiddleware()(okHandler())

	w := httptest.NewRecorder()
	check.ServeHTTP(w, requestFrom("198.51.100.9:1"))
	if w.Code != http.StatusOK {
		t.Fatalf("1回目の即時チェック: status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	check.ServeHTTP(w, requestFrom("198.51.100.9:1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目の即時チェック: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestFrom("198.51.100.9:1"))
	if w.Code != http.StatusOK {
		t.Errorf("即時チェックの制限がAPI全般に影響した: status = %d", w.Code)
	}
	if rl.CheckLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", rl.CheckLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.CleanupInterval = 50 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom("198.51.100.3:1"))
	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはCleanupIntervalの2倍（100ms）
	time.Sleep(250 * time.Millisecond)
	if n := rl.GeneralLimiterCount(); n != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", n)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:8080", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := ClientKey(req); got != tt.want {
			t.Errorf("ClientKey(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.GeneralRate != 2.0 || cfg.GeneralBurst != 120 {
		t.Errorf("general = %v/%d, want 2/120", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.CheckRate <= 0 || cfg.CheckBurst != 10 {
		t.Errorf("check = %v/%d", cfg.CheckRate, cfg.CheckBurst)
	}
}
