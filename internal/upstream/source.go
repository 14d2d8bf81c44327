// Package upstream は講義の定員データを上流APIから取得する。
// 全モニターでTTLキャッシュと流量制限を共有し、一時的な失敗は指数バックオフで再試行する。
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

const (
	// userAgent は上流APIへのリクエストに付与するUser-Agent。
	userAgent = "UW-Course-Checker/1.0"
	// maxBodySize はレスポンスボディの最大サイズ（5MB）。
	maxBodySize = 5 * 1024 * 1024
)

// Source は講義データの取得元インターフェース。
// deadlineはctxで渡す。
type Source interface {
	Fetch(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, error)
}

// StatusError は上流APIが200以外のステータスを返した場合のエラー。
// 429の場合はRetry-Afterヘッダーの値を保持する。
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("上流APIがステータス %d を返しました", e.StatusCode)
}

// HTTPSource は上流の静的JSON APIからコースデータを取得するSource実装。
type HTTPSource struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPSource はHTTPSourceの新しいインスタンスを生成する。
// baseURLの末尾スラッシュは呼び出し元で除去済みであることを想定する。
func NewHTTPSource(httpClient *http.Client, baseURL string, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
		now:        time.Now,
	}
}

// CourseURL は科目とコース番号から取得先URLを組み立てる。
// 科目コードは空白を除去して大文字化する（"comp sci" → "COMPSCI"）。
func (s *HTTPSource) CourseURL(subject, courseNumber string) string {
	name := model.NormalizeSubject(subject) + "_" + courseNumber
	return fmt.Sprintf("%s/course/%s.json", s.baseURL, url.PathEscape(name))
}

// Fetch は1回のHTTPリクエストでコースデータを取得する。リトライは行わない。
func (s *HTTPSource) Fetch(ctx context.Context, term, subject, courseNumber string) (*model.CourseData, error) {
	reqURL := s.CourseURL(subject, courseNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 接続再利用のためにボディを読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), s.now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var data model.CourseData
	if err := json.Unmarshal(body, &data); err != nil {
		s.logger.Error("上流APIのレスポンスのパースに失敗しました",
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	// 上流が識別情報を省略した場合はリクエスト値で補完する
	if data.Term == "" {
		data.Term = term
	}
	if data.Subject == "" {
		data.Subject = subject
	}
	if data.CourseNumber == "" {
		data.CourseNumber = courseNumber
	}

	return &data, nil
}

// parseRetryAfter はRetry-Afterヘッダーを解釈する。
// 秒数またはHTTP-date形式に対応し、解釈できない場合は0を返す。
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
