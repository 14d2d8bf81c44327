package model

import (
	"errors"
	"fmt"
	"time"
)

// パイプライン内部のエラー分類。errors.Isで判定する。
var (
	// ErrRateLimitTimeout はレートリミッターのトークン待ちが期限を超えた場合のエラー。
	ErrRateLimitTimeout = errors.New("rate limit wait exceeded deadline")
	// ErrUpstreamRejected は上流APIが再試行不能な4xxを返した場合のエラー。
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrUpstreamTransient は5xx/ネットワーク障害が再試行後も解消しなかった場合のエラー。
	ErrUpstreamTransient = errors.New("upstream transient failure")
	// ErrChannelMisconfigured はチャネルの宛先が未設定の場合のエラー。
	ErrChannelMisconfigured = errors.New("channel misconfigured")
	// ErrDeliveryExhausted は配信の再試行上限に達した場合のエラー。
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
	// ErrStoreUnavailable はストアへの読み書きに失敗した場合のエラー。
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrMonitorNotFound は指定IDのモニターが存在しない場合のエラー。
	ErrMonitorNotFound = errors.New("monitor not found")
	// ErrCheckInFlight は同一モニターのチェックが実行中の場合のエラー。
	ErrCheckInFlight = errors.New("check already in flight")
)

// UpstreamError は上流API呼び出しの失敗詳細を保持する。
// ErrはErrUpstreamRejected、ErrUpstreamTransient、ErrRateLimitTimeoutのいずれか。
type UpstreamError struct {
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Cause      error
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	msg := e.Err.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap はerrors.Is/Asのために分類エラーと原因エラーを返す。
func (e *UpstreamError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// StoreError はストア操作の失敗をErrStoreUnavailableとして分類する。
type StoreError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable.Error(), e.Op, e.Err)
}

// Unwrap はErrStoreUnavailableと原因エラーを返す。
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// NewStoreError はストア操作の失敗をラップする。errがnilの場合はnilを返す。
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, monitor, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidMonitor   = "INVALID_MONITOR"
	ErrCodeInvalidInterval  = "INVALID_CHECK_INTERVAL"
	ErrCodeMonitorNotFound  = "MONITOR_NOT_FOUND"
	ErrCodeCheckInFlight    = "CHECK_IN_FLIGHT"
	ErrCodeCourseNotFound   = "COURSE_NOT_FOUND"
	ErrCodeUpstreamFailed   = "UPSTREAM_FAILED"
	ErrCodeInvalidWebhook   = "INVALID_WEBHOOK_URL"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// NewInvalidMonitorError はモニター設定の検証エラーを生成する。
func NewInvalidMonitorError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMonitor,
		Message:  fmt.Sprintf("モニター設定が不正です: %s", reason),
		Category: "validation",
		Action:   "term、subject、courseNumber、sectionsを確認してください。",
	}
}

// NewInvalidIntervalError はチェック間隔が下限未満の場合のエラーを生成する。
func NewInvalidIntervalError(interval, minInterval time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInterval,
		Message:  fmt.Sprintf("無効なチェック間隔です: %s（下限 %s）", interval, minInterval),
		Category: "validation",
		Action:   fmt.Sprintf("チェック間隔は%s以上で指定してください。", minInterval),
	}
}

// NewMonitorNotFoundError はモニターが見つからない場合のエラーを生成する。
func NewMonitorNotFoundError(monitorID string) *APIError {
	return &APIError{
		Code:     ErrCodeMonitorNotFound,
		Message:  fmt.Sprintf("指定されたモニターが見つかりません: %s", monitorID),
		Category: "monitor",
		Action:   "モニターIDを確認してください。",
	}
}

// NewCheckInFlightError は即時チェックが実行中のサイクルと重なった場合のエラーを生成する。
func NewCheckInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeCheckInFlight,
		Message:  "このモニターのチェックは現在実行中です。",
		Category: "monitor",
		Action:   "チェック完了後に再度お試しください。",
	}
}

// NewCourseNotFoundError は上流にコースが存在しない場合のエラーを生成する。
func NewCourseNotFoundError(subject, courseNumber string) *APIError {
	return &APIError{
		Code:     ErrCodeCourseNotFound,
		Message:  fmt.Sprintf("コースが見つかりません: %s %s", subject, courseNumber),
		Category: "upstream",
		Action:   "科目コードとコース番号を確認してください。",
	}
}

// NewUpstreamFailedError は上流APIの取得失敗エラーを生成する。
func NewUpstreamFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  fmt.Sprintf("定員データの取得に失敗しました: %s", reason),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidWebhookError はWebhook URLが安全でない場合のエラーを生成する。
func NewInvalidWebhookError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhook,
		Message:  fmt.Sprintf("Webhook URLが無効です: %s", reason),
		Category: "validation",
		Action:   "公開されているhttp/httpsのURLを指定してください。",
	}
}

// NewStoreUnavailableError はストア障害時のエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
