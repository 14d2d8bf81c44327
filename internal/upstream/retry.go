package upstream

import (
	"net/http"
	"time"
)

// FetchResult はHTTPステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultReject は再試行しても結果が変わらないステータス（429以外の4xx）。
	FetchResultReject
	// FetchResultRetry はバックオフ後に再試行するステータス（429/5xx）。
	FetchResultRetry
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
// 想定外のステータス（3xx等）は再試行不能として扱う。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == http.StatusOK:
		return FetchResultOK
	case statusCode == http.StatusTooManyRequests:
		return FetchResultRetry
	case statusCode >= 500:
		return FetchResultRetry
	default:
		return FetchResultReject
	}
}

// CalculateBackoff はattempt回目（1始まり）の失敗後の待機時間を計算する。
// base から2倍ずつ増加し、maxで頭打ちになる。
func CalculateBackoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
