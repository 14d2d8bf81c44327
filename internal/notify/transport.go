// Package notify は検出イベントをチャネルごとに配信する。
// チャネル単位の独立したリトライ、メッセージ生成、各チャネルの送信実装を含む。
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/seatwatch/internal/model"
)

// Message はチャネル向けに生成した送信内容。
type Message struct {
	Subject     string
	Body        string
	ContentType string
}

// Transport はチャネルへの送信インターフェース。
// 返すエラーがRetryable() boolを実装する場合、falseなら再試行しない。
type Transport interface {
	Send(ctx context.Context, channel model.Channel, endpoint string, msg Message) error
}

// TransportFunc は関数をTransportとして扱うアダプタ。
type TransportFunc func(ctx context.Context, channel model.Channel, endpoint string, msg Message) error

// Send はTransportインターフェースを実装する。
func (f TransportFunc) Send(ctx context.Context, channel model.Channel, endpoint string, msg Message) error {
	return f(ctx, channel, endpoint, msg)
}

// SendError は送信失敗の詳細と再試行可否を保持する。
type SendError struct {
	Channel    model.Channel
	StatusCode int
	Retry      bool
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s送信に失敗しました (status %d): %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s送信に失敗しました: %v", e.Channel, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable は再試行で成功する可能性があるかを返す。
func (e *SendError) Retryable() bool {
	return e.Retry
}

// IsRetryable はエラーが再試行対象かを判定する。
// Retryable() boolを実装しないエラーは再試行対象とする。
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Mux はチャネルごとのTransportを束ねる。
// 送信実装が登録されていないチャネルはErrChannelMisconfiguredとして扱う。
type Mux map[model.Channel]Transport

// Send は登録されたチャネルのTransportに委譲する。
func (m Mux) Send(ctx context.Context, channel model.Channel, endpoint string, msg Message) error {
	t, ok := m[channel]
	if !ok || t == nil {
		return &SendError{Channel: channel, Retry: false, Err: model.ErrChannelMisconfigured}
	}
	return t.Send(ctx, channel, endpoint, msg)
}

// classifyHTTPStatus は送信先のHTTPステータスから再試行可否を決める。
// 429と5xxは再試行、それ以外の4xxは再試行しない。
func classifyHTTPStatus(statusCode int) bool {
	return statusCode == 429 || statusCode >= 500
}
