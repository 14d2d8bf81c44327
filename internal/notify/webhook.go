package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/seatwatch/internal/model"
)

// WebhookTransport はJSONペイロードをHTTP POSTで送信する。
// 本番ではsecurity.WebhookGuard.NewSafeClientで生成したクライアントを渡す。
type WebhookTransport struct {
	httpClient *http.Client
}

// NewWebhookTransport はWebhookTransportの新しいインスタンスを生成する。
func NewWebhookTransport(httpClient *http.Client) *WebhookTransport {
	return &WebhookTransport{httpClient: httpClient}
}

// Send はendpointへmsg.BodyをPOSTする。2xx以外は失敗として扱う。
func (t *WebhookTransport) Send(ctx context.Context, channel model.Channel, endpoint string, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return &SendError{Channel: channel, Retry: false, Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "seatwatch-webhook/1.0")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &SendError{Channel: channel, Retry: true, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SendError{
			Channel:    channel,
			StatusCode: resp.StatusCode,
			Retry:      classifyHTTPStatus(resp.StatusCode),
			Err:        fmt.Errorf("webhook endpoint returned %s", resp.Status),
		}
	}
	return nil
}
