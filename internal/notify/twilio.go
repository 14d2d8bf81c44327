package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/seatwatch/internal/model"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioTransport はTwilio Messages APIでSMSを送信する。
type TwilioTransport struct {
	httpClient *http.Client
	accountSID string
	authToken  string
	from       string
	baseURL    string // テスト用に差し替え可能
}

// NewTwilioTransport はTwilioTransportの新しいインスタンスを生成する。
func NewTwilioTransport(httpClient *http.Client, accountSID, authToken, from string) *TwilioTransport {
	return &TwilioTransport{
		httpClient: httpClient,
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    defaultTwilioBaseURL,
	}
}

type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send はendpoint（E.164形式の電話番号）へmsg.Bodyを送信する。
func (t *TwilioTransport) Send(ctx context.Context, channel model.Channel, endpoint string, msg Message) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))

	form := url.Values{}
	form.Set("To", endpoint)
	form.Set("From", t.from)
	form.Set("Body", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &SendError{Channel: channel, Retry: false, Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &SendError{Channel: channel, Retry: true, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := fmt.Errorf("twilio returned %s", resp.Status)
	var apiErr twilioErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		detail = fmt.Errorf("twilio error %d: %s", apiErr.Code, apiErr.Message)
	}
	return &SendError{
		Channel:    channel,
		StatusCode: resp.StatusCode,
		Retry:      classifyHTTPStatus(resp.StatusCode),
		Err:        detail,
	}
}
