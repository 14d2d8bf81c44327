package model

import "time"

// EventKind は検出された変化の種別。
type EventKind string

const (
	// EventSeatOpened はCLOSED/CANCELLEDからOPENへの遷移。
	EventSeatOpened EventKind = "SEAT_OPENED"
	// EventWaitlistOpened はウェイトリストに空きが出た変化。
	EventWaitlistOpened EventKind = "WAITLIST_OPENED"
	// EventSeatCountIncreased はOPENのまま空席数が増えた変化。
	EventSeatCountIncreased EventKind = "SEAT_COUNT_INCREASED"
	// EventStatusChanged はその他のステータス変化（情報通知のみ）。
	EventStatusChanged EventKind = "STATUS_CHANGED"
	// EventTestNotification は通知経路の確認用に手動で送る合成イベント。
	EventTestNotification EventKind = "TEST_NOTIFICATION"
)

// Notifiable はチャネル配信の対象となる種別かを返す。
// STATUS_CHANGEDは履歴・ライブ配信専用でチャネルには送らない。
func (k EventKind) Notifiable() bool {
	return k != EventStatusChanged
}

// NotificationEvent は検出器の出力。1回のチェックサイクル内で生成・消費される。
type NotificationEvent struct {
	ID           string              `json:"id"`
	MonitorID    string              `json:"monitor_id"`
	SectionID    string              `json:"section_id"`
	Kind         EventKind           `json:"kind"`
	Previous     *EnrollmentSnapshot `json:"previous"`
	Current      EnrollmentSnapshot  `json:"current"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Term         string              `json:"term"`
	Subject      string              `json:"subject"`
	CourseNumber string              `json:"course_number"`
	CourseTitle  string              `json:"course_title"`
}

// Channel は通知チャネル。
type Channel string

const (
	// ChannelEmail はメール通知。
	ChannelEmail Channel = "email"
	// ChannelSMS はSMS通知。
	ChannelSMS Channel = "sms"
	// ChannelWebhook はWebhook通知。
	ChannelWebhook Channel = "webhook"
)

// Valid はサポート対象のチャネルかを返す。
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook:
		return true
	}
	return false
}

// AllChannels はサポートする全チャネル（評価順）。
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelWebhook}

// DeliveryOutcome は配信試行の結果。
type DeliveryOutcome string

const (
	// OutcomeSuccess は配信成功。
	OutcomeSuccess DeliveryOutcome = "SUCCESS"
	// OutcomeFailed は再試行予定の失敗。
	OutcomeFailed DeliveryOutcome = "FAILED"
	// OutcomeExhausted は再試行上限到達または再試行不能な失敗。
	OutcomeExhausted DeliveryOutcome = "EXHAUSTED"
)

// DeliveryAttempt はチャネルごとの配信試行記録。
type DeliveryAttempt struct {
	ID            int64           `json:"id,omitempty"`
	EventID       string          `json:"event_id"`
	MonitorID     string          `json:"monitor_id"`
	SectionID     string          `json:"section_id"`
	Kind          EventKind       `json:"kind"`
	Channel       Channel         `json:"channel"`
	AttemptNumber int             `json:"attempt_number"`
	Outcome       DeliveryOutcome `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	// Err は失敗時の元のエラー。EXHAUSTEDの場合はErrDeliveryExhaustedでerrors.Is判定できる。
	Err error `json:"-"`
}
