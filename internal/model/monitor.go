// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// AllSections は監視対象として全セクションを指定するセンチネル値。
const AllSections = "all"

// Monitor はユーザーの空席監視リクエスト（1コース分）を表す。
// IDは作成後に変更されない。
type Monitor struct {
	ID                  string
	Term                string
	Subject             string
	CourseNumber        string
	Sections            []string
	NotifyOnOpen        bool
	NotifyOnWaitlist    bool
	CheckInterval       time.Duration
	Cooldown            time.Duration
	NotifyChannels      []Channel
	Channels            ChannelEndpoints
	Active              bool
	LastChecked         *time.Time
	LastSuccessfulCheck *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ChannelEndpoints は通知チャネルごとの宛先を保持する。
// 空文字列のチャネルは未設定として扱う。
type ChannelEndpoints struct {
	Email   string
	SMS     string
	Webhook string
}

// Endpoint は指定チャネルの宛先を返す。
func (c ChannelEndpoints) Endpoint(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.SMS
	case ChannelWebhook:
		return c.Webhook
	default:
		return ""
	}
}

// NotificationPrefs は検出器とディスパッチャーが参照する通知設定。
type NotificationPrefs struct {
	NotifyOnOpen     bool
	NotifyOnWaitlist bool
	// EnabledChannels は配信を試みるチャネル。宛先の有無は問わない。
	EnabledChannels []Channel
	Endpoints       ChannelEndpoints
	// Cooldown はSUCCESS後に同一（セクション, 種別）の配信を抑止する期間。0は無効。
	Cooldown time.Duration
}

// Prefs はMonitorから通知設定を組み立てる。
func (m *Monitor) Prefs() NotificationPrefs {
	enabled := make([]Channel, len(m.NotifyChannels))
	copy(enabled, m.NotifyChannels)
	return NotificationPrefs{
		NotifyOnOpen:     m.NotifyOnOpen,
		NotifyOnWaitlist: m.NotifyOnWaitlist,
		EnabledChannels:  enabled,
		Endpoints:        m.Channels,
		Cooldown:         m.Cooldown,
	}
}

// WatchesAll は全セクションを監視対象とするかを返す。
func (m *Monitor) WatchesAll() bool {
	return len(m.Sections) == 1 && strings.EqualFold(m.Sections[0], AllSections)
}

// Watches は指定セクションが監視対象かを返す。
func (m *Monitor) Watches(sectionID string) bool {
	if m.WatchesAll() {
		return true
	}
	for _, s := range m.Sections {
		if s == sectionID {
			return true
		}
	}
	return false
}

// Validate はMonitorの不変条件を検証する。
// checkIntervalはminInterval以上、sectionsは空でないこと（"all"を除く）。
func (m *Monitor) Validate(minInterval time.Duration) error {
	if strings.TrimSpace(m.Term) == "" {
		return NewInvalidMonitorError("termは必須です")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return NewInvalidMonitorError("subjectは必須です")
	}
	if strings.TrimSpace(m.CourseNumber) == "" {
		return NewInvalidMonitorError("courseNumberは必須です")
	}
	if len(m.Sections) == 0 {
		return NewInvalidMonitorError("sectionsは1件以上指定するか \"all\" を指定してください")
	}
	if len(m.Sections) > 1 {
		seen := make(map[string]bool, len(m.Sections))
		for _, s := range m.Sections {
			if strings.EqualFold(s, AllSections) {
				return NewInvalidMonitorError("\"all\" は単独で指定してください")
			}
			if s == "" || seen[s] {
				return NewInvalidMonitorError(fmt.Sprintf("不正なセクションIDです: %q", s))
			}
			seen[s] = true
		}
	} else if strings.TrimSpace(m.Sections[0]) == "" {
		return NewInvalidMonitorError("セクションIDが空です")
	}
	if err := ValidateInterval(m.CheckInterval, minInterval); err != nil {
		return err
	}
	for _, ch := range m.NotifyChannels {
		if !ch.Valid() {
			return NewInvalidMonitorError(fmt.Sprintf("不明な通知チャネルです: %q", ch))
		}
	}
	if m.Cooldown < 0 {
		return NewInvalidMonitorError("cooldownは0以上で指定してください")
	}
	return nil
}

// ValidateInterval はチェック間隔が下限以上であることを検証する。
func ValidateInterval(interval, minInterval time.Duration) error {
	if interval < minInterval {
		return NewInvalidIntervalError(interval, minInterval)
	}
	return nil
}

// NormalizeSubject は科目コードから空白を除去し大文字化する（例: "COMP SCI" -> "COMPSCI"）。
func NormalizeSubject(subject string) string {
	return strings.ToUpper(strings.ReplaceAll(subject, " ", ""))
}
