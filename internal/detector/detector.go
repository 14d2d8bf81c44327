// Package detector は2つの定員スナップショットを比較して変化イベントを分類する。
// 副作用を持たない純粋関数として実装し、同一入力には常に同一出力を返す。
package detector

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/seatwatch/internal/model"
)

// eventNamespace はイベントIDを決定的に生成するためのUUID名前空間。
var eventNamespace = uuid.MustParse("5b0c2f8e-6a4d-4c1e-9f0a-2d7e3b1c9a55")

// Detect は直前のスナップショットと現在のスナップショットを比較し、
// 通知設定に基づいて0件以上のイベントを返す。
//
// previousがnil（初回チェック）の場合はベースライン確立のみでイベントは生成しない。
// 判定ルールは以下の優先順で独立に評価する:
//  1. CLOSED/CANCELLED → OPEN かつ notifyOnOpen: SEAT_OPENED
//  2. ウェイトリスト空きが 0(未取得) → 正 かつ notifyOnWaitlist: WAITLIST_OPENED
//  3. OPENのまま空席数が増加 かつ notifyOnOpen: SEAT_COUNT_INCREASED（1が発火した場合は除く）
//  4. 1で扱わなかったステータス変化: STATUS_CHANGED（通知設定に関係なく常に生成）
func Detect(previous *model.EnrollmentSnapshot, current model.EnrollmentSnapshot, prefs model.NotificationPrefs) []model.NotificationEvent {
	if previous == nil {
		return nil
	}

	var events []model.NotificationEvent
	statusChanged := previous.Status != current.Status

	seatOpened := false
	if prefs.NotifyOnOpen && current.Status == model.StatusOpen &&
		(previous.Status == model.StatusClosed || previous.Status == model.StatusCancelled) {
		seatOpened = true
		events = append(events, newEvent(model.EventSeatOpened, previous, current))
	}

	if prefs.NotifyOnWaitlist && previous.WaitlistOpenCount() == 0 && current.WaitlistOpenCount() > 0 {
		events = append(events, newEvent(model.EventWaitlistOpened, previous, current))
	}

	// 同じ遷移をSEAT_OPENEDとSEAT_COUNT_INCREASEDで二重に通知しない
	if prefs.NotifyOnOpen && !seatOpened &&
		current.Status == model.StatusOpen && current.OpenSeats > previous.OpenSeats {
		events = append(events, newEvent(model.EventSeatCountIncreased, previous, current))
	}

	if statusChanged && !seatOpened {
		events = append(events, newEvent(model.EventStatusChanged, previous, current))
	}

	return events
}

// newEvent はイベントを生成する。IDと生成時刻は入力のみから決まる。
func newEvent(kind model.EventKind, previous *model.EnrollmentSnapshot, current model.EnrollmentSnapshot) model.NotificationEvent {
	prev := *previous
	return model.NotificationEvent{
		ID:          eventID(kind, current),
		MonitorID:   current.MonitorID,
		SectionID:   current.SectionID,
		Kind:        kind,
		Previous:    &prev,
		Current:     current,
		GeneratedAt: current.Timestamp,
	}
}

func eventID(kind model.EventKind, current model.EnrollmentSnapshot) string {
	key := strings.Join([]string{
		current.MonitorID,
		current.SectionID,
		string(kind),
		strconv.FormatInt(current.Timestamp.UnixNano(), 10),
	}, "|")
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}
