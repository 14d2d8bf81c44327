package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/seatwatch/internal/detector"
	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/model"
)

// runCycle は1モニター分のチェックサイクルを実行する。
// 取得 → セクションごとの検出 → 通知 → スナップショット保存 → lastChecked更新の順に処理する。
// 通知を試みる前にスナップショットを保存することはない。
func (s *Scheduler) runCycle(ctx context.Context, e *entry) {
	start := s.now()
	m := s.monitorOf(e)
	logger := s.logger.With(slog.String("monitor_id", m.ID))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	course, err := s.fetcher.Fetch(ctx, m.Term, m.Subject, m.CourseNumber)
	if err != nil {
		logger.Warn("上流APIからの取得に失敗しました",
			slog.String("term", m.Term),
			slog.String("subject", m.Subject),
			slog.String("course_number", m.CourseNumber),
			slog.String("error", err.Error()),
		)
		if !s.removed(e) {
			s.touch(ctx, logger, m.ID, start, false)
		}
		s.metrics.RecordCheckCycle(metrics.CycleUpstreamError, s.now().Sub(start))
		return
	}

	prefs := m.Prefs()
	storeFailed := false
	seen := make(map[string]bool, len(course.Sections))
	eventCount := 0

	for _, sec := range course.Sections {
		if !m.Watches(sec.SectionID) {
			continue
		}
		seen[sec.SectionID] = true

		prev, err := s.snapshots.Last(ctx, m.ID, sec.SectionID)
		if err != nil {
			// 前回値が不明なまま比較すると変化を取りこぼすため、このセクションは次回に回す
			logger.Error("前回スナップショットの取得に失敗しました",
				slog.String("section_id", sec.SectionID),
				slog.String("error", err.Error()),
			)
			storeFailed = true
			continue
		}

		current := model.NewSnapshot(m.ID, sec, s.snapshotTime(prev))
		for _, ev := range detector.Detect(prev, current, prefs) {
			s.emit(ctx, logger, withCourse(ev, m, course), prefs)
			eventCount++
		}

		if s.removed(e) {
			continue
		}
		if err := s.snapshots.Append(ctx, &current); err != nil {
			logger.Error("スナップショットの保存に失敗しました",
				slog.String("section_id", sec.SectionID),
				slog.String("error", err.Error()),
			)
			storeFailed = true
		}
	}

	if !m.WatchesAll() {
		for _, id := range m.Sections {
			if !seen[id] {
				logger.Warn("監視対象のセクションが上流データに存在しません",
					slog.String("section_id", id),
				)
			}
		}
	}

	if s.removed(e) {
		logger.Info("チェック中にモニターが削除されたため結果を保存しませんでした")
		return
	}

	if !s.touch(ctx, logger, m.ID, start, !storeFailed) {
		storeFailed = true
	}

	outcome := metrics.CycleSuccess
	if storeFailed {
		outcome = metrics.CycleStoreError
	}
	duration := s.now().Sub(start)
	s.metrics.RecordCheckCycle(outcome, duration)
	logger.Debug("チェックサイクルが完了しました",
		slog.Int("sections", len(seen)),
		slog.Int("events", eventCount),
		slog.String("outcome", outcome),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
}

// snapshotTime は前回スナップショットより厳密に後の時刻を返す。
func (s *Scheduler) snapshotTime(prev *model.EnrollmentSnapshot) time.Time {
	at := s.now().UTC()
	if prev != nil && !at.After(prev.Timestamp) {
		at = prev.Timestamp.Add(time.Microsecond)
	}
	return at
}

// emit はイベントをライブストリームと外部配信先へ流し、チャネルへ配信する。
func (s *Scheduler) emit(ctx context.Context, logger *slog.Logger, ev model.NotificationEvent, prefs model.NotificationPrefs) {
	s.metrics.RecordEvent(string(ev.Kind))
	logger.Info("定員の変化を検出しました",
		slog.String("event_id", ev.ID),
		slog.String("section_id", ev.SectionID),
		slog.String("kind", string(ev.Kind)),
		slog.String("status", string(ev.Current.Status)),
		slog.Int("open_seats", ev.Current.OpenSeats),
	)

	_ = s.stream.Publish(ctx, ev)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			logger.Warn("イベントの外部配信に失敗しました",
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, a := range s.notifier.Dispatch(ctx, ev, prefs) {
		if a.Outcome != model.OutcomeSuccess {
			logger.Warn("通知の配信に失敗しました",
				slog.String("event_id", ev.ID),
				slog.String("channel", string(a.Channel)),
				slog.String("outcome", string(a.Outcome)),
				slog.Int("attempts", a.AttemptNumber),
				slog.String("error", a.Error),
			)
		}
	}
}

// touch はlastCheckedを更新する。失敗した場合はfalseを返す。
func (s *Scheduler) touch(ctx context.Context, logger *slog.Logger, id string, checkedAt time.Time, success bool) bool {
	if err := s.monitors.Touch(ctx, id, checkedAt.UTC(), success); err != nil {
		logger.Error("チェック時刻の更新に失敗しました",
			slog.Bool("success", success),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// withCourse はレンダリング用のコース情報をイベントに付与する。
func withCourse(ev model.NotificationEvent, m model.Monitor, course *model.CourseData) model.NotificationEvent {
	ev.Term = firstNonEmpty(course.Term, m.Term)
	ev.Subject = firstNonEmpty(course.Subject, m.Subject)
	ev.CourseNumber = firstNonEmpty(course.CourseNumber, m.CourseNumber)
	ev.CourseTitle = course.Title
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
