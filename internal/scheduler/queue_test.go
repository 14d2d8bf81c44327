package scheduler

import (
	"testing"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

func newQueueEntry(id string) *entry {
	return &entry{monitor: model.Monitor{ID: id}, index: -1}
}

func TestDueQueue_PopsInNextRunOrder(t *testing.T) {
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	var q dueQueue
	a, b, c := newQueueEntry("a"), newQueueEntry("b"), newQueueEntry("c")
	q.schedule(a, base.Add(3*time.Minute))
	q.schedule(b, base.Add(1*time.Minute))
	q.schedule(c, base.Add(2*time.Minute))

	due := q.popDue(base.Add(2 * time.Minute))
	if len(due) != 2 || due[0] != b || due[1] != c {
		t.Fatalf("popDue = %v, want [b c]", ids(due))
	}
	if b.queued() || c.queued() {
		t.Error("取り出したエントリはキュー外になるべき")
	}
	if head := q.peek(); head != a {
		t.Errorf("peek = %v, want a", head)
	}
}

func TestDueQueue_TieBrokenByID(t *testing.T) {
	at := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	var q dueQueue
	q.schedule(newQueueEntry("m-2"), at)
	q.schedule(newQueueEntry("m-1"), at)

	due := q.popDue(at)
	if got := ids(due); len(got) != 2 || got[0] != "m-1" || got[1] != "m-2" {
		t.Errorf("同時刻はID順に取り出されるべき: %v", got)
	}
}

func TestDueQueue_RescheduleMovesEntry(t *testing.T) {
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	var q dueQueue
	a, b := newQueueEntry("a"), newQueueEntry("b")
	q.schedule(a, base.Add(time.Minute))
	q.schedule(b, base.Add(2*time.Minute))

	q.schedule(a, base.Add(5*time.Minute))
	if q.Len() != 2 {
		t.Fatalf("再登録で重複してはならない: Len = %d", q.Len())
	}
	if q.peek() != b {
		t.Errorf("peek = %s, want b", q.peek().monitor.ID)
	}
}

func TestDueQueue_Cancel(t *testing.T) {
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	var q dueQueue
	a, b := newQueueEntry("a"), newQueueEntry("b")
	q.schedule(a, base)
	q.schedule(b, base.Add(time.Minute))

	q.cancel(a)
	q.cancel(a)
	if a.queued() || q.Len() != 1 {
		t.Fatalf("cancel後: queued=%v Len=%d", a.queued(), q.Len())
	}
	if due := q.popDue(base); len(due) != 0 {
		t.Errorf("取り消したエントリが取り出された: %v", ids(due))
	}
}

func TestDueQueue_EmptyPeek(t *testing.T) {
	var q dueQueue
	if q.peek() != nil {
		t.Error("空のキューのpeekはnilであるべき")
	}
	if due := q.popDue(time.Now()); due != nil {
		t.Errorf("空のキューのpopDue = %v", ids(due))
	}
}

func ids(entries []*entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.monitor.ID
	}
	return out
}
