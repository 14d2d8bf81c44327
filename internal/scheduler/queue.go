package scheduler

import (
	"container/heap"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

// State はモニターのスケジューリング状態。
type State string

const (
	// StateStopped はスケジューラー停止中または未起動の状態。
	StateStopped State = "STOPPED"
	// StateArmed は次回実行時刻がキューに登録されている状態。
	StateArmed State = "ARMED"
	// StateChecking はチェックサイクルが実行中の状態。
	StateChecking State = "CHECKING"
	// StatePaused は一時停止中の状態。キューには登録されない。
	StatePaused State = "PAUSED"
	// StateRemoved は削除済みの状態。
	StateRemoved State = "REMOVED"
)

// entry はスケジューラーが管理する1モニター分の状態。
// フィールドはScheduler.muの保護下でのみ読み書きする。
type entry struct {
	monitor  model.Monitor
	state    State
	nextRun  time.Time
	inFlight bool
	// index はdueQueue内の位置。キューに存在しない場合は-1。
	index int
}

func (e *entry) queued() bool {
	return e.index >= 0
}

// dueQueue はnextRunが早い順に並ぶ最小ヒープ。
type dueQueue []*entry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].nextRun.Equal(q[j].nextRun) {
		return q[i].monitor.ID < q[j].monitor.ID
	}
	return q[i].nextRun.Before(q[j].nextRun)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// peek は最も早く実行すべきエントリを返す。空の場合はnil。
func (q dueQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// schedule はエントリをat時点で実行するようキューに登録または再配置する。
func (q *dueQueue) schedule(e *entry, at time.Time) {
	e.nextRun = at
	if e.queued() {
		heap.Fix(q, e.index)
		return
	}
	heap.Push(q, e)
}

// cancel はエントリをキューから取り除く。
func (q *dueQueue) cancel(e *entry) {
	if !e.queued() {
		return
	}
	heap.Remove(q, e.index)
}

// popDue はnow以前に実行予定のエントリをすべて取り出す。
func (q *dueQueue) popDue(now time.Time) []*entry {
	var due []*entry
	for {
		head := q.peek()
		if head == nil || head.nextRun.After(now) {
			return due
		}
		due = append(due, heap.Pop(q).(*entry))
	}
}
