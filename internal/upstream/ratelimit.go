package upstream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errWaitExceedsDeadline は次の枠が空く時刻が呼び出し元のdeadlineより後の場合のエラー。
var errWaitExceedsDeadline = errors.New("rate limit wait would exceed context deadline")

// slidingWindow は直近windowの許可時刻を記録し、任意のwindow幅でlimit回を超えないよう待機させる。
// grantsは長さlimitのリングで、満杯のときnextが最も古い許可時刻を指す。
type slidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	grants []time.Time
	next   int
	count  int
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		grants: make([]time.Time, limit),
	}
}

// Wait は枠が空くまで待機し、許可時刻を記録する。
// 待機がctxのdeadlineを超える場合は待たずにエラーを返す。
func (w *slidingWindow) Wait(ctx context.Context) error {
	for {
		wait, ok := w.reserve()
		if ok {
			return nil
		}
		if deadline, has := ctx.Deadline(); has && w.now().Add(wait).After(deadline) {
			return errWaitExceedsDeadline
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve は枠があれば記録してok=trueを返す。なければ最古の許可が窓から外れるまでの時間を返す。
func (w *slidingWindow) reserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.count == w.limit {
		if wait := w.grants[w.next].Add(w.window).Sub(now); wait > 0 {
			return wait, false
		}
	}

	w.grants[w.next] = now
	w.next = (w.next + 1) % w.limit
	if w.count < w.limit {
		w.count++
	}
	return 0, true
}
