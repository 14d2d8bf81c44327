// Package events は検出イベントのライブ配信を扱う。
// プロセス内のファンアウト、WebSocketクライアントへの中継、メッセージブローカーへの発行を含む。
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/seatwatch/internal/model"
)

// Publisher は検出イベントの公開先を表す。
type Publisher interface {
	Publish(ctx context.Context, event model.NotificationEvent) error
}

// Multi は複数のPublisherへ順に公開する。
// 一部が失敗しても残りへの公開は続け、エラーはまとめて返す。
type Multi []Publisher

// Publish はPublisherインターフェースを実装する。
func (m Multi) Publish(ctx context.Context, event model.NotificationEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster はイベントをプロセス内の購読者へファンアウトする。
// 購読者の受信が追いつかない場合、そのイベントはその購読者に対してのみ破棄される。
type Broadcaster struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan model.NotificationEvent
}

// NewBroadcaster はBroadcasterの新しいインスタンスを生成する。
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[int]chan model.NotificationEvent),
	}
}

// Subscribe は購読を開始し、受信チャネルと購読解除関数を返す。
// 解除後、チャネルはクローズされる。解除関数は複数回呼んでもよい。
func (b *Broadcaster) Subscribe(buffer int) (<-chan model.NotificationEvent, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan model.NotificationEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish は全購読者へイベントを送る。ブロックしない。
func (b *Broadcaster) Publish(_ context.Context, event model.NotificationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("購読者の受信バッファが満杯のためイベントを破棄しました",
				slog.Int("subscriber", id),
				slog.String("event_id", event.ID),
				slog.String("kind", string(event.Kind)),
			)
		}
	}
	return nil
}

// Len は現在の購読者数を返す。
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
