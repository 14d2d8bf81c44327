package events

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/seatwatch/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

// ErrHubClosed はHubの停止後に公開しようとした場合に返される。
var ErrHubClosed = errors.New("event hub is closed")

// wsClient はWebSocketで接続中のクライアント。
// monitorIDが空でなければ、そのモニターのイベントのみを受け取る。
type wsClient struct {
	conn      *websocket.Conn
	send      chan model.NotificationEvent
	monitorID string
}

// Hub は接続中のWebSocketクライアントへイベントを中継する。
// クライアント集合はRunのgoroutineだけが変更する。
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan model.NotificationEvent
	done       chan struct{}

	clients map[*wsClient]struct{}
	count   atomic.Int64
}

// NewHub はHubの新しいインスタンスを生成する。Runを呼ぶまで配信は行われない。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 同一オリジン制限はリバースプロキシ側で行う
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan model.NotificationEvent, 64),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Run はctxがキャンセルされるまでクライアントの登録・解除とイベント中継を行う。
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.remove(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("WebSocketクライアントを登録しました",
				slog.String("remote_addr", c.conn.RemoteAddr().String()),
				slog.String("monitor_id", c.monitorID),
				slog.Int("clients", len(h.clients)),
			)

		case c := <-h.unregister:
			h.remove(c)

		case ev := <-h.broadcast:
			for c := range h.clients {
				if c.monitorID != "" && c.monitorID != ev.MonitorID {
					continue
				}
				select {
				case c.send <- ev:
				default:
					h.logger.Warn("送信が滞留しているWebSocketクライアントを切断しました",
						slog.String("remote_addr", c.conn.RemoteAddr().String()),
					)
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// Publish はイベントを中継キューへ積む。Publisherインターフェースを実装する。
func (h *Hub) Publish(ctx context.Context, event model.NotificationEvent) error {
	select {
	case h.broadcast <- event:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount は接続中のクライアント数を返す。
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// HandleWebSocket はHTTP接続をWebSocketにアップグレードしてクライアントを登録する。
// クエリパラメータmonitor_idで購読するモニターを絞り込める。
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{
		conn:      conn,
		send:      make(chan model.NotificationEvent, clientSendSize),
		monitorID: r.URL.Query().Get("monitor_id"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump はクライアントからの切断とpongを検出する。受信したメッセージは捨てる。
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocketの読み込みに失敗しました", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump はsendに積まれたイベントをJSONで書き込み、定期的にpingを送る。
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Warn("WebSocketへの書き込みに失敗しました", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
