package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/seatwatch/internal/model"
)

// AMQPPublisher は検出イベントをRabbitMQの永続キューへ発行する。
type AMQPPublisher struct {
	conn   *amqp.Connection
	logger *slog.Logger
	queue  string

	// amqp.Channelは並行な発行に対応していないため排他する
	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPPublisher はブローカーへ接続し、durableなキューを宣言する。
func NewAMQPPublisher(url, queue string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("AMQPブローカーへの接続に失敗しました: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("AMQPチャネルの作成に失敗しました: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("キュー %q の宣言に失敗しました: %w", queue, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Publish はイベントをJSONで発行する。メッセージは永続化される。
func (p *AMQPPublisher) Publish(ctx context.Context, event model.NotificationEvent) error {
	pub, err := buildPublishing(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.logger.Error("イベントの発行に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("queue", p.queue),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("イベントの発行に失敗しました: %w", err)
	}
	return nil
}

// buildPublishing はイベントからAMQPメッセージを組み立てる。
func buildPublishing(event model.NotificationEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Timestamp:    event.GeneratedAt.UTC(),
		Headers: amqp.Table{
			"monitor_id": event.MonitorID,
			"section_id": event.SectionID,
		},
		Body: body,
	}, nil
}

// Close はチャネルと接続を閉じる。
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
