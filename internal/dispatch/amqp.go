package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPProvider はメッセージをRabbitMQに発行し、配信は下流のワーカーに任せる。
// publisher confirmsでブローカーの受理を確認してから成功とする。
type AMQPProvider struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	acks       <-chan amqp.Confirmation
	exchange   string
	routingKey string

	// mu はconfirmの対応が崩れないようPublishを直列化する。
	mu sync.Mutex
}

var _ Provider = (*AMQPProvider)(nil)

// NewAMQPProvider はRabbitMQに接続してconfirmモードのチャンネルを開く。
// exchangeが空でない場合はdurableなtopic exchangeとして宣言する。
func NewAMQPProvider(url, exchange, routingKey string) (*AMQPProvider, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャンネルの作成に失敗: %w", err)
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("exchangeの宣言に失敗: %w", err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("confirmモードの有効化に失敗: %w", err)
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &AMQPProvider{
		conn:       conn,
		ch:         ch,
		acks:       acks,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// Name はプロバイダ名を返す。
func (p *AMQPProvider) Name() string { return "amqp" }

// Send はメッセージを永続メッセージとして発行し、ブローカーのackを待つ。
func (p *AMQPProvider) Send(ctx context.Context, msg *Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	id := uuid.New().String()

	p.mu.Lock()
	defer p.mu.Unlock()

	tag := p.ch.GetNextPublishSeqNo()
	if err := p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}); err != nil {
		return "", fmt.Errorf("メッセージの発行に失敗: %w", err)
	}

	for {
		select {
		case conf, ok := <-p.acks:
			if !ok {
				return "", errors.New("confirmチャンネルが閉じられた")
			}
			if conf.DeliveryTag < tag {
				// タイムアウトした以前の発行に対するconfirm
				continue
			}
			if !conf.Ack {
				return "", errors.New("ブローカーがメッセージをNACKした")
			}
			return id, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close はチャンネルと接続を閉じる。
func (p *AMQPProvider) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
