package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nao1215/ordernotify/internal/domain"
)

// DefaultTimeout はプロバイダ呼び出し1回あたりのタイムアウト。
const DefaultTimeout = 10 * time.Second

// Provider はプッシュ配信プロバイダ。
type Provider interface {
	// Name はログ出力用のプロバイダ名を返す。
	Name() string
	// Send はメッセージを送信し、プロバイダが採番したメッセージIDを返す。
	Send(ctx context.Context, msg *Message) (string, error)
}

// Dispatcher はメッセージを組み立ててプロバイダに送る。
type Dispatcher struct {
	provider Provider
	timeout  time.Duration
}

// Option はDispatcherの設定を変更する。
type Option func(*Dispatcher)

// WithTimeout はプロバイダ呼び出しのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// New は新しいDispatcherを生成する。
func New(provider Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{provider: provider, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify は注文の通知を送信する。
// 失敗は全てdomain.ErrDeliveryに分類したエラーとして返し、パニックは起こさない。
func (d *Dispatcher) Notify(ctx context.Context, token string, order *domain.Order) error {
	msg, err := NewMessage(token, order)
	if err != nil {
		return domain.Delivery("notify", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.send(ctx, msg)
	if err != nil {
		return domain.Delivery("notify", fmt.Errorf("%sでの送信に失敗: %w", d.provider.Name(), err))
	}
	log.Printf("[Dispatch] 通知を送信しました: provider=%s, orderId=%s, messageId=%s", d.provider.Name(), order.ID, id)
	return nil
}

// send はプロバイダを呼び出し、パニックをエラーに変換する。
func (d *Dispatcher) send(ctx context.Context, msg *Message) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("プロバイダでパニックが発生: %v", r)
		}
	}()
	return d.provider.Send(ctx, msg)
}

// maskToken はログ出力用にトークンの先頭のみを残す。
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
