// Package dispatch は注文通知のプッシュメッセージを組み立てて配信プロバイダに送る。
//
// 配信の成否は呼び出し元に返すが、パニックを呼び出し元に伝えることはない。
// 配信失敗は常にdomain.ErrDeliveryとして分類される。
package dispatch

import (
	"github.com/nao1215/ordernotify/internal/domain"
)

// 通知メッセージの固定値。
const (
	// Title は通知のタイトル。
	Title = "New Order Received! 🍔"
	// ActionOpenOrder はクライアントが注文画面を開くためのアクション。
	ActionOpenOrder = "open_order"
)

// Hints はプロバイダ向けの配信ヒント。呼び出しごとには変更できない。
type Hints struct {
	Priority  string `json:"priority"`
	ChannelID string `json:"channelId"`
	Sound     string `json:"sound"`
}

// DefaultHints は全てのメッセージに付与する配信ヒント。
var DefaultHints = Hints{Priority: "high", ChannelID: "default", Sound: "default"}

// Message はプロバイダに渡すプッシュメッセージ。
type Message struct {
	// Token は配信先トークン。
	Token string `json:"token"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は注文IDの末尾を含む本文。
	Body string `json:"body"`
	// Data はクライアント側のルーティングに使うデータ。
	Data map[string]string `json:"data"`
	// Hints は配信ヒント。
	Hints Hints `json:"hints"`
}

// NewMessage はトークンと注文からメッセージを組み立てる。
// トークンか注文IDが空の場合はValidationErrorを返す。
func NewMessage(token string, order *domain.Order) (*Message, error) {
	if token == "" {
		return nil, domain.Validation("dispatch", "deliveryToken is required")
	}
	if order == nil || order.ID == "" {
		return nil, domain.Validation("dispatch", "order id is required")
	}
	return &Message{
		Token: token,
		Title: Title,
		Body:  "Order #" + domain.ShortOrderRef(order.ID) + " has been placed.",
		Data: map[string]string{
			"orderId": order.ID,
			"action":  ActionOpenOrder,
		},
		Hints: DefaultHints,
	}, nil
}
