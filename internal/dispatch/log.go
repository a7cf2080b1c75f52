package dispatch

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// LogProvider は送信せずにログへ出力する。認証情報の無い開発環境で使う。
type LogProvider struct{}

var _ Provider = LogProvider{}

// Name はプロバイダ名を返す。
func (LogProvider) Name() string { return "log" }

// Send はメッセージをログに出力する。
func (LogProvider) Send(_ context.Context, msg *Message) (string, error) {
	log.Printf("[Dispatch] (log) token=%s, title=%q, body=%q, data=%v",
		maskToken(msg.Token), msg.Title, msg.Body, msg.Data)
	return uuid.New().String(), nil
}
