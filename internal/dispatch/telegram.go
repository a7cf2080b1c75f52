package dispatch

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender はtgbotapi.BotAPIのうち使用するメソッド。
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramProvider は配信先トークンをTelegramのチャットIDとして扱い、ボットから送信する。
type TelegramProvider struct {
	bot telegramSender
}

var _ Provider = (*TelegramProvider)(nil)

// NewTelegramProvider はボットトークンからプロバイダを生成する。
func NewTelegramProvider(botToken string) (*TelegramProvider, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("Telegramボットの初期化に失敗: %w", err)
	}
	return &TelegramProvider{bot: bot}, nil
}

// Name はプロバイダ名を返す。
func (p *TelegramProvider) Name() string { return "telegram" }

// Send はタイトルと本文を1つのテキストメッセージとして送る。
// tgbotapiはコンテキストを受け取らないため、送信前にキャンセルのみ確認する。
func (p *TelegramProvider) Send(ctx context.Context, msg *Message) (string, error) {
	chatID, err := strconv.ParseInt(msg.Token, 10, 64)
	if err != nil {
		return "", fmt.Errorf("チャットIDとして解釈できないトークン: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sent, err := p.bot.Send(tgbotapi.NewMessage(chatID, msg.Title+"\n"+msg.Body))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}
