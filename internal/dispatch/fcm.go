package dispatch

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmSender はmessaging.Clientのうち使用するメソッド。
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMProvider はFirebase Cloud Messagingで配信する。
type FCMProvider struct {
	client fcmSender
}

var _ Provider = (*FCMProvider)(nil)

// NewFCMProvider はサービスアカウントの認証情報ファイルからFCMクライアントを生成する。
// credentialsFileが空の場合はGOOGLE_APPLICATION_CREDENTIALSなどの既定の認証情報を使う。
func NewFCMProvider(ctx context.Context, credentialsFile string) (*FCMProvider, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("Firebaseの初期化に失敗: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("FCMクライアントの生成に失敗: %w", err)
	}
	return &FCMProvider{client: client}, nil
}

// Name はプロバイダ名を返す。
func (p *FCMProvider) Name() string { return "fcm" }

// Send はメッセージをFCMに送信する。
func (p *FCMProvider) Send(ctx context.Context, msg *Message) (string, error) {
	return p.client.Send(ctx, toFCMMessage(msg))
}

// toFCMMessage は配信ヒントをAndroid向けの設定に割り当てる。
func toFCMMessage(msg *Message) *messaging.Message {
	return &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: msg.Hints.Priority,
			Notification: &messaging.AndroidNotification{
				ChannelID: msg.Hints.ChannelID,
				Sound:     msg.Hints.Sound,
			},
		},
	}
}
