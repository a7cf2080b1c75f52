// Package httpclient は外部サービスとJSONでやり取りするHTTPクライアントを提供する。
//
// プッシュ配信を中継するゲートウェイへの送信に使用する。
// 固定ヘッダー（APIキーなど）とタイムアウトをオプションで設定できる。
package httpclient
