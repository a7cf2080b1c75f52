package dispatch

import (
	"context"
	"time"

	"github.com/nao1215/ordernotify/pkg/httpclient"
)

// relayPath はプッシュゲートウェイの送信エンドポイント。
const relayPath = "/v1/push"

// RelayProvider はメッセージをHTTPのプッシュゲートウェイに中継する。
type RelayProvider struct {
	client *httpclient.Client
}

var _ Provider = (*RelayProvider)(nil)

// relayResponse はゲートウェイの応答。
type relayResponse struct {
	ID string `json:"id"`
}

// NewRelayProvider はゲートウェイのURLとAPIキーから中継プロバイダを生成する。
func NewRelayProvider(baseURL, apiKey string, timeout time.Duration) *RelayProvider {
	var auth string
	if apiKey != "" {
		auth = "Bearer " + apiKey
	}
	return &RelayProvider{
		client: httpclient.New(baseURL,
			httpclient.WithTimeout(timeout),
			httpclient.WithHeader("Authorization", auth),
		),
	}
}

// Name はプロバイダ名を返す。
func (p *RelayProvider) Name() string { return "relay" }

// Send はメッセージをJSONでゲートウェイにPOSTする。
func (p *RelayProvider) Send(ctx context.Context, msg *Message) (string, error) {
	var resp relayResponse
	if err := p.client.PostJSON(ctx, relayPath, msg, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
