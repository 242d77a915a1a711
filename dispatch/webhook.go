package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookGateway 把短信以JSON POST给服务商或内部短信网关
type WebhookGateway struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewWebhookGateway 创建短信网关，超时由调用方的 ctx 控制
func NewWebhookGateway(endpoint, token string, client *http.Client) *WebhookGateway {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookGateway{endpoint: endpoint, token: token, client: client}
}

type webhookRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

// Send 实现 Gateway
func (g *WebhookGateway) Send(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(webhookRequest{To: msg.Destination, Body: msg.Body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("dispatch: sms webhook returned %d", resp.StatusCode)
	}
	var out webhookResponse
	if len(body) > 0 {
		if err = json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("dispatch: decode sms webhook response: %w", err)
		}
	}
	return out.ID, nil
}
