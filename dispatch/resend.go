package dispatch

import (
	"context"
	"errors"

	"github.com/resend/resend-go/v3"
)

// EmailSender resend 邮件接口中用到的部分
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendGateway 通过 Resend 发送邮件验证码
type ResendGateway struct {
	emails EmailSender
	from   string
}

// NewResendGateway 使用 API Key 创建邮件网关
func NewResendGateway(apiKey, from string) *ResendGateway {
	client := resend.NewClient(apiKey)
	return &ResendGateway{emails: client.Emails, from: from}
}

// NewResendGatewayWithSender 使用自定义发送接口创建邮件网关
func NewResendGatewayWithSender(emails EmailSender, from string) *ResendGateway {
	return &ResendGateway{emails: emails, from: from}
}

// Send 实现 Gateway
func (g *ResendGateway) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Destination == "" {
		return "", errors.New("dispatch: empty email destination")
	}
	resp, err := g.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    g.from,
		To:      []string{msg.Destination},
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return "", err
	}
	return resp.Id, nil
}
