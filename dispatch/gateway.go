// Package dispatch 把一次性验证码投递到短信或邮件服务商
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// 投递渠道名称
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// ErrNoGateway 没有为渠道配置网关
var ErrNoGateway = errors.New("dispatch: no gateway for channel")

// Message 一条外发消息
type Message struct {
	Channel     string
	Destination string
	Subject     string
	Body        string
}

// Gateway 外发网关，返回服务商的投递ID
// 实现必须遵守 ctx 的超时，不做自动重试
type Gateway interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// GatewayFunc 函数形式的网关
type GatewayFunc func(ctx context.Context, msg Message) (string, error)

// Send 实现 Gateway
func (f GatewayFunc) Send(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

// Router 按渠道选择网关
type Router struct {
	gateways map[string]Gateway
}

// NewRouter 创建路由网关
func NewRouter() *Router {
	return &Router{gateways: make(map[string]Gateway)}
}

// Register 为渠道注册网关
func (r *Router) Register(channel string, g Gateway) *Router {
	r.gateways[channel] = g
	return r
}

// Send 实现 Gateway
func (r *Router) Send(ctx context.Context, msg Message) (string, error) {
	g, ok := r.gateways[msg.Channel]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoGateway, msg.Channel)
	}
	return g.Send(ctx, msg)
}
