package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/dormoron/idguard/observability/logging"
)

// LogGateway 只把消息写入日志，用于本地开发
type LogGateway struct {
	logger logging.Logger
}

// NewLogGateway 创建日志网关
func NewLogGateway(logger logging.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

// Send 实现 Gateway
func (g *LogGateway) Send(_ context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	g.logger.Info("开发模式投递验证码", map[string]interface{}{
		"channel":     msg.Channel,
		"destination": msg.Destination,
		"body":        msg.Body,
		"delivery_id": id,
	})
	return id, nil
}
