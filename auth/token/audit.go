package token

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
)

// AuditedManager 为令牌服务增加审计日志、指标和链路追踪
type AuditedManager struct {
	next    Service
	logger  logging.Logger
	metrics *metrics.AuthMetrics
	tracer  trace.Tracer
}

// NewAuditedManager 包装一个 Service
func NewAuditedManager(next Service, logger logging.Logger, m *metrics.AuthMetrics, tracer trace.Tracer) *AuditedManager {
	return &AuditedManager{next: next, logger: logger, metrics: m, tracer: tracer}
}

var _ Service = (*AuditedManager)(nil)

// Issue 实现 Service
func (a *AuditedManager) Issue(ctx context.Context, s Subject) (*Pair, error) {
	ctx, span := a.tracer.Start(ctx, "token.Issue", trace.WithAttributes(attribute.String("user.id", s.UserID)))
	defer span.End()
	pair, err := a.next.Issue(ctx, s)
	fields := map[string]interface{}{
		logging.FieldUserID:   s.UserID,
		logging.FieldTenantID: s.TenantID,
		logging.FieldClientIP: s.ClientIP,
		"device_id":           s.DeviceID,
	}
	if pair != nil {
		fields["token_id"] = pair.RecordID
	}
	a.record(ctx, span, "issue", fields, err)
	return pair, err
}

// Validate 实现 Service，成功的校验只计数不记日志
func (a *AuditedManager) Validate(ctx context.Context, accessToken string) (*Claims, error) {
	c, err := a.next.Validate(ctx, accessToken)
	if a.metrics != nil {
		a.metrics.IncToken("validate", outcome(err))
	}
	return c, err
}

// ValidateAccess 实现 auth.TokenValidator
func (a *AuditedManager) ValidateAccess(ctx context.Context, accessToken string) (*auth.Principal, error) {
	c, err := a.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return &auth.Principal{
		UserID:    c.UserID,
		TenantID:  c.TenantID,
		DeviceID:  c.DeviceID,
		TokenID:   c.TokenID,
		ExpiresAt: c.ExpiresAt,
	}, nil
}

// Refresh 实现 Service
func (a *AuditedManager) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	ctx, span := a.tracer.Start(ctx, "token.Refresh")
	defer span.End()
	pair, err := a.next.Refresh(ctx, refreshToken)
	fields := map[string]interface{}{}
	if pair != nil {
		fields["token_id"] = pair.RecordID
	}
	a.record(ctx, span, "refresh", fields, err)
	return pair, err
}

// Revoke 实现 Service
func (a *AuditedManager) Revoke(ctx context.Context, token, reason string) error {
	ctx, span := a.tracer.Start(ctx, "token.Revoke")
	defer span.End()
	err := a.next.Revoke(ctx, token, reason)
	a.record(ctx, span, "revoke", map[string]interface{}{"reason": reason}, err)
	return err
}

// RevokeAllForUser 实现 Service
func (a *AuditedManager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	ctx, span := a.tracer.Start(ctx, "token.RevokeAllForUser", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	n, err := a.next.RevokeAllForUser(ctx, userID)
	a.record(ctx, span, "revoke_all", map[string]interface{}{
		logging.FieldUserID: userID,
		"revoked":           n,
	}, err)
	return n, err
}

// RevokeAllForTenant 实现 Service
func (a *AuditedManager) RevokeAllForTenant(ctx context.Context, tenantID string) (int, error) {
	ctx, span := a.tracer.Start(ctx, "token.RevokeAllForTenant", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()
	n, err := a.next.RevokeAllForTenant(ctx, tenantID)
	a.record(ctx, span, "revoke_tenant", map[string]interface{}{
		logging.FieldTenantID: tenantID,
		"revoked":             n,
	}, err)
	return n, err
}

// RevokeDevice 实现 Service
func (a *AuditedManager) RevokeDevice(ctx context.Context, userID, deviceID string) (int, error) {
	ctx, span := a.tracer.Start(ctx, "token.RevokeDevice", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("device.id", deviceID),
	))
	defer span.End()
	n, err := a.next.RevokeDevice(ctx, userID, deviceID)
	a.record(ctx, span, "revoke_device", map[string]interface{}{
		logging.FieldUserID: userID,
		"device_id":         deviceID,
		"revoked":           n,
	}, err)
	return n, err
}

// ListActive 实现 Service，只读操作不写审计日志
func (a *AuditedManager) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	ctx, span := a.tracer.Start(ctx, "token.ListActive", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	sessions, err := a.next.ListActive(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, auth.KindOf(err).String())
	}
	return sessions, err
}

// Cleanup 实现 Service
func (a *AuditedManager) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	n, err := a.next.Cleanup(ctx, before)
	a.record(ctx, nil, "cleanup", map[string]interface{}{
		"before":  before,
		"deleted": n,
	}, err)
	return n, err
}

func (a *AuditedManager) record(ctx context.Context, span trace.Span, op string, fields map[string]interface{}, err error) {
	for k, v := range logging.TraceFields(ctx) {
		fields[k] = v
	}
	fields[logging.FieldEvent] = "token." + op
	if a.metrics != nil {
		a.metrics.IncToken(op, outcome(err))
	}
	if err != nil {
		kind := auth.KindOf(err)
		fields["kind"] = kind.String()
		if span != nil {
			span.SetStatus(codes.Error, kind.String())
		}
		if kind == auth.KindInternal {
			fields[logging.FieldError] = err
			a.logger.Error("令牌操作异常", fields)
		} else {
			a.logger.Warn("令牌操作被拒绝", fields)
		}
		return
	}
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
	a.logger.Info("令牌操作完成", fields)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return auth.KindOf(err).String()
}
