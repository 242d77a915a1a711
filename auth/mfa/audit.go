package mfa

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

// AuditedVerifier 为验证编排器增加审计日志、指标和链路追踪
type AuditedVerifier struct {
	next    Verifier
	logger  logging.Logger
	metrics *metrics.AuthMetrics
	tracer  trace.Tracer
}

// NewAuditedVerifier 包装一个 Verifier
func NewAuditedVerifier(next Verifier, logger logging.Logger, m *metrics.AuthMetrics, tracer trace.Tracer) *AuditedVerifier {
	return &AuditedVerifier{next: next, logger: logger, metrics: m, tracer: tracer}
}

var _ Verifier = (*AuditedVerifier)(nil)

// Verify 实现 Verifier
func (v *AuditedVerifier) Verify(ctx context.Context, a Attempt) (*Outcome, error) {
	ctx, span := v.tracer.Start(ctx, "mfa.Verify", trace.WithAttributes(
		attribute.String("user.id", a.UserID),
		attribute.Bool("mfa.factor.explicit", a.FactorID != ""),
	))
	defer span.End()

	start := time.Now()
	out, err := v.next.Verify(ctx, a)
	elapsed := time.Since(start)

	factorType := "UNKNOWN"
	fields := logging.TraceFields(ctx)
	fields[logging.FieldEvent] = "mfa.verify"
	fields[logging.FieldUserID] = a.UserID
	fields[logging.FieldClientIP] = a.ClientIP
	fields[logging.FieldDuration] = float64(elapsed.Microseconds()) / 1000
	if out != nil {
		factorType = out.FactorType.String()
		fields[logging.FieldFactorID] = out.FactorID
		fields["factor_type"] = factorType
		span.SetAttributes(attribute.String("mfa.factor.type", factorType))
	}

	result := ResultSuccess.String()
	if err != nil {
		result = ResultFailure.String()
		kind := auth.KindOf(err)
		fields["kind"] = kind.String()
		span.SetStatus(codes.Error, kind.String())
		if out != nil {
			fields["remaining_attempts"] = out.RemainingAttempts
		}
		if kind == auth.KindInternal {
			fields[logging.FieldError] = err
			v.logger.Error("MFA验证异常", fields)
		} else {
			v.logger.Warn("MFA验证失败", fields)
		}
	} else {
		span.SetStatus(codes.Ok, "")
		v.logger.Info("MFA验证成功", fields)
	}
	if v.metrics != nil {
		v.metrics.ObserveVerification(factorType, result, elapsed.Seconds())
	}
	return out, err
}
