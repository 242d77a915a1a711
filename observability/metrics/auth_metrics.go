package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthMetrics 认证核心的进程级指标，通过构造函数注入各组件
// 使用独立的 Registry，测试之间互不影响
type AuthMetrics struct {
	registry *prometheus.Registry

	verifications   *prometheus.CounterVec
	verifyLatency   *prometheus.HistogramVec
	lockouts        *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	backupRemaining prometheus.Histogram

	mu sync.Mutex
}

// Options 指标命名空间配置
type Options struct {
	Namespace string
	// WithRuntime 是否注册Go运行时和进程指标
	WithRuntime bool
}

// NewAuthMetrics 创建并注册全部指标
func NewAuthMetrics(opts Options) *AuthMetrics {
	if opts.Namespace == "" {
		opts.Namespace = "idguard"
	}
	m := &AuthMetrics{registry: prometheus.NewRegistry()}
	m.build(opts.Namespace)
	if opts.WithRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *AuthMetrics) build(ns string) {
	m.verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "mfa",
		Name:      "verifications_total",
		Help:      "MFA verification attempts by factor type and result.",
	}, []string{"factor_type", "result"})
	m.verifyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "mfa",
		Name:      "verification_duration_seconds",
		Help:      "Latency of MFA verification.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"factor_type"})
	m.lockouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "mfa",
		Name:      "lockouts_total",
		Help:      "Factors locked after repeated failures.",
	}, []string{"factor_type"})
	m.tokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "token",
		Name:      "operations_total",
		Help:      "Token lifecycle operations by kind and outcome.",
	}, []string{"operation", "outcome"})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Requests rejected by the token bucket limiter.",
	}, []string{"route"})
	m.dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "dispatch",
		Name:      "messages_total",
		Help:      "Outbound OTP deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})
	m.backupRemaining = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "mfa",
		Name:      "backup_codes_remaining",
		Help:      "Unused backup codes left after a successful backup code verification.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
	})

	m.registry.MustRegister(m.verifications, m.verifyLatency, m.lockouts, m.tokens,
		m.rateLimited, m.dispatches, m.backupRemaining)
}

// ObserveVerification 记录一次MFA验证
func (m *AuthMetrics) ObserveVerification(factorType, result string, seconds float64) {
	m.verifications.WithLabelValues(factorType, result).Inc()
	m.verifyLatency.WithLabelValues(factorType).Observe(seconds)
}

// IncLockout 记录一次锁定
func (m *AuthMetrics) IncLockout(factorType string) {
	m.lockouts.WithLabelValues(factorType).Inc()
}

// IncToken 记录一次令牌操作
func (m *AuthMetrics) IncToken(operation, outcome string) {
	m.tokens.WithLabelValues(operation, outcome).Inc()
}

// IncRateLimited 记录一次限流拒绝
func (m *AuthMetrics) IncRateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

// IncDispatch 记录一次验证码投递
func (m *AuthMetrics) IncDispatch(channel, outcome string) {
	m.dispatches.WithLabelValues(channel, outcome).Inc()
}

// ObserveBackupRemaining 记录备用码剩余数量
func (m *AuthMetrics) ObserveBackupRemaining(n int) {
	m.backupRemaining.Observe(float64(n))
}

// Reset 清空全部计数，用于测试和运维重置
func (m *AuthMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications.Reset()
	m.verifyLatency.Reset()
	m.lockouts.Reset()
	m.tokens.Reset()
	m.rateLimited.Reset()
	m.dispatches.Reset()
}

// Registry 返回底层注册表
func (m *AuthMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *AuthMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
