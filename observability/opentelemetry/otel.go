package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config 定义OpenTelemetry的配置选项
type Config struct {
	// 是否启用跟踪，关闭时使用 noop 实现
	Enabled bool
	// 服务名称
	ServiceName string
	// 服务版本
	ServiceVersion string
	// 环境名称
	Environment string
	// OTLP Endpoint
	Endpoint string
	// 是否使用明文连接
	Insecure bool
	// 采样率 (0.0-1.0)
	SamplingRatio float64
	// 导出器超时
	ExporterTimeout time.Duration
}

// DefaultConfig 返回OpenTelemetry的默认配置
func DefaultConfig() Config {
	return Config{
		ServiceName:     "idguard",
		ServiceVersion:  "0.1.0",
		Environment:     "development",
		Endpoint:        "localhost:4317",
		Insecure:        true,
		SamplingRatio:   1.0,
		ExporterTimeout: 10 * time.Second,
	}
}

// Provider 封装了OpenTelemetry的初始化和关闭逻辑
type Provider struct {
	tracerProvider trace.TracerProvider
	shutdown       func(context.Context) error
}

// NewProvider 创建并初始化一个新的OpenTelemetry Provider
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if !config.Enabled {
		return NewNoopProvider(), nil
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
		attribute.String("environment", config.Environment),
	)

	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.ExporterTimeout),
	}
	if config.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracerProvider: tp,
		shutdown:       tp.Shutdown,
	}, nil
}

// NewNoopProvider 返回不导出任何数据的Provider
func NewNoopProvider() *Provider {
	return &Provider{tracerProvider: noop.NewTracerProvider()}
}

// Shutdown 关闭OpenTelemetry Provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// Tracer 返回OpenTelemetry的Tracer
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return p.tracerProvider.Tracer(name, opts...)
}
