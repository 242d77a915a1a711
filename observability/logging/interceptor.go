package logging

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GrpcUnaryServerInterceptor 返回一个用于记录gRPC一元调用的拦截器
func GrpcUnaryServerInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		service, method := splitMethodName(info.FullMethod)
		startTime := time.Now()

		resp, err = handler(ctx, req)

		fields := TraceFields(ctx)
		fields[FieldService] = service
		fields[FieldMethod] = method
		fields[FieldDuration] = float64(time.Since(startTime).Microseconds()) / 1000

		if err == nil {
			fields[FieldStatus] = codes.OK.String()
			logger.Info("gRPC服务请求完成", fields)
			return resp, nil
		}

		st, _ := status.FromError(err)
		fields[FieldStatus] = st.Code().String()
		fields[FieldError] = st.Message()
		switch st.Code() {
		case codes.Internal, codes.Unknown, codes.DataLoss:
			logger.Error("gRPC服务请求失败", fields)
		default:
			logger.Warn("gRPC服务请求异常", fields)
		}
		return resp, err
	}
}

// TraceFields 从上下文中提取OpenTelemetry跟踪信息
func TraceFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{}, 6)
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		fields[FieldTraceID] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		fields[FieldSpanID] = sc.SpanID().String()
	}
	return fields
}

// 解析完整方法名为服务名和方法名
// 输入格式: /package.service/method
func splitMethodName(fullMethodName string) (string, string) {
	fullMethodName = strings.TrimPrefix(fullMethodName, "/")
	pos := strings.LastIndex(fullMethodName, "/")
	if pos < 0 {
		return "unknown", fullMethodName
	}
	return fullMethodName[:pos], fullMethodName[pos+1:]
}
