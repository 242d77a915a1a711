package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 定义日志级别
type LogLevel int

const (
	// 调试信息
	LevelDebug LogLevel = iota
	// 普通信息
	LevelInfo
	// 警告信息
	LevelWarn
	// 错误信息
	LevelError
	// 严重错误
	LevelFatal
)

// 日志级别名称
var levelNames = map[LogLevel]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelFatal: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel 解析日志级别名称，无法识别时返回 LevelInfo
func ParseLevel(name string) LogLevel {
	for level, n := range levelNames {
		if strings.EqualFold(n, name) {
			return level
		}
	}
	return LevelInfo
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger 是结构化日志接口
type Logger interface {
	// 调试日志
	Debug(msg string, fields map[string]interface{})
	// 普通信息
	Info(msg string, fields map[string]interface{})
	// 警告信息
	Warn(msg string, fields map[string]interface{})
	// 错误信息
	Error(msg string, fields map[string]interface{})
	// 严重错误，记录后退出进程
	Fatal(msg string, fields map[string]interface{})

	// 创建子日志
	With(fields map[string]interface{}) Logger

	// 设置日志级别
	SetLevel(level LogLevel)
	// 获取日志级别
	GetLevel() LogLevel

	// 刷新缓冲
	Sync() error
}

// 公共字段名
const (
	FieldService  = "service"
	FieldMethod   = "method"
	FieldPath     = "path"
	FieldDuration = "duration_ms"
	FieldStatus   = "status"
	FieldError    = "error"
	FieldTraceID  = "trace_id"
	FieldSpanID   = "span_id"
	FieldEvent    = "event"
	FieldUserID   = "user_id"
	FieldTenantID = "tenant_id"
	FieldFactorID = "factor_id"
	FieldClientIP = "client_ip"
)

// Options 定义日志选项
type Options struct {
	// 输出位置，为空时输出到标准输出
	Writer io.Writer
	// 最低日志级别
	Level LogLevel
	// 是否包含调用位置
	IncludeLocation bool
	// 服务名称
	ServiceName string
	// File 非空时同时写入按大小滚动的日志文件
	File *FileOptions
}

// FileOptions 滚动日志文件配置
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions 返回默认日志选项
func DefaultOptions() Options {
	return Options{
		Writer:          os.Stdout,
		Level:           LevelInfo,
		IncludeLocation: true,
		ServiceName:     "idguard",
	}
}

// ZapLogger 基于zap实现的结构化日志
type ZapLogger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

// NewZapLogger 创建新的结构化日志器
func NewZapLogger(opts Options) *ZapLogger {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), level),
	}
	if opts.File != nil && opts.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   opts.File.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
	}

	zapOpts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.IncludeLocation {
		zapOpts = append(zapOpts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	base := zap.New(zapcore.NewTee(cores...), zapOpts...)
	if opts.ServiceName != "" {
		base = base.With(zap.String(FieldService, opts.ServiceName))
	}
	return &ZapLogger{base: base, level: level}
}

// Zap 返回底层的zap日志器
func (l *ZapLogger) Zap() *zap.Logger {
	return l.base
}

// Debug 调试日志
func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, toZapFields(fields)...)
}

// Info 普通信息
func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, toZapFields(fields)...)
}

// Warn 警告信息
func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, toZapFields(fields)...)
}

// Error 错误信息
func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, toZapFields(fields)...)
}

// Fatal 严重错误
func (l *ZapLogger) Fatal(msg string, fields map[string]interface{}) {
	l.base.Fatal(msg, toZapFields(fields)...)
}

// With 创建带固定字段的子日志，子日志与父日志共享级别
func (l *ZapLogger) With(fields map[string]interface{}) Logger {
	return &ZapLogger{base: l.base.With(toZapFields(fields)...), level: l.level}
}

// SetLevel 设置日志级别
func (l *ZapLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// GetLevel 获取日志级别
func (l *ZapLogger) GetLevel() LogLevel {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	case zapcore.FatalLevel:
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Sync 刷新缓冲
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

// toZapFields 按键名排序转换，保证输出稳定
func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(fields))
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// NewNopLogger 返回丢弃所有输出的日志器
func NewNopLogger() Logger {
	return &ZapLogger{base: zap.NewNop(), level: zap.NewAtomicLevel()}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewZapLogger(DefaultOptions())
)

// GetDefaultLogger 获取全局默认日志器
func GetDefaultLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger 设置全局默认日志器
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}
