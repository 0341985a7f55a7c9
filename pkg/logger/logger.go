package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ProbeIdKey 在 Context 中携带本次探测的 run id
const ProbeIdKey = "probe_id"

// 全局 Logger 实例
var Log *zap.Logger

// Init 初始化日志组件
// serviceName: 进程名 (例如 "wsprobe")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel // 默认 Info
	}

	// JSON 输出到 stdout，容器里直接被采集
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	// AddCallerSkip(1)：封装了一层，行号要指向调用方
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	Log = Log.With(zap.String("service", serviceName))
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractProbeId(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractProbeId(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractProbeId(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractProbeId(ctx, &fields)
	Log.Debug(msg, fields...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extractProbeId(ctx, &fields)
	Log.Fatal(msg, fields...)
}

func extractProbeId(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if id, ok := ctx.Value(ProbeIdKey).(string); ok && id != "" {
		*fields = append(*fields, zap.String("probe_id", id))
	}
}

// Sync 刷新缓冲区 (建议在 main 函数 defer 中调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
