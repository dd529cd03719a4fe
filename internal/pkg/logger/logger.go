// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// base 是全局的根 logger，Init 之前使用一个合理的默认值
var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init 初始化全局 logger。
// level 例如 "debug" / "info" / "warn"，非法值回退为 info。
func Init(serviceName, level string) {
	InitWithWriter(serviceName, level, os.Stdout)
}

// InitWithWriter 与 Init 相同，但允许指定输出（测试中用于捕获日志）
func InitWithWriter(serviceName, level string, w io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// L 返回不带请求上下文的根 logger
func L() *zerolog.Logger {
	return &base
}

// Ctx 返回一个携带链路信息的 logger。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id 和 span_id，方便在 Jaeger 和日志之间互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &base
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return &base
	}
	l := base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}
