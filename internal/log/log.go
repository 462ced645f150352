package log

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/pbinitiative/zenbatch/internal/appcontext"
)

var logger hclog.Logger = hclog.NewNullLogger()

// Init sets up the process-wide logger. Level is taken from ZENBATCH_LOG_LEVEL
// and defaults to info.
func Init() {
	level := hclog.Info
	if l := os.Getenv("ZENBATCH_LOG_LEVEL"); l != "" {
		level = hclog.LevelFromString(strings.ToLower(l))
		if level == hclog.NoLevel {
			level = hclog.Info
		}
	}
	logger = hclog.New(&hclog.LoggerOptions{
		Name:            "zenbatch",
		Level:           level,
		IncludeLocation: false,
	})
}

// ctxArgs decorates a log line with the request correlation id when the
// context carries one.
func ctxArgs(ctx context.Context) []any {
	if id, ok := appcontext.CorrelationIdFromContext(ctx); ok {
		return []any{"correlationId", id}
	}
	return nil
}

func Debugf(ctx context.Context, format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Infof(ctx context.Context, format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), ctxArgs(ctx)...)
}

func Info(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}
