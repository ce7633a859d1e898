package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the process-wide JSON logger the router daemon and its
// gateway middleware share. Every line carries the service name, plus the
// deployment environment when one is set, under keys the log collector
// expects: timestamp, severity, message. The stdlib logger is rewired through
// the same handler so dependencies logging via the log package produce the
// same shape.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	std := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	std.SetFlags(0)
	log.SetOutput(std.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
