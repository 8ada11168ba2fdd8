package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Logger is a zerolog logger that knows the engine's field names: run_id,
// policy, resource_type, resource_id, account, region and phase.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// fieldTimeFormats maps time_format to zerolog.TimeFieldFormat.
var fieldTimeFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
}

// NewLogger opens cfg.Output and builds a logger writing to it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewLoggerWithWriter(cfg, w), nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewLoggerWithWriter builds a logger writing to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	if f, ok := fieldTimeFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = f
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat == "kitchen" {
			consoleTime = time.Kitchen
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTime, NoColor: cfg.NoColor}
	}

	zctx := zerolog.New(w).Level(parseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// WithContext attaches l to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger attached to ctx, or a stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField returns a child logger carrying key.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

func (l *Logger) WithPolicy(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("policy", name) })
}

func (l *Logger) WithResourceType(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("resource_type", name) })
}

func (l *Logger) WithResourceID(id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("resource_id", id) })
}

func (l *Logger) WithPhase(phase engine.Phase) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("phase", string(phase)) })
}

// WithTarget adds the target's account and region.
func (l *Logger) WithTarget(t engine.Target) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("account", t.Account).Str("region", t.Region)
	})
}

// WithError adds err along with its error class and, when present, its
// provider error code.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		c = c.Err(err)
		if class := engine.Classify(err); class != "" {
			c = c.Str("error_class", string(class))
		}
		if code := engine.CodeOf(err); code != "" {
			c = c.Str("error_code", code)
		}
		return c
	})
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func parseLogLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	if level == "disabled" {
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
