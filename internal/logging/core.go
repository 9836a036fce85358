package logging

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// newCore builds the stdout and/or OTEL core, wrapped with sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("ecotone", otelzap.WithLoggerProvider(otelProvider)))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := zapcore.NewTee(cores...)
	if cfg.Sampling.Enabled {
		core = newSampledCore(core, cfg.Sampling)
	}
	return core, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// newSampledCore samples everything below error; errors always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	errors := &levelRangeCore{Core: core, enabled: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }}
	below := &levelRangeCore{Core: core, enabled: func(l zapcore.Level) bool { return l < zapcore.ErrorLevel }}
	sampled := zapcore.NewSamplerWithOptions(below, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(errors, sampled)
}

type levelRangeCore struct {
	zapcore.Core
	enabled func(zapcore.Level) bool
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return c.enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), enabled: c.enabled}
}

// RedactingEncoder wraps a zapcore.Encoder and rewrites sensitive fields
// before they are encoded.
type RedactingEncoder struct {
	zapcore.Encoder
	redactFields map[string]bool
	redactRegex  []*regexp.Regexp
}

// NewRedactingEncoder wraps an encoder with redaction rules.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{Encoder: base, redactFields: fields, redactRegex: patterns}, nil
}

// EncodeEntry redacts fields by key and string values by pattern.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if len(e.redactFields) == 0 && len(e.redactRegex) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}

	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = e.redact(f)
	}
	ent.Message = e.redactString(ent.Message)
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *RedactingEncoder) redact(f zapcore.Field) zapcore.Field {
	if e.redactFields[strings.ToLower(f.Key)] {
		return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: "[REDACTED]"}
	}
	if f.Type == zapcore.StringType {
		f.String = e.redactString(f.String)
	}
	return f
}

func (e *RedactingEncoder) redactString(s string) string {
	for _, re := range e.redactRegex {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Clone creates a copy of the encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:      e.Encoder.Clone(),
		redactFields: e.redactFields,
		redactRegex:  e.redactRegex,
	}
}
