// Package llm provides the auxiliary ("utility") language-model call used by
// the integrity gate's audit and by invariant field extraction.
//
// Callers must treat an empty reply, an error and unparsable output the same
// way: as an uninformative answer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("ecotone.llm")

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid llm configuration")

// Caller sends one system prompt and one user message and returns the reply
// text. An empty string with a nil error means the model had nothing to say.
type Caller interface {
	Call(ctx context.Context, system, message string) (string, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, system, message string) (string, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, system, message string) (string, error) {
	return f(ctx, system, message)
}

// generator is the part of llms.Model used here.
type generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// OpenAICaller calls any OpenAI-compatible chat endpoint (OpenAI, Ollama,
// vLLM) through langchaingo, rate limited and bounded by a per-call timeout.
type OpenAICaller struct {
	model   generator
	name    string
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAICaller creates a caller from cfg.
func NewOpenAICaller(cfg config.LLMConfig, logger *zap.Logger) (*OpenAICaller, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	token := cfg.APIKey.Value()
	if token == "" {
		token = "unused"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return newCaller(client, cfg, logger), nil
}

func newCaller(model generator, cfg config.LLMConfig, logger *zap.Logger) *OpenAICaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICaller{
		model:   model,
		name:    cfg.Model,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		logger:  logger,
	}
}

// Call implements Caller.
func (c *OpenAICaller) Call(ctx context.Context, system, message string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Call")
	defer span.End()
	span.SetAttributes(attribute.String("model", c.name), attribute.Int("message_len", len(message)))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, message),
	}, llms.WithTemperature(0))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("llm call failed", zap.String("model", c.name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", fmt.Errorf("llm call: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}

	reply := strings.TrimSpace(resp.Choices[0].Content)
	span.SetAttributes(attribute.Int("reply_len", len(reply)))
	span.SetStatus(codes.Ok, "success")
	return reply, nil
}

var (
	openFence  = regexp.MustCompile("^```(?:json)?\\s*")
	closeFence = regexp.MustCompile("\\s*```$")
)

// StripFences removes a surrounding ```json ... ``` fence from a model reply.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = openFence.ReplaceAllString(s, "")
	s = closeFence.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
