package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func TestOpenAICaller_Call(t *testing.T) {
	model := &fakeModel{reply: "  {\"pass\": true}\n"}
	c := newCaller(model, config.LLMConfig{Model: "test", Timeout: time.Second}, nil)

	reply, err := c.Call(context.Background(), "system prompt", "user message")
	require.NoError(t, err)
	assert.Equal(t, `{"pass": true}`, reply)

	require.Len(t, model.messages, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.TextContent{Text: "user message"}, model.messages[1].Parts[0])
}

func TestOpenAICaller_Error(t *testing.T) {
	c := newCaller(&fakeModel{err: errors.New("connection refused")}, config.LLMConfig{Model: "test"}, nil)
	_, err := c.Call(context.Background(), "s", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOpenAICaller_CanceledContext(t *testing.T) {
	c := newCaller(&fakeModel{reply: "x"}, config.LLMConfig{Model: "test", RequestsPerMinute: 1}, nil)
	_, err := c.Call(context.Background(), "s", "m")
	require.NoError(t, err)

	// the bucket is now empty; a canceled context must not wait for a token
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Call(ctx, "s", "m")
	assert.Error(t, err)
}

func TestNewOpenAICaller_Validation(t *testing.T) {
	_, err := NewOpenAICaller(config.LLMConfig{Model: "m"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewOpenAICaller(config.LLMConfig{BaseURL: "http://localhost:11434/v1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewOpenAICaller(config.LLMConfig{BaseURL: "http://localhost:11434/v1", Model: "llama3.1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripFences("  {\"a\":1}  "))
	assert.Equal(t, "", StripFences("```json\n```"))
}

func TestCallerFunc(t *testing.T) {
	var f Caller = CallerFunc(func(_ context.Context, system, message string) (string, error) {
		return system + "|" + message, nil
	})
	out, err := f.Call(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "a|b", out)
}
