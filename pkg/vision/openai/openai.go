// Package openai provides a vision.Analyzer backed by the OpenAI
// chat-completions API.
//
// The realtime session is the default analysis path; this HTTP analyzer is
// the independent alternative: it keeps proactive vision working when the
// realtime channel is degraded, at the cost of an extra round trip.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/argusvoice/argus/pkg/vision"
)

const defaultModel = "gpt-4o-mini"

// Option is a functional option for Analyzer.
type Option func(*config)

type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the vision-capable model. Default: gpt-4o-mini.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Analyzer implements vision.Analyzer using chat completions with image input.
type Analyzer struct {
	client oai.Client
	model  string
}

// New constructs an Analyzer.
func New(apiKey string, opts ...Option) (*Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Analyzer{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Analyze sends the frame and prompt as one user message and decodes the
// JSON-shaped reply.
func (a *Analyzer) Analyze(ctx context.Context, frame []byte, prompt string) (vision.Decision, error) {
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame)

	parts := []oai.ChatCompletionContentPartUnionParam{
		oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURI}),
		oai.TextContentPart(prompt),
	}

	resp, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(a.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(parts)},
	})
	if err != nil {
		return vision.Decision{}, fmt.Errorf("openai: analyze frame: %w", err)
	}
	if len(resp.Choices) == 0 {
		return vision.Decision{}, fmt.Errorf("openai: analyze frame: empty response")
	}

	return vision.ParseDecision(resp.Choices[0].Message.Content)
}

// Ensure Analyzer implements vision.Analyzer at compile time.
var _ vision.Analyzer = (*Analyzer)(nil)
