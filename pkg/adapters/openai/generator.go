// Package openai implements ports.Generator on the OpenAI Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

var (
	DefaultModel     = openai.ChatModelGPT4o
	DefaultMaxTokens = 4096
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned no output text")

var _ ports.Generator = (*Generator)(nil)

// Generator sends prompts to an OpenAI model. The reviewer expects code back, so the
// instructions ask for a single Go source answer.
type Generator struct {
	client       openai.Client
	model        openai.ChatModel
	maxTokens    int
	instructions string
	options      []option.RequestOption
	logger       *slog.Logger
}

// Option configures the Generator.
type Option func(*Generator)

// WithAPIKey sets the API key. Without it the client reads OPENAI_API_KEY.
func WithAPIKey(apiKey string) Option {
	return func(g *Generator) {
		if apiKey != "" {
			g.options = append(g.options, option.WithAPIKey(apiKey))
		}
	}
}

// WithEndpoint sets the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(g *Generator) {
		if endpoint != "" {
			g.options = append(g.options, option.WithBaseURL(endpoint))
		}
	}
}

// WithClient sets the HTTP client.
func WithClient(client *http.Client) Option {
	return func(g *Generator) {
		g.options = append(g.options, option.WithHTTPClient(client))
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(g *Generator) {
		if model != "" {
			g.model = openai.ChatModel(model)
		}
	}
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(maxTokens int) Option {
	return func(g *Generator) {
		g.maxTokens = maxTokens
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(maxRetries int) Option {
	return func(g *Generator) {
		g.options = append(g.options, option.WithMaxRetries(maxRetries))
	}
}

// WithInstructions replaces the system instructions.
func WithInstructions(instructions string) Option {
	return func(g *Generator) {
		g.instructions = instructions
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

const defaultInstructions = "You repair and compile Go browser-automation blocks. " +
	"Answer with exactly what the prompt asks for and nothing else."

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		model:        DefaultModel,
		maxTokens:    DefaultMaxTokens,
		instructions: defaultInstructions,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.client = openai.NewClient(g.options...)
	return g
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return string(g.model)
}

// Generate sends prompt and returns the output text.
func (g *Generator) Generate(ctx context.Context, prompt, promptName string) (ports.Generation, error) {
	if strings.TrimSpace(prompt) == "" {
		return ports.Generation{}, fmt.Errorf("prompt %q is empty", promptName)
	}

	params := responses.ResponseNewParams{
		Model: g.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
		Instructions: openai.String(g.instructions),
	}
	if g.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(g.maxTokens))
	}

	resp, err := g.client.Responses.New(ctx, params)
	if err != nil {
		return ports.Generation{}, fmt.Errorf("prompt %q: %w", promptName, err)
	}

	text := resp.OutputText()
	g.logger.Debug("generation completed",
		"prompt", promptName,
		"model", g.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	if strings.TrimSpace(text) == "" {
		return ports.Generation{}, fmt.Errorf("prompt %q: %w", promptName, ErrEmptyResponse)
	}
	return ports.Generation{Text: text}, nil
}
