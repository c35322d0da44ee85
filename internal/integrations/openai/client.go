package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"kb-chat/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Generator streams chat completions from an OpenAI-compatible endpoint.
type Generator struct {
	baseURL     string
	model       string
	maxTokens   int
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error

	client *openai.Client
}

type Option func(*Generator)

func WithBaseURL(baseURL string) Option {
	return func(g *Generator) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			g.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(g *Generator) {
		g.httpClient = httpClient
	}
}

// WithAPIKey sets a static key and skips the parameter store lookup.
func WithAPIKey(key string) Option {
	return func(g *Generator) {
		if key = strings.TrimSpace(key); key != "" {
			g.keyOnce.Do(func() { g.apiKey = key })
		}
	}
}

func WithParamStore(ps Getter, paramPrefix string) Option {
	return func(g *Generator) {
		g.getter = ps
		g.paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	}
}

func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		g.maxTokens = n
	}
}

// NewGenerator creates a Generator. The API key comes from WithAPIKey or is
// fetched from the parameter store on the first call and reused for the
// lifetime of the process.
func NewGenerator(model string, opts ...Option) (*Generator, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	g := &Generator{baseURL: defaultBaseURL, model: model}
	for _, opt := range opts {
		opt(g)
	}
	if g.apiKey == "" {
		if g.getter == nil {
			return nil, errors.New("openai: paramstore getter must not be nil without a static api key")
		}
		if g.paramPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty")
		}
	}

	clientOpts := []option.RequestOption{
		option.WithBaseURL(g.baseURL),
		option.WithMaxRetries(0),
	}
	if g.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(g.httpClient))
	}
	g.client = openai.NewClient(clientOpts...)
	return g, nil
}

func (g *Generator) ModelID() string {
	return g.model
}

// resolveAPIKey fetches the API key from SSM on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (g *Generator) resolveAPIKey(ctx context.Context) (string, error) {
	g.keyOnce.Do(func() {
		g.apiKey, g.keyErr = fetchAPIKeyFromParamStore(ctx, g.getter, g.tokenParameterName())
	})
	return g.apiKey, g.keyErr
}

func (g *Generator) tokenParameterName() string {
	return g.paramPrefix + "/open-ai-token"
}

// Generate opens a streaming chat completion. Retries are disabled so a
// failed call is reported exactly once.
func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationStream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: generation request has no messages")
	}
	apiKey, err := g.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.ChatRoleSystem {
			msgs = append(msgs, openai.SystemMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Messages: openai.F(msgs),
		Model:    openai.F(openai.ChatModel(g.model)),
		StreamOptions: openai.F(openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.F(true),
		}),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.F(int64(maxTokens))
	}

	s := g.client.Chat.Completions.NewStreaming(ctx, params, option.WithAPIKey(apiKey))
	return &stream{chunks: s}, nil
}

// chunkStream is the subset of the SDK's SSE stream consumed here.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

type stream struct {
	chunks chunkStream
}

func (s *stream) Recv() (domain.GenerationChunk, error) {
	for s.chunks.Next() {
		c := s.chunks.Current()
		var out domain.GenerationChunk
		if len(c.Choices) > 0 {
			out.Text = c.Choices[0].Delta.Content
			out.FinishReason = string(c.Choices[0].FinishReason)
		}
		if c.Usage.TotalTokens > 0 {
			out.Usage = &domain.Usage{
				InputTokens:  int(c.Usage.PromptTokens),
				OutputTokens: int(c.Usage.CompletionTokens),
				TotalTokens:  int(c.Usage.TotalTokens),
			}
		}
		if out.Text == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		return out, nil
	}
	if err := s.chunks.Err(); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return domain.GenerationChunk{}, &HTTPStatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return domain.GenerationChunk{}, fmt.Errorf("openai: stream: %w", err)
	}
	return domain.GenerationChunk{}, io.EOF
}

func (s *stream) Close() error {
	return s.chunks.Close()
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
