package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kotori/common/retry"
	"github.com/bdobrica/Kotori/common/trace"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 512
)

// Config configures the OpenAI-compatible adapter.
type Config struct {
	// APIKey is the bearer token. Local servers such as Ollama accept any
	// value.
	APIKey string

	// BaseURL overrides the API endpoint for Ollama, vLLM, Azure OpenAI or
	// any other OpenAI-compatible server. Defaults to https://api.openai.com/v1.
	BaseURL string

	// Model is used when no ModelSource is set or it has no value.
	// Defaults to gpt-4o-mini.
	Model string

	// Timeout is the HTTP client timeout, an upper bound over the per-call
	// timeout given to Generate. Defaults to 30 s.
	Timeout time.Duration

	// Retry governs retries of backend errors inside a call's timeout.
	// Timeouts and rate limits are never retried.
	Retry retry.Config
}

// OpenAI implements Port and ModelLister over the chat completions API.
type OpenAI struct {
	cfg    Config
	client *http.Client
	models ModelSource
}

var (
	_ Port        = (*OpenAI)(nil)
	_ ModelLister = (*OpenAI)(nil)
)

// Option configures an OpenAI adapter.
type Option func(*OpenAI)

// WithModelSource reads the model name from src on every call.
func WithModelSource(src ModelSource) Option {
	return func(o *OpenAI) { o.models = src }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenAI) { o.client = c }
}

// NewOpenAI returns an adapter that is safe for concurrent use.
func NewOpenAI(cfg Config, opts ...Option) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second}
	}
	o := &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"` // "json_object"
}

type oaiResponse struct {
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiModels struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Model returns the model the next call will use.
func (o *OpenAI) Model(ctx context.Context) string {
	if o.models != nil {
		if m, err := o.models.ActiveModel(ctx); err == nil && m != "" {
			return m
		}
	}
	return o.cfg.Model
}

// Generate sends one chat completion request. Backend errors are retried
// within timeout.
func (o *OpenAI) Generate(ctx context.Context, p Prompt, timeout time.Duration) (Completion, error) {
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rc := o.cfg.Retry
	rc.ShouldRetry = func(err error) bool { return errors.Is(err, ErrBackend) }

	var out Completion
	err := retry.Do(ctx, rc, func() error {
		c, err := o.generateOnce(ctx, p)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Completion{}, contextError(parent, ctx, err)
	}
	return out, nil
}

// contextError tells a caller that went away apart from a backend that was
// too slow. Only the latter is ErrTimeout; the former wraps the caller's
// context error and is not held against the backend.
func contextError(parent, ctx context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(err, perr) {
			return fmt.Errorf("inference: caller gave up: %w", err)
		}
		return fmt.Errorf("inference: caller gave up: %w (%v)", perr, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (o *OpenAI) generateOnce(ctx context.Context, p Prompt) (Completion, error) {
	model := o.Model(ctx)
	messages := make([]oaiMessage, 0, len(p.History)+2)
	if p.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: p.System})
	}
	for _, h := range p.History {
		messages = append(messages, oaiMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: p.User})

	body := oaiRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: p.MaxTokens,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if p.JSON {
		body.ResponseFormat = &oaiFormat{Type: "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("inference: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return Completion{}, fmt.Errorf("inference: create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Completion{}, fmt.Errorf("inference: http request: %w", cerr)
		}
		return Completion{}, fmt.Errorf("%w: http request: %v", ErrBackend, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: read response body: %v", ErrBackend, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Completion{}, retry.Permanent(fmt.Errorf("%w (HTTP 429)", ErrRateLimit))
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return Completion{}, fmt.Errorf("%w: decode API response (HTTP %d): %v", ErrBackend, resp.StatusCode, err)
	}
	if oaiResp.Error != nil {
		return Completion{}, fmt.Errorf("%w: API error (%s): %s", ErrBackend, oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if resp.StatusCode/100 != 2 {
		return Completion{}, fmt.Errorf("%w: HTTP %d", ErrBackend, resp.StatusCode)
	}
	if len(oaiResp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: no choices returned", ErrBackend)
	}

	out := Completion{Text: oaiResp.Choices[0].Message.Content}
	u := &Usage{Model: oaiResp.Model, Latency: latency}
	if u.Model == "" {
		u.Model = model
	}
	if oaiResp.Usage != nil {
		u.PromptTokens = oaiResp.Usage.PromptTokens
		u.CompletionTokens = oaiResp.Usage.CompletionTokens
		u.TotalTokens = oaiResp.Usage.TotalTokens
	}
	out.Usage = u

	trace.Logger(ctx).Debug("inference: completion",
		"model", u.Model,
		"tokens", u.TotalTokens,
		"latency_ms", latency.Milliseconds(),
	)
	return out, nil
}

// Models lists the model ids the backend serves, sorted.
func (o *OpenAI) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("inference: create http request: %w", err)
	}
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %v", ErrBackend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: list models: HTTP %d", ErrBackend, resp.StatusCode)
	}
	var list oaiModels
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decode models: %v", ErrBackend, err)
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	sort.Strings(out)
	return out, nil
}
