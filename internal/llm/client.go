// Package llm implements the model client for OpenAI-compatible chat
// completion endpoints, with streaming, tool calling, and structured output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/axon/internal/history"
	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/pkg/models"
)

const (
	// DefaultTemperature applies when neither the client nor the call
	// sets one.
	DefaultTemperature = 0.7

	// DefaultTimeout bounds a single model request end to end.
	DefaultTimeout = 120 * time.Second

	// EmptyResponseFallback substitutes for a provider turn that carried
	// neither content nor tool calls, so history never holds an empty
	// assistant message.
	EmptyResponseFallback = "no response generated"

	// jsonCoax is appended to the user prompt when JSON output is
	// requested without a schema.
	jsonCoax = "\n\nReturn valid JSON only."
)

// Format selects the answer shape.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Sink receives incremental text chunks during a streaming request.
type Sink func(chunk string)

// ToolDefinition describes one callable tool advertised to the model.
// Parameters holds a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// AskOptions tune a single request. The zero value asks for plain text with
// client defaults and records the exchange into history.
type AskOptions struct {
	Format       Format
	Schema       json.RawMessage
	Tools        []ToolDefinition
	SystemPrompt string
	Temperature  *float64
	Stream       bool
	Sink         Sink

	// RecordHistory defaults to true; set to a false pointer to keep the
	// exchange out of the conversation history.
	RecordHistory *bool

	// Model overrides the client's default model for this call.
	Model string
}

func (o *AskOptions) recordHistory() bool {
	return o.RecordHistory == nil || *o.RecordHistory
}

func (o *AskOptions) model(fallback string) string {
	if o.Model != "" {
		return o.Model
	}
	return fallback
}

// Answer is a model response: plain text, a parsed JSON object when
// FormatJSON was requested, or a tool-call bundle. Content is never empty.
type Answer struct {
	Content   string
	JSON      map[string]any
	ToolCalls []models.ToolCall
}

// HasToolCalls reports whether the model asked to execute tools.
func (a *Answer) HasToolCalls() bool { return len(a.ToolCalls) > 0 }

// Client talks to one OpenAI-compatible endpoint. Safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
	history     *history.Store
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHistory attaches the conversation store that Ask records into.
func WithHistory(h *history.Store) Option {
	return func(c *Client) { c.history = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "llm")
		}
	}
}

// WithMetrics attaches runtime metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer attaches the tracer.
func WithTracer(tr *observability.Tracer) Option {
	return func(c *Client) { c.tracer = tr }
}

// New creates a model client for baseURL (e.g. "https://api.openai.com/v1")
// and a default model id.
func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: DefaultTemperature,
		timeout:     DefaultTimeout,
		httpClient:  &http.Client{},
		logger:      slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the client's default model id.
func (c *Client) Model() string { return c.model }

// Ask sends the prompt to the model on top of the stored conversation
// history. The outgoing message list is [optional system] + history +
// {user, prompt}. On success, when recording is enabled, the user prompt and
// the assistant reply are appended to history and context limits enforced.
func (c *Client) Ask(ctx context.Context, prompt string, opts AskOptions) (*Answer, error) {
	if opts.Format == FormatJSON && len(opts.Schema) == 0 {
		prompt += jsonCoax
	}

	var wire []chatMessage
	if opts.SystemPrompt != "" {
		wire = append(wire, chatMessage{Role: string(models.RoleSystem), Content: opts.SystemPrompt})
	}
	if c.history != nil {
		wire = append(wire, toWireMessages(c.history.Get())...)
	}
	wire = append(wire, chatMessage{Role: string(models.RoleUser), Content: prompt})

	answer, assistant, err := c.complete(ctx, wire, &opts)
	if err != nil {
		return nil, err
	}

	if c.history != nil && opts.recordHistory() && prompt != "" {
		c.history.Append(
			models.Message{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now()},
			assistant,
		)
		c.history.EnforceContextLimits()
	}
	return answer, nil
}

// AskWithMessages sends a caller-supplied message array. The stored history
// is neither read nor written.
func (c *Client) AskWithMessages(ctx context.Context, msgs []models.Message, opts AskOptions) (*Answer, error) {
	wire := toWireMessages(msgs)
	if opts.SystemPrompt != "" {
		wire = append([]chatMessage{{Role: string(models.RoleSystem), Content: opts.SystemPrompt}}, wire...)
	}
	answer, _, err := c.complete(ctx, wire, &opts)
	return answer, err
}

func (c *Client) complete(ctx context.Context, messages []chatMessage, opts *AskOptions) (*Answer, models.Message, error) {
	streaming := opts.Stream && opts.Sink != nil
	mode := "complete"
	if streaming {
		mode = "stream"
	}
	model := opts.model(c.model)

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.TraceModelRequest(ctx, model, mode)
		defer span.End()
	}

	start := time.Now()
	req := c.buildRequest(messages, opts, streaming)

	var (
		msg chatMessage
		err error
	)
	if streaming {
		msg, err = c.doStream(ctx, req, opts.Sink)
	} else {
		msg, err = c.doComplete(ctx, req)
	}
	elapsed := time.Since(start)

	if err != nil {
		status := "error"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		} else {
			c.logger.Error("model request failed",
				"model", model, "mode", mode, "error", err)
		}
		if c.metrics != nil {
			c.metrics.RecordModelRequest(model, mode, status, elapsed.Seconds())
		}
		if c.tracer != nil && span != nil {
			c.tracer.RecordError(span, err)
		}
		return nil, models.Message{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordModelRequest(model, mode, "success", elapsed.Seconds())
	}
	c.logger.Debug("model request complete",
		"model", model, "mode", mode, "duration_ms", elapsed.Milliseconds())

	answer := toAnswer(msg, opts.Format)
	assistant := models.Message{
		Role:      models.RoleAssistant,
		Content:   answer.Content,
		ToolCalls: answer.ToolCalls,
		CreatedAt: time.Now(),
	}
	return answer, assistant, nil
}

func (c *Client) buildRequest(messages []chatMessage, opts *AskOptions, streaming bool) chatRequest {
	req := chatRequest{
		Model:       opts.model(c.model),
		Messages:    messages,
		Temperature: c.temperature,
		Stream:      streaming,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	for _, t := range opts.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if opts.Format == FormatJSON && len(opts.Schema) > 0 {
		req.ResponseFormat = &responseFormat{
			Type:   "json_schema",
			Schema: opts.Schema,
			JSONSchema: &jsonSchemaSpec{
				Name:   "response",
				Schema: opts.Schema,
				Strict: true,
			},
		}
	}
	return req
}

func (c *Client) doComplete(ctx context.Context, req chatRequest) (chatMessage, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return chatMessage{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatMessage{}, fmt.Errorf("read response: %w", err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return chatMessage{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return chatMessage{}, fmt.Errorf("model API error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return chatMessage{}, nil
	}
	return out.Choices[0].Message, nil
}

// send posts the request with the client deadline layered on the caller's
// cancellation; either aborts the transport. Caller cancellation surfaces
// as context.Canceled unchanged.
func (c *Client) send(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("model request timed out after %s: %w", c.timeout, err)
		}
		return nil, fmt.Errorf("model request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var failure struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(raw, &failure) == nil && failure.Error != nil {
			return nil, fmt.Errorf("model request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, failure.Error.Message, failure.Error.Type, failure.Error.Code)
		}
		return nil, fmt.Errorf("model request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelReadCloser releases the request context when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

func toAnswer(msg chatMessage, format Format) *Answer {
	toolCalls := fromWireToolCalls(msg.ToolCalls)
	content := msg.Content
	if content == "" && len(toolCalls) == 0 {
		content = EmptyResponseFallback
	}
	answer := &Answer{Content: content, ToolCalls: toolCalls}
	if format == FormatJSON && len(toolCalls) == 0 {
		answer.JSON = ParseJSON(content)
	}
	return answer
}

// ParseJSON strips fenced code markers and decodes the result into an
// object. A response that will not decode is preserved, not raised: the
// caller gets {"error": "JSON parse failed", "raw": <content>}.
func ParseJSON(content string) map[string]any {
	cleaned := stripFences(content)
	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return map[string]any{"error": "JSON parse failed", "raw": content}
	}
	return out
}

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}
