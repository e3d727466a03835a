// Package tools implements the tool gateway: a tiered registry of callables
// the model may invoke, with argument validation and normalized results.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/pkg/models"
)

// MCPPrefix marks dynamically resolved MCP server tools.
const MCPPrefix = "mcp_"

// CancelledMessage is the normalized output for a tool aborted by
// cancellation or deadline; downstream the two are indistinguishable.
const CancelledMessage = "Error: Tool execution cancelled by user."

// errorPrefix is the one and only error signal on tool output. Matching is
// anchored to the start of the trimmed content; substrings like "failed"
// elsewhere in the text mean nothing.
var errorPrefix = regexp.MustCompile(`(?i)^error:`)

// IsErrorOutput reports whether tool output denotes a failure.
func IsErrorOutput(output string) bool {
	return errorPrefix.MatchString(strings.TrimSpace(output))
}

// Handler executes a tool. The context carries cancellation; args arrive
// parsed. The returned value is stringified by the gateway: strings pass
// through, anything else is JSON-encoded.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool couples a name with its handler and an optional JSON Schema used to
// validate arguments before invocation.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Resolver supplies tools the gateway does not hold itself, typically
// MCP-prefixed names backed by a live server connection.
type Resolver interface {
	Resolve(name string) (*Tool, bool)
}

// Result is the normalized outcome of one tool execution.
type Result struct {
	// CallID correlates the result with the tool-call message. It is the
	// model-supplied id when present, otherwise freshly generated.
	CallID   string
	Name     string
	Output   string
	IsError  bool
	Duration time.Duration
}

// Gateway resolves tool names through three tiers: explicit registrations,
// custom/plugin registrations, then an MCP resolver for mcp_-prefixed names.
// Safe for concurrent use.
type Gateway struct {
	mu      sync.RWMutex
	builtin map[string]*Tool
	custom  map[string]*Tool
	mcp     Resolver

	schemas sync.Map // tool name -> *jsonschema.Schema

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger.With("component", "tools")
		}
	}
}

// WithMetrics attaches runtime metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer attaches the tracer.
func WithTracer(tr *observability.Tracer) Option {
	return func(g *Gateway) { g.tracer = tr }
}

// New creates an empty gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		builtin: make(map[string]*Tool),
		custom:  make(map[string]*Tool),
		logger:  slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a tool to the explicit tier, replacing any previous
// registration under the same name.
func (g *Gateway) Register(tool Tool) error {
	return g.register(g.builtin, tool)
}

// RegisterCustom adds a plugin or user-supplied tool. Explicit registrations
// shadow custom ones of the same name.
func (g *Gateway) RegisterCustom(tool Tool) error {
	return g.register(g.custom, tool)
}

func (g *Gateway) register(tier map[string]*Tool, tool Tool) error {
	if strings.TrimSpace(tool.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	if len(tool.Schema) > 0 {
		if _, err := g.compiledSchema(tool.Name, tool.Schema); err != nil {
			return fmt.Errorf("tool %q schema: %w", tool.Name, err)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t := tool
	tier[tool.Name] = &t
	return nil
}

// Unregister removes a tool from both registration tiers.
func (g *Gateway) Unregister(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.builtin, name)
	delete(g.custom, name)
	g.schemas.Delete(name)
}

// SetMCPResolver installs the resolver consulted for mcp_-prefixed names.
func (g *Gateway) SetMCPResolver(r Resolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mcp = r
}

// Resolve finds a tool by name: explicit tier first, then custom, then the
// MCP resolver for mcp_-prefixed names.
func (g *Gateway) Resolve(name string) (*Tool, bool) {
	g.mu.RLock()
	tool, ok := g.builtin[name]
	if !ok {
		tool, ok = g.custom[name]
	}
	mcp := g.mcp
	g.mu.RUnlock()

	if ok {
		return tool, true
	}
	if mcp != nil && strings.HasPrefix(name, MCPPrefix) {
		return mcp.Resolve(name)
	}
	return nil, false
}

// Tools returns the registered catalog sorted by name. Explicit
// registrations shadow custom tools of the same name; resolver-backed MCP
// tools are not enumerable and are omitted.
func (g *Gateway) Tools() []Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byName := make(map[string]*Tool, len(g.builtin)+len(g.custom))
	for name, t := range g.custom {
		byName[name] = t
	}
	for name, t := range g.builtin {
		byName[name] = t
	}

	out := make([]Tool, 0, len(byName))
	for _, t := range byName {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute resolves and runs one tool call, normalizing every failure mode
// into error-prefixed text so the loop never has to distinguish a missing
// tool from a thrown one. The result's error flag derives solely from the
// output's error prefix.
func (g *Gateway) Execute(ctx context.Context, call models.ToolCall) Result {
	callID := call.ID
	if callID == "" {
		callID = uuid.New().String()
	}

	start := time.Now()
	output := g.run(ctx, call)
	duration := time.Since(start)

	result := Result{
		CallID:   callID,
		Name:     call.Name,
		Output:   output,
		IsError:  IsErrorOutput(output),
		Duration: duration,
	}

	status := "success"
	if result.IsError {
		status = "error"
	}
	if g.metrics != nil {
		g.metrics.RecordToolExecution(call.Name, status, duration.Seconds())
	}
	g.logger.Debug("tool executed",
		"tool", call.Name, "call_id", callID, "status", status,
		"duration_ms", duration.Milliseconds())

	return result
}

func (g *Gateway) run(ctx context.Context, call models.ToolCall) (output string) {
	// A panicking handler is reported like any other tool error.
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			output = fmt.Sprintf("Error: %v", r)
		}
	}()

	tool, ok := g.Resolve(call.Name)
	if !ok {
		return fmt.Sprintf("Error: tool not found: %s", call.Name)
	}

	args, err := ParseArguments(call.Input)
	if err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err)
	}

	if len(tool.Schema) > 0 {
		schema, err := g.compiledSchema(tool.Name, tool.Schema)
		if err != nil {
			return fmt.Sprintf("Error: invalid schema for %s: %v", call.Name, err)
		}
		if err := schema.Validate(anyValue(args)); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err)
		}
	}

	if ctx.Err() != nil {
		return CancelledMessage
	}

	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}

	value, err := tool.Handler(ctx, args)
	if err != nil {
		if isCancellation(ctx, err) {
			return CancelledMessage
		}
		if span != nil {
			g.tracer.RecordError(span, err)
		}
		return "Error: " + err.Error()
	}
	return Stringify(value)
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func (g *Gateway) compiledSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := g.schemas.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	g.schemas.Store(name, compiled)
	return compiled, nil
}

// ParseArguments normalizes a tool-call input payload into an argument map.
// A JSON object decodes directly; a JSON string is treated as doubly encoded
// and its contents parsed; empty input yields an empty map.
func ParseArguments(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}

	var text string
	if err := json.Unmarshal(input, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(text), &args); err != nil {
			return nil, fmt.Errorf("parse argument string: %w", err)
		}
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}

	return nil, fmt.Errorf("arguments must be a JSON object or encoded string")
}

// Stringify renders a handler's return value as message text. Strings pass
// through; everything else becomes JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// anyValue round-trips the argument map so schema validation sees plain
// JSON-decoded values.
func anyValue(args map[string]any) any {
	return map[string]any(args)
}
