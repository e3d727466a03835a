package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/axon/pkg/models"
)

func call(name string, args string) models.ToolCall {
	return models.ToolCall{ID: "call-1", Name: name, Input: json.RawMessage(args)}
}

func TestIsErrorOutput(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"Error: boom", true},
		{"  error: lowercase and padded", true},
		{"ERROR: shouting", true},
		{"the operation failed", false},
		{"everything is fine, no error: here", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsErrorOutput(tt.output); got != tt.want {
			t.Errorf("IsErrorOutput(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestExecuteHappyPath(t *testing.T) {
	g := New()
	g.Register(Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	})

	res := g.Execute(context.Background(), call("echo", `{"text":"hi"}`))
	if res.IsError || res.Output != "hi" {
		t.Fatalf("Execute = %q (error=%v)", res.Output, res.IsError)
	}
	if res.CallID != "call-1" {
		t.Errorf("CallID = %q, want model-supplied id", res.CallID)
	}
}

func TestExecuteGeneratesCallID(t *testing.T) {
	g := New()
	g.Register(Tool{Name: "noop", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	}})

	res := g.Execute(context.Background(), models.ToolCall{Name: "noop"})
	if res.CallID == "" {
		t.Error("CallID empty for call without model id")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	g := New()
	res := g.Execute(context.Background(), call("missing", `{}`))
	if !res.IsError || !strings.Contains(res.Output, "tool not found") {
		t.Fatalf("Execute = %q", res.Output)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	g := New()
	g.Register(Tool{Name: "bad", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("disk full")
	}})

	res := g.Execute(context.Background(), call("bad", `{}`))
	if !res.IsError || res.Output != "Error: disk full" {
		t.Fatalf("Execute = %q (error=%v)", res.Output, res.IsError)
	}
}

func TestExecuteHandlerPanic(t *testing.T) {
	g := New()
	g.Register(Tool{Name: "explode", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	}})

	res := g.Execute(context.Background(), call("explode", `{}`))
	if !res.IsError || !strings.Contains(res.Output, "kaboom") {
		t.Fatalf("Execute = %q (error=%v)", res.Output, res.IsError)
	}
}

func TestExecuteCancellation(t *testing.T) {
	g := New()
	g.Register(Tool{Name: "slow", Handler: func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := g.Execute(ctx, call("slow", `{}`))
	if res.Output != CancelledMessage {
		t.Fatalf("Execute = %q, want %q", res.Output, CancelledMessage)
	}
	if !res.IsError {
		t.Error("cancelled result not flagged as error")
	}
}

func TestExecuteSchemaValidation(t *testing.T) {
	g := New()
	err := g.Register(Tool{
		Name:   "typed",
		Schema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := g.Execute(context.Background(), call("typed", `{"n":3}`))
	if res.IsError {
		t.Fatalf("valid args rejected: %q", res.Output)
	}
	res = g.Execute(context.Background(), call("typed", `{}`))
	if !res.IsError || !strings.Contains(res.Output, "invalid arguments") {
		t.Fatalf("missing required arg accepted: %q", res.Output)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	g := New()
	err := g.Register(Tool{
		Name:   "broken",
		Schema: json.RawMessage(`{"type": 42}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, nil
		},
	})
	if err == nil {
		t.Fatal("want error for malformed schema")
	}
}

func TestResolutionTiers(t *testing.T) {
	g := New()
	handler := func(out string) Handler {
		return func(ctx context.Context, args map[string]any) (any, error) { return out, nil }
	}

	g.RegisterCustom(Tool{Name: "shadowed", Handler: handler("custom")})
	g.Register(Tool{Name: "shadowed", Handler: handler("explicit")})

	res := g.Execute(context.Background(), call("shadowed", `{}`))
	if res.Output != "explicit" {
		t.Errorf("explicit tier should shadow custom, got %q", res.Output)
	}
}

type fakeResolver struct {
	tools map[string]*Tool
}

func (r *fakeResolver) Resolve(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func TestMCPResolution(t *testing.T) {
	g := New()
	g.SetMCPResolver(&fakeResolver{tools: map[string]*Tool{
		"mcp_lookup": {
			Name: "mcp_lookup",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return "from mcp", nil
			},
		},
	}})

	res := g.Execute(context.Background(), call("mcp_lookup", `{}`))
	if res.Output != "from mcp" {
		t.Errorf("mcp resolution failed: %q", res.Output)
	}

	// Non-prefixed names never reach the resolver.
	if _, ok := g.Resolve("lookup"); ok {
		t.Error("resolver consulted for non-mcp name")
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
		wantErr bool
	}{
		{"object", `{"a":1}`, "a", false},
		{"double encoded", `"{\"b\":2}"`, "b", false},
		{"empty", ``, "", false},
		{"empty string", `""`, "", false},
		{"null object", `null`, "", false},
		{"garbage", `[1,2]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ParseArguments(json.RawMessage(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArguments: %v", err)
			}
			if args == nil {
				t.Fatal("args nil")
			}
			if tt.wantKey != "" {
				if _, ok := args[tt.wantKey]; !ok {
					t.Errorf("missing key %q in %v", tt.wantKey, args)
				}
			}
		})
	}
}

func TestStringify(t *testing.T) {
	if got := Stringify("plain"); got != "plain" {
		t.Errorf("string passthrough = %q", got)
	}
	if got := Stringify(map[string]int{"n": 1}); got != `{"n":1}` {
		t.Errorf("object = %q", got)
	}
	if got := Stringify(nil); got != "" {
		t.Errorf("nil = %q", got)
	}
}

func TestToolsCatalogSorted(t *testing.T) {
	g := New()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	g.Register(Tool{Name: "zeta", Handler: noop})
	g.Register(Tool{Name: "alpha", Handler: noop})
	g.RegisterCustom(Tool{Name: "mid", Handler: noop})

	catalog := g.Tools()
	if len(catalog) != 3 {
		t.Fatalf("len = %d", len(catalog))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if catalog[i].Name != want {
			t.Errorf("catalog[%d] = %q, want %q", i, catalog[i].Name, want)
		}
	}
}
