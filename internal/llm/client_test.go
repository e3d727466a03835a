package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/axon/internal/history"
	"github.com/haasonsaas/axon/pkg/models"
)

// captureHandler returns a handler that records the raw request body and
// replies with the given JSON.
func captureHandler(t *testing.T, body *[]byte, reply string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		*body = raw
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, reply)
	}
}

func textReply(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func TestAsk_RequestShape(t *testing.T) {
	var body []byte
	server := httptest.NewServer(captureHandler(t, &body, textReply("hi")))
	defer server.Close()

	client := New(server.URL, "test-model", WithAPIKey("secret"))
	answer, err := client.Ask(context.Background(), "hello", AskOptions{
		SystemPrompt: "be brief",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Content != "hi" {
		t.Errorf("Content = %q, want %q", answer.Content, "hi")
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	if req.Model != "test-model" {
		t.Errorf("model = %q, want test-model", req.Model)
	}
	if req.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", req.Temperature, DefaultTemperature)
	}
	if req.Stream {
		t.Error("stream = true, want false")
	}
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
		t.Errorf("messages[0] = %+v, want system prompt first", req.Messages[0])
	}
	if req.Messages[1].Role != "user" || req.Messages[1].Content != "hello" {
		t.Errorf("messages[1] = %+v, want user prompt last", req.Messages[1])
	}
	if req.ResponseFormat != nil {
		t.Errorf("response_format = %+v, want absent for text format", req.ResponseFormat)
	}
}

func TestAsk_AssemblyIncludesHistory(t *testing.T) {
	var body []byte
	server := httptest.NewServer(captureHandler(t, &body, textReply("ok")))
	defer server.Close()

	store := history.New("conv-1")
	store.Set([]models.Message{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
	})

	client := New(server.URL, "m", WithHistory(store))
	if _, err := client.Ask(context.Background(), "second question", AskOptions{SystemPrompt: "sys"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(req.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if req.Messages[i].Role != role {
			t.Errorf("messages[%d].role = %q, want %q", i, req.Messages[i].Role, role)
		}
	}
	if req.Messages[3].Content != "second question" {
		t.Errorf("last message = %q, want the new prompt", req.Messages[3].Content)
	}
}

func TestAsk_SchemaAttachedUnderBothKeys(t *testing.T) {
	var body []byte
	server := httptest.NewServer(captureHandler(t, &body, textReply(`{"answer":42}`)))
	defer server.Close()

	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"number"}}}`)
	client := New(server.URL, "m")
	if _, err := client.Ask(context.Background(), "compute", AskOptions{Format: FormatJSON, Schema: schema}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	rf, ok := raw["response_format"].(map[string]any)
	if !ok {
		t.Fatal("response_format missing from request")
	}
	if rf["type"] != "json_schema" {
		t.Errorf("response_format.type = %v, want json_schema", rf["type"])
	}
	if _, ok := rf["schema"]; !ok {
		t.Error("response_format.schema missing (flat convention)")
	}
	js, ok := rf["json_schema"].(map[string]any)
	if !ok {
		t.Fatal("response_format.json_schema missing (nested convention)")
	}
	if js["name"] != "response" {
		t.Errorf("json_schema.name = %v, want response", js["name"])
	}
	if js["strict"] != true {
		t.Errorf("json_schema.strict = %v, want true", js["strict"])
	}
	if _, ok := js["schema"]; !ok {
		t.Error("json_schema.schema missing")
	}

	// A schema request must not get the coax suffix.
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "compute" {
		t.Errorf("prompt = %q, want unmodified prompt when schema is set", last.Content)
	}
}

func TestAsk_JSONCoaxWithoutSchema(t *testing.T) {
	var body []byte
	server := httptest.NewServer(captureHandler(t, &body, textReply(`{"ok":true}`)))
	defer server.Close()

	client := New(server.URL, "m")
	if _, err := client.Ask(context.Background(), "give me json", AskOptions{Format: FormatJSON}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	last := req.Messages[len(req.Messages)-1]
	if !strings.HasSuffix(last.Content, "Return valid JSON only.") {
		t.Errorf("prompt = %q, want coax suffix appended", last.Content)
	}
	if req.ResponseFormat != nil {
		t.Errorf("response_format = %+v, want absent without a schema", req.ResponseFormat)
	}
}

func TestAsk_ParsesJSONAnswer(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantKey string
		wantVal any
	}{
		{
			name:    "plain object",
			content: `{"city":"London"}`,
			wantKey: "city",
			wantVal: "London",
		},
		{
			name:    "json fence stripped",
			content: "```json\n{\"city\":\"London\"}\n```",
			wantKey: "city",
			wantVal: "London",
		},
		{
			name:    "bare fence stripped",
			content: "```\n{\"city\":\"London\"}\n```",
			wantKey: "city",
			wantVal: "London",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, textReply(tt.content))
			}))
			defer server.Close()

			client := New(server.URL, "m")
			answer, err := client.Ask(context.Background(), "q", AskOptions{Format: FormatJSON})
			if err != nil {
				t.Fatalf("Ask: %v", err)
			}
			if answer.JSON == nil {
				t.Fatal("JSON = nil, want parsed object")
			}
			if answer.JSON[tt.wantKey] != tt.wantVal {
				t.Errorf("JSON[%q] = %v, want %v", tt.wantKey, answer.JSON[tt.wantKey], tt.wantVal)
			}
		})
	}
}

func TestAsk_JSONParseFailurePreservesRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textReply("definitely not json"))
	}))
	defer server.Close()

	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "q", AskOptions{Format: FormatJSON})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.JSON["error"] != "JSON parse failed" {
		t.Errorf(`JSON["error"] = %v, want "JSON parse failed"`, answer.JSON["error"])
	}
	if answer.JSON["raw"] != "definitely not json" {
		t.Errorf(`JSON["raw"] = %v, want original content`, answer.JSON["raw"])
	}
}

func TestAsk_ToolCallBundle(t *testing.T) {
	reply := `{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
		{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"London\"}"}}
	]},"finish_reason":"tool_calls"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, reply)
	}))
	defer server.Close()

	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "weather?", AskOptions{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !answer.HasToolCalls() {
		t.Fatal("HasToolCalls = false, want true")
	}
	tc := answer.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Input, &args); err != nil {
		t.Fatalf("input not valid JSON: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("args = %v", args)
	}
}

func TestAsk_EmptyResponseFallback(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"empty message", `{"choices":[{"message":{"role":"assistant","content":""}}]}`},
		{"no choices", `{"choices":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.reply)
			}))
			defer server.Close()

			client := New(server.URL, "m")
			answer, err := client.Ask(context.Background(), "q", AskOptions{})
			if err != nil {
				t.Fatalf("Ask: %v", err)
			}
			if answer.Content != EmptyResponseFallback {
				t.Errorf("Content = %q, want %q", answer.Content, EmptyResponseFallback)
			}
		})
	}
}

func TestAsk_RecordsHistoryOnSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textReply("the answer"))
	}))
	defer server.Close()

	store := history.New("conv-1")
	client := New(server.URL, "m", WithHistory(store))
	if _, err := client.Ask(context.Background(), "the question", AskOptions{}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	msgs := store.Get()
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "the question" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "the answer" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestAsk_HistoryNotRecordedOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error","code":"500"}}`)
	}))
	defer server.Close()

	store := history.New("conv-1")
	client := New(server.URL, "m", WithHistory(store))
	_, err := client.Ask(context.Background(), "q", AskOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want provider message included", err)
	}
	if store.Len() != 0 {
		t.Errorf("history has %d messages after failure, want 0", store.Len())
	}
}

func TestAsk_RecordHistoryDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textReply("ok"))
	}))
	defer server.Close()

	store := history.New("conv-1")
	client := New(server.URL, "m", WithHistory(store))
	off := false
	if _, err := client.Ask(context.Background(), "q", AskOptions{RecordHistory: &off}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("history has %d messages, want 0 with recording disabled", store.Len())
	}
}

func TestAskWithMessages_NeverTouchesHistory(t *testing.T) {
	var body []byte
	server := httptest.NewServer(captureHandler(t, &body, textReply("classified")))
	defer server.Close()

	store := history.New("conv-1")
	store.Set([]models.Message{{Role: models.RoleUser, Content: "stored"}})

	client := New(server.URL, "m", WithHistory(store))
	answer, err := client.AskWithMessages(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "standalone"},
	}, AskOptions{})
	if err != nil {
		t.Fatalf("AskWithMessages: %v", err)
	}
	if answer.Content != "classified" {
		t.Errorf("Content = %q", answer.Content)
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "standalone" {
		t.Errorf("outgoing messages = %+v, want only the supplied array", req.Messages)
	}
	if store.Len() != 1 {
		t.Errorf("history length = %d, want untouched 1", store.Len())
	}
}

func TestAsk_ModelAndTemperatureOverrides(t *testing.T) {
	var body []byte
	server := httptest.NewServer(captureHandler(t, &body, textReply("ok")))
	defer server.Close()

	client := New(server.URL, "default-model")
	temp := 0.1
	if _, err := client.Ask(context.Background(), "q", AskOptions{Model: "override", Temperature: &temp}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	if req.Model != "override" {
		t.Errorf("model = %q, want override", req.Model)
	}
	if req.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", req.Temperature)
	}
}

func TestAsk_CancellationSurfacesUnchanged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can detect the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(server.URL, "m")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Ask(ctx, "q", AskOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestAsk_TimeoutAbortsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can detect the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(server.URL, "m", WithTimeout(30*time.Millisecond))
	start := time.Now()
	_, err := client.Ask(context.Background(), "q", AskOptions{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout message", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %v, want prompt abort", elapsed)
	}
}

func sseServer(lines ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func TestStream_DeliversChunksToSink(t *testing.T) {
	server := sseServer(
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	defer server.Close()

	var mu sync.Mutex
	var chunks []string
	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "q", AskOptions{
		Stream: true,
		Sink: func(chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Content != "Hello" {
		t.Errorf("Content = %q, want Hello", answer.Content)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Errorf("chunks = %v, want [Hel lo]", chunks)
	}
}

func TestStream_ReassemblesToolCallsByIndex(t *testing.T) {
	server := sseServer(
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"London\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"news\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	)
	defer server.Close()

	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "q", AskOptions{
		Stream: true,
		Sink:   func(string) {},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(answer.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(answer.ToolCalls))
	}

	first := answer.ToolCalls[0]
	if first.ID != "call_a" || first.Name != "get_weather" {
		t.Errorf("first call = %+v", first)
	}
	var args map[string]any
	if err := json.Unmarshal(first.Input, &args); err != nil {
		t.Fatalf("first call input invalid after reassembly: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("first call args = %v", args)
	}

	second := answer.ToolCalls[1]
	if second.ID != "call_b" || second.Name != "search" {
		t.Errorf("second call = %+v", second)
	}
}

func TestStream_SkipsMalformedChunks(t *testing.T) {
	server := sseServer(
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {this is not json`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: [DONE]`,
	)
	defer server.Close()

	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "q", AskOptions{
		Stream: true,
		Sink:   func(string) {},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Content != "ab" {
		t.Errorf("Content = %q, want ab", answer.Content)
	}
}

func TestStream_EndsWithoutDoneSentinel(t *testing.T) {
	server := sseServer(
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	)
	defer server.Close()

	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "q", AskOptions{
		Stream: true,
		Sink:   func(string) {},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Content != "partial" {
		t.Errorf("Content = %q, want partial", answer.Content)
	}
}

func TestStream_EmptyStreamFallsBack(t *testing.T) {
	server := sseServer(`data: [DONE]`)
	defer server.Close()

	client := New(server.URL, "m")
	answer, err := client.Ask(context.Background(), "q", AskOptions{
		Stream: true,
		Sink:   func(string) {},
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Content != EmptyResponseFallback {
		t.Errorf("Content = %q, want %q", answer.Content, EmptyResponseFallback)
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]any
	}{
		{
			name:    "valid object",
			content: `{"a":1}`,
			want:    map[string]any{"a": float64(1)},
		},
		{
			name:    "fenced object",
			content: "```json\n{\"a\":1}\n```",
			want:    map[string]any{"a": float64(1)},
		},
		{
			name:    "invalid returns error map",
			content: "nope",
			want:    map[string]any{"error": "JSON parse failed", "raw": "nope"},
		},
		{
			name:    "array is not an object",
			content: `[1,2]`,
			want:    map[string]any{"error": "JSON parse failed", "raw": `[1,2]`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseJSON(tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseJSON = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("ParseJSON[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestArgumentConversion(t *testing.T) {
	tests := []struct {
		name      string
		arguments string
		wantInput string
	}{
		{"object passes through", `{"a":1}`, `{"a":1}`},
		{"empty becomes object", ``, `{}`},
		{"invalid gets quoted", `not json`, `"not json"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argumentsToInput(tt.arguments)
			if string(got) != tt.wantInput {
				t.Errorf("argumentsToInput(%q) = %s, want %s", tt.arguments, got, tt.wantInput)
			}
		})
	}

	// Round trip: a quoted string input renders back to the bare text.
	if got := inputToArguments(json.RawMessage(`"not json"`)); got != "not json" {
		t.Errorf("inputToArguments = %q, want %q", got, "not json")
	}
	if got := inputToArguments(json.RawMessage(`{"a":1}`)); got != `{"a":1}` {
		t.Errorf("inputToArguments = %q, want object unchanged", got)
	}
}
