package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/haasonsaas/axon/pkg/models"
)

var (
	ssePrefix = []byte("data: ")
	sseDone   = []byte("[DONE]")
)

// doStream runs a streaming completion. Text deltas go to the sink as they
// arrive; tool-call fragments are reassembled by index, the id arriving on
// the first fragment and arguments concatenating across fragments. The
// stream ends on the [DONE] sentinel, a terminal finish_reason, or EOF.
// Lines that fail to decode are skipped.
func (c *Client) doStream(ctx context.Context, req chatRequest, sink Sink) (chatMessage, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return chatMessage{}, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	pending := make(map[int]*wireToolCall)
	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return chatMessage{}, context.Canceled
			}
			return chatMessage{}, fmt.Errorf("read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		line = bytes.TrimPrefix(line, ssePrefix)
		if bytes.Equal(line, sseDone) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return chatMessage{}, fmt.Errorf("model API error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		ch := chunk.Choices[0]
		if ch.Delta.Content != "" {
			content.WriteString(ch.Delta.Content)
			sink(ch.Delta.Content)
		}
		for _, d := range ch.Delta.ToolCalls {
			tc, ok := pending[d.Index]
			if !ok {
				tc = &wireToolCall{Type: "function"}
				pending[d.Index] = tc
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Function.Name != "" {
				tc.Function.Name = d.Function.Name
			}
			tc.Function.Arguments += d.Function.Arguments
		}

		if ch.FinishReason == "stop" || ch.FinishReason == "tool_calls" {
			break
		}
	}

	msg := chatMessage{Role: string(models.RoleAssistant), Content: content.String()}
	if len(pending) > 0 {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			msg.ToolCalls = append(msg.ToolCalls, *pending[i])
		}
	}
	return msg, nil
}
