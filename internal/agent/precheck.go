package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/axon/internal/llm"
	"github.com/haasonsaas/axon/internal/request"
	"github.com/haasonsaas/axon/pkg/models"
)

// Pre-check classifier labels.
const (
	statusFastPath = "FAST_PATH"
	statusClarify  = "CLARIFY"
	statusProceed  = "PROCEED"
)

// precheckPrompt is the fixed classifier instruction run once before the
// loop. Its decision is non-binding: any failure falls through to PROCEED.
const precheckPrompt = `You are a request classifier for an AI agent. Classify the user request into exactly one of three labels:

- FAST_PATH: a greeting or trivial question you can answer directly in one sentence. Include the answer in "response".
- CLARIFY: the request is too ambiguous to act on. Include the single most useful clarifying question in "question".
- PROCEED: anything else; the agent loop should handle it.

Respond with JSON: {"status": "...", "response": "...", "question": "...", "reasoning": "..."}. Only "status" is required.`

var precheckSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["FAST_PATH", "CLARIFY", "PROCEED"]},
		"response": {"type": "string"},
		"question": {"type": "string"},
		"reasoning": {"type": "string"}
	},
	"required": ["status"]
}`)

type precheckResult struct {
	Status   string
	Response string
	Question string
}

// precheck runs the one-shot classifier. It returns nil for PROCEED and for
// every failure mode: transport error, unparseable JSON, or a label missing
// its payload.
func (m *Machine) precheck(ctx context.Context, rc *request.Context) *precheckResult {
	record := false
	answer, err := m.client.AskWithMessages(ctx,
		[]models.Message{{Role: models.RoleUser, Content: rc.CurrentInput()}},
		llm.AskOptions{
			Format:        llm.FormatJSON,
			Schema:        precheckSchema,
			SystemPrompt:  precheckPrompt,
			RecordHistory: &record,
			Model:         rc.Model,
		})
	if err != nil {
		if !IsCancellation(err) {
			m.logger.Debug("pre-check failed, proceeding to loop",
				"request_id", rc.ID, "error", err)
		}
		return nil
	}
	if answer == nil || answer.JSON == nil {
		return nil
	}
	if _, failed := answer.JSON["error"]; failed {
		return nil
	}

	res := &precheckResult{
		Status:   stringField(answer.JSON, "status"),
		Response: stringField(answer.JSON, "response"),
		Question: stringField(answer.JSON, "question"),
	}
	switch res.Status {
	case statusFastPath:
		if res.Response != "" {
			return res
		}
	case statusClarify:
		if res.Question != "" {
			return res
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
