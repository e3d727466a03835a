package agent

import (
	"strings"

	"github.com/haasonsaas/axon/internal/request"
	"github.com/haasonsaas/axon/internal/tools"
)

// Guidance strings the tool critic feeds into the next turn.
const (
	guidanceSummarize = "The task appears complete. Summarize the results for the user and finish."
	guidanceFinalize  = "You are close to the turn and tool budget. Finalize your answer now instead of calling more tools."
)

// Quality-gate guidance for retried text responses.
const (
	guidanceTooBrief = "[QUALITY CHECK FAILED] The response is too brief for a request of this size. Provide a complete answer."
	guidanceJustify  = "[QUALITY CHECK FAILED] If the task cannot be done, explain why or offer an alternative approach."
)

// criticTools decides the follow-up guidance after a tool batch. The
// decision comes from structured state only, never from output substrings:
// a successful completion tool with a clean batch steers toward summarizing,
// budget pressure steers toward finalizing, anything else continues.
func (m *Machine) criticTools(rc *request.Context, results []tools.Result) string {
	batchHadError := false
	completionSucceeded := false
	for _, r := range results {
		if r.IsError {
			batchHadError = true
			continue
		}
		if m.completion[r.Name] {
			completionSucceeded = true
		}
	}

	switch {
	case completionSucceeded && !batchHadError:
		return guidanceSummarize
	case rc.ToolCallCount() > m.policy.ToolCallBudget || rc.Turn() >= rc.MaxTurns-2:
		return guidanceFinalize
	default:
		return ""
	}
}

// criticText applies the quality gate to a text response. It reports whether
// to retry and, if so, the guidance for the next attempt. The caller still
// enforces the retry budget.
func (m *Machine) criticText(rc *request.Context, response string) (bool, string) {
	input := rc.OriginalInput
	resp := strings.TrimSpace(response)

	if len(input) < m.policy.ShortInputLen && len(resp) > m.policy.MinShortResponseLen {
		return false, ""
	}
	if len(input) > m.policy.LongInputLen && len(resp) < m.policy.BriefResponseLen {
		return true, guidanceTooBrief
	}

	lower := strings.ToLower(resp)
	refused := strings.Contains(lower, "i can't") || strings.Contains(lower, "i cannot")
	justified := strings.Contains(lower, "because") || strings.Contains(lower, "however")
	if refused && !justified {
		return true, guidanceJustify
	}

	return false, ""
}
