package agent

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/axon/internal/request"
	"github.com/haasonsaas/axon/pkg/models"
)

// assemblePrompt builds the model input for the current turn. Turn 1 sends
// the raw user input; later turns compose the original task, the turn
// counter, pending tool errors (cleared here), a bounded tail of completed
// actions, and the continuation instruction. Critic guidance is prepended;
// queued background errors are appended as a deduplicated warning block.
func (m *Machine) assemblePrompt(rc *request.Context, guidance string) string {
	var b strings.Builder

	if guidance != "" {
		fmt.Fprintf(&b, "[GUIDANCE]: %s\n\n", guidance)
	}

	if rc.Turn() <= 1 {
		b.WriteString(rc.CurrentInput())
	} else {
		fmt.Fprintf(&b, "ORIGINAL TASK: %s\n\n", rc.OriginalInput)
		fmt.Fprintf(&b, "This is turn %d of %d.\n", rc.Turn(), rc.MaxTurns)

		if failures := rc.TakeFailures(); len(failures) > 0 {
			b.WriteString("\nERRORS YOU MUST ADDRESS:\n")
			for _, f := range failures {
				fmt.Fprintf(&b, "- %s: %s\n", f.Tool, models.Summarize(f.Message))
			}
		}

		if actions := recentActions(rc.CompletedActions(), m.policy.RecentActionWindow); len(actions) > 0 {
			b.WriteString("\nRECENT ACTIONS:\n")
			for _, a := range actions {
				fmt.Fprintf(&b, "- %s (%s): %s\n", a.Tool, a.Status, a.Summary)
			}
		}

		b.WriteString("\nReview the tool results above and continue.")
	}

	if warnings := rc.DrainBackgroundErrors(); len(warnings) > 0 {
		b.WriteString("\n\n[SYSTEM WARNING] Background errors occurred:\n")
		for _, w := range warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	return b.String()
}

func recentActions(actions []models.CompletedAction, window int) []models.CompletedAction {
	if len(actions) <= window {
		return actions
	}
	return actions[len(actions)-window:]
}
