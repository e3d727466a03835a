package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/axon/internal/request"
	"github.com/haasonsaas/axon/internal/tools"
	"github.com/haasonsaas/axon/pkg/models"
)

func newCriticMachine() *Machine {
	return New(&fakeClient{}, tools.New(), nil)
}

func TestCriticToolsDecisions(t *testing.T) {
	tests := []struct {
		name     string
		results  []tools.Result
		turns    int
		maxTurns int
		want     string
	}{
		{
			name:     "completion tool success wraps up",
			results:  []tools.Result{{Name: "write_file", Output: "written"}},
			maxTurns: 30,
			want:     guidanceSummarize,
		},
		{
			name: "completion tool with batch error does not wrap up",
			results: []tools.Result{
				{Name: "write_file", Output: "written"},
				{Name: "read_file", Output: "Error: ENOENT", IsError: true},
			},
			maxTurns: 30,
			want:     "",
		},
		{
			name:     "errored completion tool does not wrap up",
			results:  []tools.Result{{Name: "write_file", Output: "Error: disk full", IsError: true}},
			maxTurns: 30,
			want:     "",
		},
		{
			name:     "turn budget pressure corrects",
			results:  []tools.Result{{Name: "list_dir", Output: "a"}},
			turns:    28,
			maxTurns: 30,
			want:     guidanceFinalize,
		},
		{
			name:     "ordinary batch continues",
			results:  []tools.Result{{Name: "list_dir", Output: "a"}},
			turns:    2,
			maxTurns: 30,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newCriticMachine()
			rc := request.New("task", request.Options{MaxTurns: tt.maxTurns})
			for i := 0; i < tt.turns; i++ {
				rc.AdvanceTurn()
			}
			if got := m.criticTools(rc, tt.results); got != tt.want {
				t.Errorf("criticTools() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCriticToolsToolBudget(t *testing.T) {
	m := newCriticMachine()
	rc := request.New("task", request.Options{MaxTurns: 30})
	rc.AdvanceTurn()
	for i := 0; i <= m.policy.ToolCallBudget; i++ {
		rc.RecordAction(models.CompletedAction{Tool: "noop", Status: models.ActionSuccess})
	}
	got := m.criticTools(rc, []tools.Result{{Name: "list_dir", Output: "a"}})
	if got != guidanceFinalize {
		t.Errorf("criticTools over budget = %q, want finalize guidance", got)
	}
}

func TestCriticText(t *testing.T) {
	longInput := strings.Repeat("x", 250)
	longResponse := strings.Repeat("words and more words ", 5)

	tests := []struct {
		name      string
		input     string
		response  string
		wantRetry bool
		wantGuide string
	}{
		{
			name:      "short input long response accepted",
			input:     "hello",
			response:  "Hello! How can I help you today?",
			wantRetry: false,
		},
		{
			name:      "long input brief response retried",
			input:     longInput,
			response:  "done",
			wantRetry: true,
			wantGuide: guidanceTooBrief,
		},
		{
			name:      "unjustified refusal retried",
			input:     strings.Repeat("y", 120),
			response:  "I can't do that.",
			wantRetry: true,
			wantGuide: guidanceJustify,
		},
		{
			name:      "justified refusal accepted",
			input:     strings.Repeat("y", 120),
			response:  "I cannot do that because the file is read-only; however, you could copy it first.",
			wantRetry: false,
		},
		{
			name:      "short refusal on short input accepted via first rule",
			input:     "hi",
			response:  "I can't help with that, but here is an idea.",
			wantRetry: false,
		},
		{
			name:      "ordinary response accepted",
			input:     longInput,
			response:  longResponse,
			wantRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newCriticMachine()
			rc := request.New(tt.input, request.Options{})
			retry, guide := m.criticText(rc, tt.response)
			if retry != tt.wantRetry {
				t.Errorf("retry = %v, want %v", retry, tt.wantRetry)
			}
			if tt.wantRetry && guide != tt.wantGuide {
				t.Errorf("guidance = %q, want %q", guide, tt.wantGuide)
			}
		})
	}
}
