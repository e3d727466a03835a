package agent

// Policy holds the critic thresholds and the completion-tool set. The
// defaults reproduce long-standing behavior; deployments tune them through
// the agent config section rather than editing call sites.
type Policy struct {
	// MaxRetries bounds quality-gate retries per request.
	MaxRetries int

	// ToolCallBudget is the tool-call count above which the critic steers
	// the model toward finalizing.
	ToolCallBudget int

	// ShortInputLen and MinShortResponseLen drive the accept rule: an
	// input shorter than ShortInputLen with a response longer than
	// MinShortResponseLen is accepted outright.
	ShortInputLen       int
	MinShortResponseLen int

	// LongInputLen and BriefResponseLen drive the too-brief rule: an
	// input longer than LongInputLen answered in fewer than
	// BriefResponseLen characters is retried.
	LongInputLen     int
	BriefResponseLen int

	// RecentActionWindow bounds how many completed actions the
	// continuation prompt replays.
	RecentActionWindow int

	// CompletionTools lists tool names whose successful execution signals
	// the task is likely done.
	CompletionTools []string
}

// DefaultCompletionTools is the stock completion-tool set.
var DefaultCompletionTools = []string{
	"speak_text",
	"evaluate_math",
	"web_search",
	"generate_image",
	"update_surface_component",
	"create_surface",
	"attempt_completion",
	"write_file",
	"create_file",
	"execute_command",
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          2,
		ToolCallBudget:      25,
		ShortInputLen:       50,
		MinShortResponseLen: 20,
		LongInputLen:        200,
		BriefResponseLen:    30,
		RecentActionWindow:  5,
		CompletionTools:     DefaultCompletionTools,
	}
}

func sanitizePolicy(p Policy) Policy {
	defaults := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.ToolCallBudget <= 0 {
		p.ToolCallBudget = defaults.ToolCallBudget
	}
	if p.ShortInputLen <= 0 {
		p.ShortInputLen = defaults.ShortInputLen
	}
	if p.MinShortResponseLen <= 0 {
		p.MinShortResponseLen = defaults.MinShortResponseLen
	}
	if p.LongInputLen <= 0 {
		p.LongInputLen = defaults.LongInputLen
	}
	if p.BriefResponseLen <= 0 {
		p.BriefResponseLen = defaults.BriefResponseLen
	}
	if p.RecentActionWindow <= 0 {
		p.RecentActionWindow = defaults.RecentActionWindow
	}
	if len(p.CompletionTools) == 0 {
		p.CompletionTools = defaults.CompletionTools
	}
	return p
}

func (p Policy) completionSet() map[string]bool {
	set := make(map[string]bool, len(p.CompletionTools))
	for _, name := range p.CompletionTools {
		set[name] = true
	}
	return set
}
