package models

import (
	"strings"
	"testing"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleSystem, "system"},
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestSummarize_Boundaries(t *testing.T) {
	exact := strings.Repeat("a", SummaryMaxLen)
	over := strings.Repeat("a", SummaryMaxLen+1)

	if got := Summarize(exact); got != exact {
		t.Errorf("output at cap should pass through unchanged, got len %d", len(got))
	}
	got := Summarize(over)
	if !strings.HasSuffix(got, SummaryEllipsis) {
		t.Errorf("output over cap should end with ellipsis, got %q", got[len(got)-8:])
	}
	if n := len([]rune(got)); n != SummaryMaxLen+1 {
		t.Errorf("truncated summary rune length = %d, want %d", n, SummaryMaxLen+1)
	}
}

func TestSummarize_MultiByte(t *testing.T) {
	// Rune counting, not byte counting: 200 CJK characters must truncate at
	// 150 runes without splitting one.
	in := strings.Repeat("界", 200)
	got := Summarize(in)
	runes := []rune(got)
	if len(runes) != SummaryMaxLen+1 {
		t.Fatalf("rune length = %d, want %d", len(runes), SummaryMaxLen+1)
	}
	for i, r := range runes[:SummaryMaxLen] {
		if r != '界' {
			t.Fatalf("rune %d = %q, want %q", i, r, '界')
		}
	}
}
