package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/axon/pkg/models"
)

func userMsg(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content}
}

func assistantWithCalls(content string, callIDs ...string) models.Message {
	msg := models.Message{Role: models.RoleAssistant, Content: content}
	for _, id := range callIDs {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:    id,
			Name:  "list_dir",
			Input: json.RawMessage(`{"path":"."}`),
		})
	}
	return msg
}

func toolMsg(callID, content string) models.Message {
	return models.Message{Role: models.RoleTool, ToolCallID: callID, Name: "list_dir", Content: content}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New("conv-1")
	s.Append(userMsg("hello"))

	got := s.Get()
	got[0].Content = "mutated"

	if s.Get()[0].Content != "hello" {
		t.Error("Get exposed internal slice")
	}
}

func TestStore_SetReplaces(t *testing.T) {
	s := New("conv-1")
	s.Append(userMsg("a"), userMsg("b"))
	s.Set([]models.Message{userMsg("only")})

	if s.Len() != 1 || s.Get()[0].Content != "only" {
		t.Errorf("Set did not replace log: %+v", s.Get())
	}
}

func TestEnforceContextLimits_DropsOldestFirst(t *testing.T) {
	// Budget of 50 tokens = 200 chars. Three user messages of 100 chars each
	// puts us at 75 tokens; the oldest should go.
	s := New("conv-1", WithMaxContextTokens(50))
	s.Append(
		userMsg("first "+strings.Repeat("x", 94)),
		userMsg("second "+strings.Repeat("y", 93)),
		userMsg("third "+strings.Repeat("z", 94)),
	)

	s.EnforceContextLimits()

	msgs := s.Get()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0].Content, "second") {
		t.Errorf("oldest not dropped first, head = %q", msgs[0].Content[:6])
	}
}

func TestEnforceContextLimits_PreservesSystem(t *testing.T) {
	s := New("conv-1", WithMaxContextTokens(30))
	system := models.Message{Role: models.RoleSystem, Content: strings.Repeat("s", 80)}
	s.Append(system, userMsg(strings.Repeat("u", 200)))

	s.EnforceContextLimits()

	msgs := s.Get()
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			return
		}
	}
	t.Errorf("system message was trimmed: %+v", msgs)
}

func TestEnforceContextLimits_NeverSplitsToolPairs(t *testing.T) {
	// An assistant tool-call batch and its answers form one group: trimming
	// must remove them together or not at all.
	s := New("conv-1", WithMaxContextTokens(60))
	s.Append(
		userMsg(strings.Repeat("a", 100)),
		assistantWithCalls("checking", "call-1", "call-2"),
		toolMsg("call-1", strings.Repeat("r", 100)),
		toolMsg("call-2", strings.Repeat("r", 100)),
		userMsg("follow up"),
		userMsg(strings.Repeat("b", 100)),
	)

	s.EnforceContextLimits()

	// Whatever was trimmed, no orphan tool message and no assistant batch
	// missing its answers may remain.
	msgs := s.Get()
	declared := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			declared[tc.ID] = true
		}
	}
	answered := map[string]bool{}
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			if !declared[m.ToolCallID] {
				t.Errorf("orphan tool message for %q survived trim", m.ToolCallID)
			}
			answered[m.ToolCallID] = true
		}
	}
	for id := range declared {
		if !answered[id] {
			t.Errorf("assistant call %q lost its tool answer", id)
		}
	}
}

func TestEnforceContextLimits_NoopUnderBudget(t *testing.T) {
	s := New("conv-1", WithMaxContextTokens(1000))
	s.Append(userMsg("short"), userMsg("also short"))

	s.EnforceContextLimits()

	if s.Len() != 2 {
		t.Errorf("trimmed while under budget, len = %d", s.Len())
	}
}

type failingPersister struct{ err error }

func (f *failingPersister) Save(context.Context, string, []models.Message) error { return f.err }
func (f *failingPersister) Load(context.Context, string) ([]models.Message, error) {
	return nil, f.err
}

type memoryPersister struct {
	saved map[string][]models.Message
}

func (m *memoryPersister) Save(_ context.Context, id string, msgs []models.Message) error {
	if m.saved == nil {
		m.saved = map[string][]models.Message{}
	}
	m.saved[id] = msgs
	return nil
}

func (m *memoryPersister) Load(_ context.Context, id string) ([]models.Message, error) {
	return m.saved[id], nil
}

func TestSaveActive_FailureIsNotFatal(t *testing.T) {
	s := New("conv-1", WithPersister(&failingPersister{err: errors.New("disk full")}))
	s.Append(userMsg("hello"))

	// Must not panic and must keep the in-memory log intact.
	s.SaveActive(context.Background())

	if s.Len() != 1 {
		t.Errorf("in-memory log changed after failed save, len = %d", s.Len())
	}
}

func TestSaveActive_RoundTrip(t *testing.T) {
	p := &memoryPersister{}
	s := New("conv-1", WithPersister(p))
	s.Append(userMsg("hello"), assistantWithCalls("on it", "call-1"), toolMsg("call-1", "done"))
	s.SaveActive(context.Background())

	restored := New("conv-1", WithPersister(p))
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Len() != 3 {
		t.Fatalf("restored len = %d, want 3", restored.Len())
	}
	if restored.Get()[1].ToolCalls[0].ID != "call-1" {
		t.Error("tool-call stub lost in round trip")
	}
}
