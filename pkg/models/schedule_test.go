package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSchedule_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	last := now.Add(-time.Minute)
	next := now.Add(time.Minute)
	original := Schedule{
		ID:            "sched-1",
		Name:          "daily report",
		Description:   "summarize the inbox",
		Query:         "summarize unread mail",
		IntervalMs:    60000,
		Status:        ScheduleActive,
		CreatedAt:     now,
		LastRunAt:     &last,
		NextRunAt:     &next,
		RunCount:      3,
		MaxRuns:       10,
		LastTaskID:    "task-9",
		SkipIfRunning: true,
		Tags:          []string{"mail", "report"},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored Schedule
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.ID != original.ID || restored.Query != original.Query {
		t.Errorf("identity fields changed: %+v", restored)
	}
	if restored.IntervalMs != original.IntervalMs {
		t.Errorf("IntervalMs = %d, want %d", restored.IntervalMs, original.IntervalMs)
	}
	if restored.RunCount != original.RunCount || restored.MaxRuns != original.MaxRuns {
		t.Errorf("run bookkeeping changed: %+v", restored)
	}
	if restored.LastRunAt == nil || !restored.LastRunAt.Equal(last) {
		t.Errorf("LastRunAt = %v, want %v", restored.LastRunAt, last)
	}
	if !restored.SkipIfRunning {
		t.Error("SkipIfRunning lost in round trip")
	}
}

func TestSchedule_PersistedFieldNames(t *testing.T) {
	s := Schedule{ID: "s", IntervalMs: 60000, SkipIfRunning: true, MaxRuns: 2, LastTaskID: "t"}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, key := range []string{"intervalMs", "skipIfRunning", "maxRuns", "lastTaskId", "runCount"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("persisted JSON missing key %q (got %v)", key, raw)
		}
	}
}

func TestSchedule_Clone(t *testing.T) {
	now := time.Now()
	s := &Schedule{ID: "s", NextRunAt: &now, Tags: []string{"a"}}
	c := s.Clone()

	c.Tags[0] = "b"
	*c.NextRunAt = now.Add(time.Hour)

	if s.Tags[0] != "a" {
		t.Error("clone shares Tags backing array")
	}
	if !s.NextRunAt.Equal(now) {
		t.Error("clone shares NextRunAt pointer")
	}
}
