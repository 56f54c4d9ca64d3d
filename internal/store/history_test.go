package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/multi-agent/convo-sync/internal/transcript"
)

func TestConvertHistoryUserRow(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	got := ConvertHistory([]MessageRow{{
		ThreadID: "th-1", MessageID: "u1", Type: RowTypeUser,
		Content: "hello", Status: RowStatusSent, CreatedAt: ts,
	}})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	m := got[0]
	if m.ID != "u1" || m.Role != transcript.RoleUser || m.Status != transcript.StatusSent {
		t.Fatalf("message = %+v", m)
	}
	if len(m.Parts) != 1 || m.Parts[0].Content != "hello" || m.Parts[0].Type != transcript.PartText {
		t.Fatalf("parts = %+v, want 单个 text part", m.Parts)
	}
	if !m.CreatedAt.Equal(ts) {
		t.Fatalf("CreatedAt = %v, want %v", m.CreatedAt, ts)
	}
}

func TestConvertHistoryAgentRowPicksFirstAssistantText(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"output": []map[string]any{
			{"type": "tool-call", "role": "assistant", "content": "ignored"},
			{"type": "text", "role": "system", "content": "also ignored"},
			{"type": "text", "role": "assistant", "content": "the answer"},
			{"type": "text", "role": "assistant", "content": "not this one"},
		},
	})
	got := ConvertHistory([]MessageRow{{
		MessageID: "a1", Type: RowTypeAgent, Data: data, AgentName: "coder",
	}})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	m := got[0]
	if m.Role != transcript.RoleAssistant || m.AgentID != "coder" {
		t.Fatalf("message = %+v", m)
	}
	if m.Parts[0].Content != "the answer" {
		t.Fatalf("Content = %q, want %q", m.Parts[0].Content, "the answer")
	}
}

func TestConvertHistorySkipsTextlessAgentRow(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"output": []map[string]any{{"type": "tool-call", "role": "assistant"}},
	})
	got := ConvertHistory([]MessageRow{
		{MessageID: "a1", Type: RowTypeAgent, Data: data},
		{MessageID: "a2", Type: RowTypeAgent, Data: json.RawMessage(`broken`)},
		{MessageID: "u1", Type: RowTypeUser, Content: "kept"},
	})
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("got = %+v, want 只剩 u1", got)
	}
}

func TestConvertHistoryUnknownTypeSkipped(t *testing.T) {
	got := ConvertHistory([]MessageRow{{MessageID: "x1", Type: "mystery"}})
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}

func TestConvertHistorySkipsUndeliveredRows(t *testing.T) {
	got := ConvertHistory([]MessageRow{
		{MessageID: "u1", Type: RowTypeUser, Content: "ok", Status: RowStatusSent},
		{MessageID: "u2", Type: RowTypeUser, Content: "lost", Status: RowStatusFailed},
		{MessageID: "u3", Type: RowTypeUser, Content: "stopped", Status: RowStatusCanceled},
		{MessageID: "u4", Type: RowTypeUser, Content: "in flight", Status: RowStatusSending},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (failed/canceled 不进历史)", len(got))
	}
	if got[0].ID != "u1" || got[1].ID != "u4" {
		t.Fatalf("ids = [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestAgentRowDataRoundTrip(t *testing.T) {
	msg := transcript.Message{
		ID:   "m1",
		Role: transcript.RoleAssistant,
		Parts: []transcript.Part{{Type: transcript.PartText, Content: "回合结论"}},
	}
	data, ok := agentRowData(msg)
	if !ok {
		t.Fatalf("agentRowData 拒绝了有文本的消息")
	}
	got := ConvertHistory([]MessageRow{{MessageID: "m1", Type: RowTypeAgent, Data: data, AgentName: "planner"}})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].TextContent() != "回合结论" || got[0].Role != transcript.RoleAssistant {
		t.Fatalf("round trip = %+v", got[0])
	}

	if _, ok := agentRowData(transcript.Message{ID: "m2", Role: transcript.RoleAssistant}); ok {
		t.Fatalf("空文本消息不该产出 data")
	}
}
