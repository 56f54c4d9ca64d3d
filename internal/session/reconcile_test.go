package session

import (
	"testing"

	"github.com/multi-agent/convo-sync/internal/transcript"
)

func userMsg(id, content string, status transcript.MessageStatus) transcript.Message {
	return transcript.Message{
		ID: id, Role: transcript.RoleUser, Status: status,
		Parts: []transcript.Part{{ID: id + ":text", Type: transcript.PartText, Content: content, Status: transcript.PartComplete}},
	}
}

func TestReconcileKeepsInFlightOptimistic(t *testing.T) {
	optimistic := []transcript.Message{
		userMsg("u1", "hi", transcript.StatusSent),
		userMsg("u2", "still sending", transcript.StatusSending),
	}
	historical := []transcript.Message{
		userMsg("u1", "hi", transcript.StatusSent),
	}
	got := Reconcile(optimistic, historical)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "u1" || got[1].ID != "u2" {
		t.Fatalf("order = [%s %s], want [u1 u2]", got[0].ID, got[1].ID)
	}
	if got[1].Status != transcript.StatusSending {
		t.Fatalf("u2.Status = %q, 在途消息不能被丢掉", got[1].Status)
	}
}

func TestReconcileHistoryWinsOnDuplicateID(t *testing.T) {
	optimistic := []transcript.Message{userMsg("m1", "local copy", transcript.StatusSending)}
	historical := []transcript.Message{userMsg("m1", "server copy", transcript.StatusSent)}
	got := Reconcile(optimistic, historical)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (同 id 不得重复)", len(got))
	}
	if got[0].Parts[0].Content != "server copy" {
		t.Fatalf("Content = %q, want server copy", got[0].Parts[0].Content)
	}
}

func TestReconcileEmptyHistory(t *testing.T) {
	optimistic := []transcript.Message{userMsg("u1", "offline send", transcript.StatusFailed)}
	got := Reconcile(optimistic, nil)
	if len(got) != 1 || got[0].ID != "u1" || got[0].Status != transcript.StatusFailed {
		t.Fatalf("got = %+v, want 保留 failed u1", got)
	}
}

func TestReconcileEmptyOptimistic(t *testing.T) {
	historical := []transcript.Message{userMsg("u1", "hi", transcript.StatusSent)}
	got := Reconcile(nil, historical)
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("got = %+v, want 历史原样", got)
	}
}
