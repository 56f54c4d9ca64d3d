package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/convo-sync/internal/session"
	"github.com/multi-agent/convo-sync/internal/store"
	"github.com/multi-agent/convo-sync/internal/transcript"
	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ========================================
// 测试替身
// ========================================

type fakeEngine struct {
	state     session.State
	sendErr   error
	sentText  string
	approvals []session.ApprovalDecision
	viewed    []string
}

func newFakeEngine() *fakeEngine {
	st := session.NewState()
	st.CurrentThreadID = "th-1"
	st.Connection = session.ConnActive
	return &fakeEngine{state: st}
}

func (f *fakeEngine) addThread(id string, msgs ...transcript.Message) {
	t := &session.ThreadState{ID: id, Messages: msgs, Buffer: session.NewReorderBuffer()}
	t.AgentStatus = session.AgentIdle
	f.state.Threads[id] = t
}

func (f *fakeEngine) Snapshot() session.State { return f.state }

func (f *fakeEngine) Transcript(threadID string) []transcript.Message {
	if t, ok := f.state.Threads[threadID]; ok {
		return t.Messages
	}
	return nil
}

func (f *fakeEngine) ThreadStatus(threadID string) (session.AgentStatus, string, bool) {
	t, ok := f.state.Threads[threadID]
	if !ok {
		return "", "", false
	}
	return t.AgentStatus, t.Err, true
}

func (f *fakeEngine) BufferStats(threadID string) (session.BufferStats, bool) {
	t, ok := f.state.Threads[threadID]
	if !ok {
		return session.BufferStats{}, false
	}
	return t.Buffer.Stats(), true
}

func (f *fakeEngine) Connection() (session.ConnState, string) {
	return f.state.Connection, f.state.ConnErr
}

func (f *fakeEngine) CurrentThreadID() string { return f.state.CurrentThreadID }

func (f *fakeEngine) SendUserMessage(_ context.Context, threadID, content string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if strings.TrimSpace(content) == "" {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, "send", "空消息")
	}
	f.sentText = content
	return "msg-1", nil
}

func (f *fakeEngine) SwitchThread(_ context.Context, threadID string) error {
	if _, ok := f.state.Threads[threadID]; !ok {
		return pkgerr.Wrap(pkgerr.ErrThreadMissing, "switch", threadID)
	}
	f.state.CurrentThreadID = threadID
	return nil
}

func (f *fakeEngine) CreateThread(_ context.Context, threadID string) error {
	f.addThread(threadID)
	return nil
}

func (f *fakeEngine) DeleteThread(_ context.Context, threadID string) error {
	delete(f.state.Threads, threadID)
	return nil
}

func (f *fakeEngine) ApproveToolCall(_ context.Context, d session.ApprovalDecision) error {
	if d.Action != "approve" && d.Action != "deny" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "approve", d.Action)
	}
	f.approvals = append(f.approvals, d)
	return nil
}

func (f *fakeEngine) CancelMessage(_ context.Context, threadID, messageID string) error {
	return nil
}

func (f *fakeEngine) MarkViewed(threadID string) { f.viewed = append(f.viewed, threadID) }
func (f *fakeEngine) ClearError(threadID string) {}

type fakeThreads struct {
	page    *store.ThreadPage
	byCur   []store.Thread
	nextCur *store.ThreadCursor
	byID    map[string]*store.Thread
}

func (f *fakeThreads) Get(_ context.Context, threadID string) (*store.Thread, error) {
	return f.byID[threadID], nil
}

func (f *fakeThreads) List(_ context.Context, userID, keyword string, limit, offset int) (*store.ThreadPage, error) {
	return f.page, nil
}

func (f *fakeThreads) ListByCursor(_ context.Context, userID string, cursor *store.ThreadCursor, limit int) ([]store.Thread, *store.ThreadCursor, error) {
	return f.byCur, f.nextCur, nil
}

type fakeApprovals struct {
	items []store.Approval
}

func (f *fakeApprovals) ListByThread(_ context.Context, threadID string, limit int) ([]store.Approval, error) {
	return f.items, nil
}

func newTestServer(eng *fakeEngine) *Server {
	return NewServer(eng, &fakeThreads{page: &store.ThreadPage{}}, &fakeApprovals{}, "u-test", 30)
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("非 JSON 响应 (%d): %s", rec.Code, rec.Body.String())
	}
	return rec, parsed
}

// ========================================
// 测试
// ========================================

func TestGetSession(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	s := newTestServer(eng)

	rec, body := doJSON(t, s, http.MethodGet, "/api/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := body["data"].(map[string]any)
	if data["currentThreadId"] != "th-1" {
		t.Fatalf("currentThreadId = %v", data["currentThreadId"])
	}
	if data["connection"] != string(session.ConnActive) {
		t.Fatalf("connection = %v", data["connection"])
	}
}

func TestGetTranscript(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1", transcript.Message{ID: "m1", Role: transcript.RoleUser, Status: transcript.StatusSent})
	s := newTestServer(eng)

	rec, body := doJSON(t, s, http.MethodGet, "/api/threads/th-1/transcript", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	msgs := data["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestGetTranscriptUnknownThread(t *testing.T) {
	s := newTestServer(newFakeEngine())
	rec, _ := doJSON(t, s, http.MethodGet, "/api/threads/nope/transcript", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSendMessage(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	s := newTestServer(eng)

	rec, body := doJSON(t, s, http.MethodPost, "/api/threads/th-1/messages", `{"content":"hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	if data["messageId"] != "msg-1" {
		t.Fatalf("messageId = %v", data["messageId"])
	}
	if eng.sentText != "hello" {
		t.Fatalf("sentText = %q", eng.sentText)
	}
}

func TestSendMessageInvalidInput(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	s := newTestServer(eng)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/threads/th-1/messages", `{"content":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendMessageDuplicateMapsToConflict(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	eng.sendErr = pkgerr.Wrap(pkgerr.ErrDuplicateMessage, "send", "msg-1")
	s := newTestServer(eng)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/threads/th-1/messages", `{"content":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSwitchThread(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	eng.addThread("th-2")
	s := newTestServer(eng)

	rec, body := doJSON(t, s, http.MethodPost, "/api/threads/th-2/switch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := body["data"].(map[string]any)
	if data["currentThreadId"] != "th-2" {
		t.Fatalf("currentThreadId = %v", data["currentThreadId"])
	}
}

func TestSwitchThreadMissingMapsTo404(t *testing.T) {
	s := newTestServer(newFakeEngine())
	rec, _ := doJSON(t, s, http.MethodPost, "/api/threads/ghost/switch", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRecordApproval(t *testing.T) {
	eng := newFakeEngine()
	s := newTestServer(eng)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/approvals",
		`{"toolCallId":"tc-1","threadId":"th-1","action":"approve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(eng.approvals) != 1 || eng.approvals[0].ToolCallID != "tc-1" {
		t.Fatalf("approvals = %+v", eng.approvals)
	}
}

func TestRecordApprovalBadAction(t *testing.T) {
	s := newTestServer(newFakeEngine())
	rec, _ := doJSON(t, s, http.MethodPost, "/api/approvals",
		`{"toolCallId":"tc-1","threadId":"th-1","action":"maybe"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	s := newTestServer(newFakeEngine())
	rec, _ := doJSON(t, s, http.MethodPost, "/api/threads", `{"threadId":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMarkViewed(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	s := newTestServer(eng)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/threads/th-1/viewed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(eng.viewed) != 1 || eng.viewed[0] != "th-1" {
		t.Fatalf("viewed = %v", eng.viewed)
	}
}

func TestGetThread(t *testing.T) {
	eng := newFakeEngine()
	th := &fakeThreads{byID: map[string]*store.Thread{
		"th-1": {ThreadID: "th-1", Title: "规划会话", UserID: "u-test"},
	}}
	s := NewServer(eng, th, &fakeApprovals{}, "u-test", 30)

	rec, parsed := doJSON(t, s, http.MethodGet, "/api/threads/th-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := parsed["data"].(map[string]any)
	if data["threadId"] != "th-1" {
		t.Fatalf("threadId = %v", data["threadId"])
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/threads/th-missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSendMessageTimeoutMapsTo504(t *testing.T) {
	eng := newFakeEngine()
	eng.addThread("th-1")
	eng.sendErr = pkgerr.Wrap(pkgerr.ErrTimeout, "Engine.SendUserMessage", "send message")
	s := newTestServer(eng)

	rec, parsed := doJSON(t, s, http.MethodPost, "/api/threads/th-1/messages", `{"content":"hi"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	errObj := parsed["error"].(map[string]any)
	if errObj["code"] != "timeout" {
		t.Fatalf("code = %v", errObj["code"])
	}
}
