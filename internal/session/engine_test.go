package session

import (
	"context"
	"errors"
	"testing"

	"github.com/multi-agent/convo-sync/internal/bus"
	"github.com/multi-agent/convo-sync/internal/transcript"
	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
)

// fakeGateway 内存桩, 记录调用并按配置返回。
type fakeGateway struct {
	sendErr    error
	historyErr error
	history    []transcript.Message

	sentHistory   []HistoryEntry
	sentThread    string
	approvals     []ApprovalDecision
	created       []string
	deleted       []string
	canceled      []string
	statusWrites  []string
	persisted     []transcript.Message
	persistedInto []string
}

func (g *fakeGateway) SendMessage(_ context.Context, _ transcript.Message, threadID string, history []HistoryEntry, _ string) (string, error) {
	g.sentThread = threadID
	g.sentHistory = history
	if g.sendErr != nil {
		return "", g.sendErr
	}
	return threadID, nil
}

func (g *fakeGateway) FetchHistory(context.Context, string) ([]transcript.Message, error) {
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	return g.history, nil
}

func (g *fakeGateway) CreateThread(_ context.Context, threadID, _ string) error {
	g.created = append(g.created, threadID)
	return nil
}

func (g *fakeGateway) DeleteThread(_ context.Context, threadID string) error {
	g.deleted = append(g.deleted, threadID)
	return nil
}

func (g *fakeGateway) ApproveToolCall(_ context.Context, d ApprovalDecision) error {
	g.approvals = append(g.approvals, d)
	return nil
}

func (g *fakeGateway) CancelMessage(_ context.Context, _, messageID string) error {
	g.canceled = append(g.canceled, messageID)
	return nil
}

func (g *fakeGateway) UpdateMessageStatus(_ context.Context, _, messageID string, status transcript.MessageStatus) error {
	g.statusWrites = append(g.statusWrites, messageID+"="+string(status))
	return nil
}

func (g *fakeGateway) PersistAgentMessage(_ context.Context, threadID string, msg transcript.Message) error {
	g.persistedInto = append(g.persistedInto, threadID)
	g.persisted = append(g.persisted, msg)
	return nil
}

func newTestEngine(gw Gateway) *Engine {
	return NewEngine(gw, nil, "u-test", nil)
}

func TestSendUserMessageSuccess(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw)

	msgID, err := e.SendUserMessage(context.Background(), "th-1", "hello")
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	msgs := e.Transcript("th-1")
	if len(msgs) != 1 || msgs[0].ID != msgID {
		t.Fatalf("transcript = %+v, want 单条 %s", msgs, msgID)
	}
	if msgs[0].Status != transcript.StatusSent {
		t.Fatalf("Status = %q, want sent", msgs[0].Status)
	}
	if gw.sentThread != "th-1" {
		t.Fatalf("gateway thread = %q", gw.sentThread)
	}
}

func TestSendUserMessageFailureMarksFailed(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("boom")}
	e := newTestEngine(gw)

	msgID, err := e.SendUserMessage(context.Background(), "th-1", "hello")
	if err == nil {
		t.Fatalf("want error")
	}
	msgs := e.Transcript("th-1")
	if len(msgs) != 1 || msgs[0].ID != msgID || msgs[0].Status != transcript.StatusFailed {
		t.Fatalf("transcript = %+v, want failed %s", msgs, msgID)
	}
	status, threadErr, _ := e.ThreadStatus("th-1")
	if status != AgentError || threadErr == "" {
		t.Fatalf("status = %q err = %q, want 错误态", status, threadErr)
	}
}

func TestSendUserMessageValidates(t *testing.T) {
	e := newTestEngine(&fakeGateway{})
	if _, err := e.SendUserMessage(context.Background(), "", "hi"); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := e.SendUserMessage(context.Background(), "th-1", ""); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSendUserMessageHistoryExcludesNewMessage(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw)
	if _, err := e.SendUserMessage(context.Background(), "th-1", "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := e.SendUserMessage(context.Background(), "th-1", "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	// 第二次发送的上下文只有第一条
	if len(gw.sentHistory) != 1 || gw.sentHistory[0].Content != "first" {
		t.Fatalf("history = %+v, want [first]", gw.sentHistory)
	}
	if gw.sentHistory[0].Type != "text" || gw.sentHistory[0].Role != "user" {
		t.Fatalf("history entry = %+v", gw.sentHistory[0])
	}
}

func TestSwitchThreadReconciles(t *testing.T) {
	gw := &fakeGateway{
		sendErr: errors.New("offline"),
		history: []transcript.Message{userMsg("h1", "from server", transcript.StatusSent)},
	}
	e := newTestEngine(gw)

	// 离线发送: 乐观消息留在本地, status=failed
	msgID, _ := e.SendUserMessage(context.Background(), "th-1", "unsent")

	if err := e.SwitchThread(context.Background(), "th-1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	msgs := e.Transcript("th-1")
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2 (历史 + 在途)", len(msgs))
	}
	if msgs[0].ID != "h1" || msgs[1].ID != msgID {
		t.Fatalf("order = [%s %s], want 历史在前", msgs[0].ID, msgs[1].ID)
	}
	if msgs[1].Status != transcript.StatusFailed {
		t.Fatalf("在途消息 status = %q, 不得被历史吞掉", msgs[1].Status)
	}
	if e.CurrentThreadID() != "th-1" {
		t.Fatalf("CurrentThreadID = %q", e.CurrentThreadID())
	}
}

func TestSwitchThreadHistoryFailure(t *testing.T) {
	gw := &fakeGateway{historyErr: errors.New("db down")}
	e := newTestEngine(gw)
	e.Dispatch(SendMessage{ThreadID: "th-1", MessageID: "u1", Content: "hi"})

	if err := e.SwitchThread(context.Background(), "th-1"); err == nil {
		t.Fatalf("want error")
	}
	// 拉取失败不清空已有转录
	if msgs := e.Transcript("th-1"); len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if _, threadErr, _ := statusOf(e, "th-1"); threadErr == "" {
		t.Fatalf("thread 级错误未记录")
	}
}

func statusOf(e *Engine, threadID string) (AgentStatus, string, bool) {
	return e.ThreadStatus(threadID)
}

func TestApproveToolCallValidates(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw)
	err := e.ApproveToolCall(context.Background(), ApprovalDecision{ToolCallID: "tc1", ThreadID: "th-1", Action: "reject"})
	if !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if err := e.ApproveToolCall(context.Background(), ApprovalDecision{ToolCallID: "tc1", ThreadID: "th-1", Action: "deny"}); err != nil {
		t.Fatalf("ApproveToolCall: %v", err)
	}
	if len(gw.approvals) != 1 || gw.approvals[0].Action != "deny" {
		t.Fatalf("approvals = %+v", gw.approvals)
	}
}

func TestCancelMessageMarksFailed(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw)
	e.Dispatch(SendMessage{ThreadID: "th-1", MessageID: "u1", Content: "hi"})

	if err := e.CancelMessage(context.Background(), "th-1", "u1"); err != nil {
		t.Fatalf("CancelMessage: %v", err)
	}
	msgs := e.Transcript("th-1")
	if msgs[0].Status != transcript.StatusFailed {
		t.Fatalf("Status = %q, want failed", msgs[0].Status)
	}
}

func TestDispatchReentrancyQueues(t *testing.T) {
	b := bus.NewMessageBus()
	e := NewEngine(&fakeGateway{}, b, "u-test", nil)

	// 订阅者在收到通知时再 dispatch — 不得死锁, 且按序应用
	reentered := make(chan struct{}, 1)
	b.SetOnPublish(func(msg bus.Message) {
		select {
		case reentered <- struct{}{}:
			e.Dispatch(MarkThreadViewed{ThreadID: "th-1"})
		default:
		}
	})

	e.Dispatch(SendMessage{ThreadID: "th-1", MessageID: "u1", Content: "hi"})
	if len(e.Transcript("th-1")) != 1 {
		t.Fatalf("dispatch 链未完成")
	}
}

func TestEngineBusNotifications(t *testing.T) {
	b := bus.NewMessageBus()
	e := NewEngine(&fakeGateway{}, b, "u-test", nil)
	sub := b.Subscribe("t", bus.TopicThreadPrefix+"th-1")

	e.Dispatch(SendMessage{ThreadID: "th-1", MessageID: "u1", Content: "hi"})
	msg := <-sub.Ch
	if msg.Type != bus.MsgTranscriptUpdated {
		t.Fatalf("Type = %q, want %q", msg.Type, bus.MsgTranscriptUpdated)
	}

	connSub := b.Subscribe("c", bus.TopicSession)
	e.SetConnection(ConnActive, "")
	cmsg := <-connSub.Ch
	if cmsg.Type != bus.MsgConnectionState {
		t.Fatalf("Type = %q, want %q", cmsg.Type, bus.MsgConnectionState)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	e := newTestEngine(&fakeGateway{})
	e.Dispatch(SendMessage{ThreadID: "th-1", MessageID: "u1", Content: "hi"})

	snap := e.Snapshot()
	snap.Threads["th-1"].Messages[0].Parts[0].Content = "tampered"

	if got := e.Transcript("th-1")[0].Parts[0].Content; got != "hi" {
		t.Fatalf("引擎状态被快照篡改: %q", got)
	}
}

func TestSendUserMessageWritesStatusBack(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw)

	msgID, err := e.SendUserMessage(context.Background(), "th-1", "hello")
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}
	if len(gw.statusWrites) != 1 || gw.statusWrites[0] != msgID+"=sent" {
		t.Fatalf("statusWrites = %v, want [%s=sent]", gw.statusWrites, msgID)
	}

	gw2 := &fakeGateway{sendErr: errors.New("boom")}
	e2 := newTestEngine(gw2)
	msgID2, _ := e2.SendUserMessage(context.Background(), "th-1", "hello")
	if len(gw2.statusWrites) != 1 || gw2.statusWrites[0] != msgID2+"=failed" {
		t.Fatalf("statusWrites = %v, want [%s=failed]", gw2.statusWrites, msgID2)
	}
}

func TestIngestLogPersistsCompletedTurn(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw)

	// 回合未结束: 不落库
	e.IngestLog(helloBatch("A"))
	if len(gw.persisted) != 0 {
		t.Fatalf("回合未完成就落库: %+v", gw.persisted)
	}

	// 文本 part 收尾 → idle, 末尾 assistant 消息落库
	log := append(helloBatch("A"),
		rec("part.completed", 3, "A", `,"messageId":"m1","partId":"p1","type":"text"`))
	e.IngestLog(log)
	if len(gw.persisted) != 1 {
		t.Fatalf("persisted = %d, want 1", len(gw.persisted))
	}
	if gw.persistedInto[0] != "A" {
		t.Fatalf("threadID = %q", gw.persistedInto[0])
	}
	got := gw.persisted[0]
	if got.Role != transcript.RoleAssistant || got.TextContent() != "Hello" {
		t.Fatalf("落库消息 = role %q text %q", got.Role, got.TextContent())
	}
}

func TestApprovalBusNotifications(t *testing.T) {
	b := bus.NewMessageBus()
	gw := &fakeGateway{}
	e := NewEngine(gw, b, "u-test", nil)
	sub := b.Subscribe("a", bus.TopicApproval)

	log := [][]byte{rec("hitl.requested", 0, "A",
		`,"messageId":"m1","partId":"p1","toolCalls":[{"id":"tc-1","toolName":"shell"}]`)}
	e.IngestLog(log)
	msg := <-sub.Ch
	if msg.Type != bus.MsgApprovalRequested {
		t.Fatalf("Type = %q, want %q", msg.Type, bus.MsgApprovalRequested)
	}

	if err := e.ApproveToolCall(context.Background(), ApprovalDecision{ToolCallID: "tc-1", ThreadID: "A", Action: "approve"}); err != nil {
		t.Fatalf("ApproveToolCall: %v", err)
	}
	msg = <-sub.Ch
	if msg.Type != bus.MsgApprovalResolved {
		t.Fatalf("Type = %q, want %q", msg.Type, bus.MsgApprovalResolved)
	}
}
