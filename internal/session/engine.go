// engine.go — 会话引擎: reducer 的唯一持有者 + I/O 边界。
//
// 状态转换全部在 Dispatch 的队列循环里串行执行, 动作处理期间
// 触发的新 dispatch 只入队不递归 (非重入)。网络调用 (发送/拉历史/
// 审批) 严格在 reducer 之外, 结果再以动作回写。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multi-agent/convo-sync/internal/bus"
	"github.com/multi-agent/convo-sync/internal/transcript"
	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
	"github.com/multi-agent/convo-sync/pkg/logger"
)

// HistoryEntry 发送消息时附带的扁平化上下文: 只保留文本,
// 工具调用/推理/状态全部剥掉。
type HistoryEntry struct {
	Role    string `json:"role"`
	Type    string `json:"type"` // 恒为 "text"
	Content string `json:"content"`
}

// ApprovalDecision 人工审批决定。
type ApprovalDecision struct {
	ToolCallID string `json:"toolCallId"`
	ThreadID   string `json:"threadId"`
	Action     string `json:"action"` // approve | deny
	Reason     string `json:"reason,omitempty"`
}

// Gateway 持久化服务的出站调用面。实现方负责网络与重试策略;
// Engine 只消费结果。
type Gateway interface {
	// SendMessage 发送用户消息, 返回服务端确认的 thread id。
	SendMessage(ctx context.Context, msg transcript.Message, threadID string, history []HistoryEntry, userID string) (string, error)
	// FetchHistory 拉取整段历史 (已转换为 Message 形状, status=sent)。
	FetchHistory(ctx context.Context, threadID string) ([]transcript.Message, error)
	// UpdateMessageStatus 把发送结果回写到持久层 (sent/failed)。
	UpdateMessageStatus(ctx context.Context, threadID, messageID string, status transcript.MessageStatus) error
	// PersistAgentMessage 落库一条完成的 assistant 消息 (幂等 upsert)。
	PersistAgentMessage(ctx context.Context, threadID string, msg transcript.Message) error
	CreateThread(ctx context.Context, threadID, userID string) error
	DeleteThread(ctx context.Context, threadID string) error
	ApproveToolCall(ctx context.Context, d ApprovalDecision) error
	CancelMessage(ctx context.Context, threadID, messageID string) error
}

// Engine 多 thread 会话引擎。
type Engine struct {
	mu       sync.Mutex
	state    State
	reducer  *Reducer
	queue    []Action
	draining bool

	gw     Gateway
	bus    *bus.MessageBus
	userID string
}

// NewEngine 创建引擎。b 与 hooks 可为 nil。
func NewEngine(gw Gateway, b *bus.MessageBus, userID string, hooks Hooks) *Engine {
	return &Engine{
		state:   NewState(),
		reducer: NewReducer(hooks),
		gw:      gw,
		bus:     b,
		userID:  userID,
	}
}

// ========================================
// dispatch 循环
// ========================================

// Dispatch 提交一个动作。当前已有动作在处理时只入队,
// 由最外层调用把队列抽干, 保证动作应用与提交同序且不重入。
func (e *Engine) Dispatch(a Action) {
	e.mu.Lock()
	e.queue = append(e.queue, a)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true

	var notifs []bus.Message
	for len(e.queue) > 0 {
		act := e.queue[0]
		e.queue = e.queue[1:]
		prev := e.state
		e.state = e.reducer.Apply(e.state, act)
		notifs = append(notifs, diffNotifications(prev, e.state)...)
	}
	e.draining = false
	e.mu.Unlock()

	// fan-out 在锁外, 订阅者回调再 Dispatch 也不会死锁
	for _, n := range notifs {
		e.publish(n)
	}
}

func (e *Engine) publish(msg bus.Message) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(msg)
}

// diffNotifications 用 copy-on-write 的指针差异找出本次动作动过的
// thread, 生成总线通知。
func diffNotifications(prev, next State) []bus.Message {
	var out []bus.Message
	for id, t := range next.Threads {
		if prev.Threads[id] == t {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"threadId":       id,
			"agentStatus":    t.AgentStatus,
			"hasNewMessages": t.HasNewMessages,
			"messageCount":   len(t.Messages),
		})
		out = append(out, bus.Message{
			Topic:   bus.TopicThreadPrefix + id,
			From:    "session",
			Type:    bus.MsgTranscriptUpdated,
			Payload: payload,
		})
		if n := pendingApprovals(t); n > pendingApprovals(prev.Threads[id]) {
			approval, _ := json.Marshal(map[string]any{"threadId": id, "pending": n})
			out = append(out, bus.Message{
				Topic:   bus.TopicApproval,
				From:    "session",
				Type:    bus.MsgApprovalRequested,
				Payload: approval,
			})
		}
	}
	for id := range prev.Threads {
		if _, ok := next.Threads[id]; !ok {
			payload, _ := json.Marshal(map[string]string{"threadId": id})
			out = append(out, bus.Message{
				Topic:   bus.TopicThreadPrefix + id,
				From:    "session",
				Type:    bus.MsgThreadRemoved,
				Payload: payload,
			})
		}
	}
	if prev.Connection != next.Connection || prev.ConnErr != next.ConnErr {
		payload, _ := json.Marshal(map[string]string{
			"state": string(next.Connection),
			"error": next.ConnErr,
		})
		out = append(out, bus.Message{
			Topic:   bus.TopicSession,
			From:    "session",
			Type:    bus.MsgConnectionState,
			Payload: payload,
		})
	}
	return out
}

// pendingApprovals 数清 thread 转录里待审批的 HITL part。
func pendingApprovals(t *ThreadState) int {
	if t == nil {
		return 0
	}
	n := 0
	for _, m := range t.Messages {
		for _, p := range m.Parts {
			if p.Type == transcript.PartHITL && p.HITLStatus == transcript.HITLPending {
				n++
			}
		}
	}
	return n
}

// ========================================
// 读快照
// ========================================

// Snapshot 整个会话状态的深拷贝。
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.DeepClone()
}

// Transcript 指定 thread 的转录深拷贝; thread 不存在返回 nil。
func (e *Engine) Transcript(threadID string) []transcript.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Threads[threadID]
	if !ok {
		return nil
	}
	return transcript.CloneMessages(t.Messages)
}

// ThreadStatus 指定 thread 的状态/错误; 末位返回值表示 thread 是否存在。
func (e *Engine) ThreadStatus(threadID string) (AgentStatus, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Threads[threadID]
	if !ok {
		return AgentIdle, "", false
	}
	return t.AgentStatus, t.Err, true
}

// BufferStats 指定 thread 的缓冲观测。
func (e *Engine) BufferStats(threadID string) (BufferStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.state.Threads[threadID]
	if !ok {
		return BufferStats{}, false
	}
	return t.Buffer.Stats(), true
}

// Connection 全局连接状态。
func (e *Engine) Connection() (ConnState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Connection, e.state.ConnErr
}

// CurrentThreadID 当前 thread。
func (e *Engine) CurrentThreadID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.CurrentThreadID
}

// ========================================
// 入站流
// ========================================

// IngestLog 摄入传输日志快照 (订阅层在日志增长时调用)。
// 摄入后把本次完成的 agent 轮次落库, 供后续历史重建。
func (e *Engine) IngestLog(log [][]byte) {
	prev := e.threadPtrs()
	e.Dispatch(IngestLog{Log: log})
	e.persistCompletedTurns(prev)
}

// threadPtrs 当前各 thread 状态指针 (copy-on-write 下指针即版本号)。
func (e *Engine) threadPtrs() map[string]*ThreadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*ThreadState, len(e.state.Threads))
	for id, t := range e.state.Threads {
		out[id] = t
	}
	return out
}

// persistCompletedTurns 找出本次摄入动过、且 agent 已回到 idle 的
// thread, 把末尾的 assistant 消息落库。upsert 幂等, 重复摄入无害。
func (e *Engine) persistCompletedTurns(prev map[string]*ThreadState) {
	if e.gw == nil {
		return
	}
	type done struct {
		threadID string
		msg      transcript.Message
	}
	var completed []done
	e.mu.Lock()
	for id, t := range e.state.Threads {
		if prev[id] == t || t.AgentStatus != AgentIdle || len(t.Messages) == 0 {
			continue
		}
		last := t.Messages[len(t.Messages)-1]
		if last.Role != transcript.RoleAssistant {
			continue
		}
		completed = append(completed, done{id, transcript.CloneMessages([]transcript.Message{last})[0]})
	}
	e.mu.Unlock()

	for _, d := range completed {
		if err := e.gw.PersistAgentMessage(context.Background(), d.threadID, d.msg); err != nil {
			logger.Warn("session: agent 消息落库失败",
				logger.FieldThreadID, d.threadID, logger.FieldMessageID, d.msg.ID, logger.FieldError, err)
		}
	}
}

// SetConnection 更新连接状态 (订阅层回调)。
func (e *Engine) SetConnection(state ConnState, errMsg string) {
	e.Dispatch(SetConnectionState{State: state, Err: errMsg})
}

// ========================================
// 出站流程
// ========================================

// SendUserMessage 乐观发送: 先入转录 (status=sending), 网络调用
// 在锁外进行, 结果回写为 sent/failed。返回客户端生成的消息 id。
func (e *Engine) SendUserMessage(ctx context.Context, threadID, content string) (string, error) {
	const op = "Engine.SendUserMessage"
	if threadID == "" || content == "" {
		return "", pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "threadID 与 content 不能为空")
	}

	msgID := uuid.NewString()
	// 上下文取发送前的转录 (新消息本身不算历史)
	history := flattenHistory(e.Transcript(threadID))
	e.Dispatch(SendMessage{ThreadID: threadID, MessageID: msgID, Content: content, Timestamp: time.Now()})

	msg := transcript.Message{
		ID:     msgID,
		Role:   transcript.RoleUser,
		Status: transcript.StatusSending,
		Parts: []transcript.Part{{
			ID: msgID + ":text", Type: transcript.PartText,
			Content: content, Status: transcript.PartComplete,
		}},
	}
	if _, err := e.gw.SendMessage(ctx, msg, threadID, history, e.userID); err != nil {
		reason := err.Error()
		wrapped := pkgerr.Wrap(err, op, "send message")
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			reason = "timeout"
			wrapped = pkgerr.Wrap(pkgerr.ErrTimeout, op, "send message")
		case ctx.Err() != nil:
			reason = "canceled"
		}
		logger.Error("session: 发送失败",
			logger.FieldThreadID, threadID, logger.FieldMessageID, msgID, logger.FieldError, err)
		e.Dispatch(SendFailed{ThreadID: threadID, MessageID: msgID, Reason: reason})
		e.writeMessageStatus(threadID, msgID, transcript.StatusFailed)
		return msgID, wrapped
	}
	e.Dispatch(SendSucceeded{ThreadID: threadID, MessageID: msgID})
	e.writeMessageStatus(threadID, msgID, transcript.StatusSent)
	return msgID, nil
}

// writeMessageStatus 把发送结果回写持久层, 失败只告警 (本地状态为准)。
func (e *Engine) writeMessageStatus(threadID, messageID string, status transcript.MessageStatus) {
	if err := e.gw.UpdateMessageStatus(context.Background(), threadID, messageID, status); err != nil {
		logger.Warn("session: 消息状态回写失败",
			logger.FieldThreadID, threadID, logger.FieldMessageID, messageID,
			logger.FieldStatus, string(status), logger.FieldError, err)
	}
}

// SwitchThread 切换当前 thread 并做乐观合并: 切换先生效,
// 历史拉回来后与本地在途消息合并落地。
func (e *Engine) SwitchThread(ctx context.Context, threadID string) error {
	const op = "Engine.SwitchThread"
	if threadID == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "threadID 不能为空")
	}
	e.Dispatch(SetCurrentThread{ThreadID: threadID})

	optimistic := e.Transcript(threadID)
	historical, err := e.gw.FetchHistory(ctx, threadID)
	if err != nil {
		logger.Error("session: 历史拉取失败",
			logger.FieldThreadID, threadID, logger.FieldError, err)
		e.Dispatch(SetThreadError{ThreadID: threadID, Reason: "历史加载失败: " + err.Error()})
		return pkgerr.Wrap(err, op, "fetch history")
	}
	e.Dispatch(ReplaceThreadMessages{ThreadID: threadID, Messages: Reconcile(optimistic, historical)})
	return nil
}

// CreateThread 服务端建 thread 成功后在本地登记 (幂等)。
func (e *Engine) CreateThread(ctx context.Context, threadID string) error {
	const op = "Engine.CreateThread"
	if err := e.gw.CreateThread(ctx, threadID, e.userID); err != nil {
		return pkgerr.Wrap(err, op, "create thread")
	}
	e.Dispatch(CreateThread{ThreadID: threadID})
	return nil
}

// DeleteThread 服务端删除成功后移除本地状态。
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	const op = "Engine.DeleteThread"
	if err := e.gw.DeleteThread(ctx, threadID); err != nil {
		return pkgerr.Wrap(err, op, "delete thread")
	}
	e.Dispatch(RemoveThread{ThreadID: threadID})
	return nil
}

// ApproveToolCall 提交审批决定; 结果经事件流以 hitl.resolved 回来。
func (e *Engine) ApproveToolCall(ctx context.Context, d ApprovalDecision) error {
	const op = "Engine.ApproveToolCall"
	if d.ToolCallID == "" || d.ThreadID == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "toolCallId 与 threadId 不能为空")
	}
	if d.Action != "approve" && d.Action != "deny" {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "非法 action %q", d.Action)
	}
	if err := e.gw.ApproveToolCall(ctx, d); err != nil {
		return pkgerr.Wrap(err, op, "approve tool call")
	}
	payload, _ := json.Marshal(d)
	e.publish(bus.Message{
		Topic:   bus.TopicApproval,
		From:    "session",
		Type:    bus.MsgApprovalResolved,
		Payload: payload,
	})
	return nil
}

// CancelMessage 放弃在途发送, 对应乐观消息标记 failed。
func (e *Engine) CancelMessage(ctx context.Context, threadID, messageID string) error {
	const op = "Engine.CancelMessage"
	if err := e.gw.CancelMessage(ctx, threadID, messageID); err != nil {
		return pkgerr.Wrap(err, op, "cancel message")
	}
	e.Dispatch(SendFailed{ThreadID: threadID, MessageID: messageID, Reason: "canceled"})
	return nil
}

// MarkViewed 清除未读标记。
func (e *Engine) MarkViewed(threadID string) {
	e.Dispatch(MarkThreadViewed{ThreadID: threadID})
}

// ClearError 清除 thread 级错误。
func (e *Engine) ClearError(threadID string) {
	e.Dispatch(ClearThreadError{ThreadID: threadID})
}

// flattenHistory 把转录压成纯文本上下文。
func flattenHistory(msgs []transcript.Message) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		text := m.TextContent()
		if text == "" {
			continue
		}
		out = append(out, HistoryEntry{Role: string(m.Role), Type: "text", Content: text})
	}
	return out
}
