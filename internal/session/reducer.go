// reducer.go — 会话状态机: Apply(state, action) -> state'。
//
// 纯转换, 不做 I/O, 不触发新动作。入参 state 不被修改;
// 返回值与入参共享未变动的结构 (copy-on-write)。
package session

import (
	"time"

	"github.com/multi-agent/convo-sync/internal/event"
	"github.com/multi-agent/convo-sync/internal/transcript"
	"github.com/multi-agent/convo-sync/pkg/logger"
)

// Reducer 会话 reducer。hooks 仅做观测, 不参与状态转换。
type Reducer struct {
	hooks Hooks
}

// NewReducer 创建 reducer。hooks 可为 nil。
func NewReducer(hooks Hooks) *Reducer {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Reducer{hooks: hooks}
}

// Apply 应用一个动作, 返回新状态。未知动作原样返回。
func (r *Reducer) Apply(s State, a Action) State {
	switch act := a.(type) {
	case IngestLog:
		return r.applyIngest(s, act)
	case SetCurrentThread:
		return r.applySetCurrent(s, act)
	case CreateThread:
		return r.applyCreate(s, act)
	case RemoveThread:
		return r.applyRemove(s, act)
	case SendMessage:
		return r.applySend(s, act)
	case SendSucceeded:
		return r.applySendResult(s, act.ThreadID, act.MessageID, transcript.StatusSent, "")
	case SendFailed:
		return r.applySendResult(s, act.ThreadID, act.MessageID, transcript.StatusFailed, act.Reason)
	case ReplaceThreadMessages:
		return r.applyReplace(s, act)
	case ClearThreadMessages:
		return r.applyReplace(s, ReplaceThreadMessages{ThreadID: act.ThreadID, Messages: []transcript.Message{}})
	case MarkThreadViewed:
		return r.applyMarkViewed(s, act)
	case SetThreadError:
		return r.applySetError(s, act)
	case ClearThreadError:
		return r.applyClearError(s, act)
	case SetConnectionState:
		out := s.shallowClone()
		out.Connection = act.State
		out.ConnErr = act.Err
		return out
	default:
		logger.Warn("session: 未知动作类型", logger.FieldAction, actionName(a))
		return s
	}
}

func actionName(a Action) string {
	switch a.(type) {
	case IngestLog:
		return "ingest_log"
	case SetCurrentThread:
		return "set_current_thread"
	case CreateThread:
		return "create_thread"
	case RemoveThread:
		return "remove_thread"
	case SendMessage:
		return "send_message"
	case SendSucceeded:
		return "send_succeeded"
	case SendFailed:
		return "send_failed"
	case ReplaceThreadMessages:
		return "replace_thread_messages"
	case ClearThreadMessages:
		return "clear_thread_messages"
	case MarkThreadViewed:
		return "mark_thread_viewed"
	case SetThreadError:
		return "set_thread_error"
	case ClearThreadError:
		return "clear_thread_error"
	case SetConnectionState:
		return "set_connection_state"
	default:
		return "unknown"
	}
}

// ========================================
// 摄入
// ========================================

func (r *Reducer) applyIngest(s State, a IngestLog) State {
	start := s.LastProcessedIndex + 1
	if start >= len(a.Log) {
		return s
	}

	// 只看高水位之后的后缀; 解码失败的记录丢弃但仍推进水位
	type group struct {
		id  string
		evs []event.Event
	}
	var groups []group
	index := make(map[string]int)
	for _, raw := range a.Log[start:] {
		ev, err := event.Decode(raw)
		if err != nil {
			r.hooks.OnEventDropped(raw, err)
			continue
		}
		i, ok := index[ev.ThreadID]
		if !ok {
			i = len(groups)
			index[ev.ThreadID] = i
			groups = append(groups, group{id: ev.ThreadID})
		}
		groups[i].evs = append(groups[i].evs, ev)
	}

	out := s.shallowClone()
	for _, g := range groups {
		out.Threads[g.id] = r.ingestThread(out, g.id, g.evs)
	}
	// 零有效事件也要推进, 否则同一段垃圾记录会被反复扫描
	out.LastProcessedIndex = len(a.Log) - 1
	return out
}

// ingestThread 把一组同 thread 事件过缓冲并投影到转录。
func (r *Reducer) ingestThread(s State, threadID string, evs []event.Event) *ThreadState {
	prev, ok := s.Threads[threadID]
	if !ok {
		prev = newThreadState(threadID)
	}
	t := prev.clone()

	res := t.Buffer.Admit(evs)
	if res.Reset {
		r.hooks.OnTurnReset(threadID, prev.Buffer.LastProcessed())
	}
	for _, seq := range res.Duplicates {
		r.hooks.OnDuplicate(threadID, seq)
	}

	applied := t.Buffer.Drain(func(ev event.Event) {
		t.Messages = transcript.Project(t.Messages, ev)
		t.AgentStatus = deriveAgentStatus(t.AgentStatus, ev)
		r.absorbTelemetry(t, ev)
	})

	if applied > 0 && threadID != s.CurrentThreadID {
		t.HasNewMessages = true
	}
	if applied == 0 && res.Admitted > 0 {
		st := t.Buffer.Stats()
		r.hooks.OnGapStall(threadID, st.NextExpected, st.Pending)
	}
	return t
}

// absorbTelemetry 事件里不进转录的状态侧信息。
func (r *Reducer) absorbTelemetry(t *ThreadState, ev event.Event) {
	switch p := ev.Payload.(type) {
	case event.UsageUpdated:
		t.Usage = Usage{
			InputTokens:  p.InputTokens,
			OutputTokens: p.OutputTokens,
			TotalTokens:  p.TotalTokens,
		}
	case event.RunError:
		if ev.Kind == event.KindRunFailed || !p.Recoverable {
			t.Err = p.Message
		}
	}
}

// ========================================
// thread 生命周期
// ========================================

func (r *Reducer) applySetCurrent(s State, a SetCurrentThread) State {
	out := s.shallowClone()
	out.CurrentThreadID = a.ThreadID
	prev, ok := out.Threads[a.ThreadID]
	if !ok {
		out.Threads[a.ThreadID] = newThreadState(a.ThreadID)
		return out
	}
	if prev.HasNewMessages {
		t := prev.clone()
		t.HasNewMessages = false
		out.Threads[a.ThreadID] = t
	}
	return out
}

func (r *Reducer) applyCreate(s State, a CreateThread) State {
	if _, ok := s.Threads[a.ThreadID]; ok {
		// 幂等: 重复创建绝不清掉已有转录
		return s
	}
	out := s.shallowClone()
	out.Threads[a.ThreadID] = newThreadState(a.ThreadID)
	return out
}

func (r *Reducer) applyRemove(s State, a RemoveThread) State {
	if _, ok := s.Threads[a.ThreadID]; !ok {
		return s
	}
	out := s.shallowClone()
	delete(out.Threads, a.ThreadID)
	if out.CurrentThreadID == a.ThreadID {
		out.CurrentThreadID = ""
		// 任选一个剩余 thread 接任 (取最小 id, 保证确定性可测)
		for id := range out.Threads {
			if out.CurrentThreadID == "" || id < out.CurrentThreadID {
				out.CurrentThreadID = id
			}
		}
	}
	return out
}

// ========================================
// 发送
// ========================================

func (r *Reducer) applySend(s State, a SendMessage) State {
	out := s.shallowClone()
	prev, ok := out.Threads[a.ThreadID]
	if !ok {
		prev = newThreadState(a.ThreadID)
	}
	for i := range prev.Messages {
		if prev.Messages[i].ID == a.MessageID {
			// 同 id 重复提交, 整个动作作废
			logger.Warn("session: 重复的消息 id, 忽略发送",
				logger.FieldThreadID, a.ThreadID, logger.FieldMessageID, a.MessageID)
			return s
		}
	}
	t := prev.clone()
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	t.Messages = append(transcript.CloneMessages(t.Messages), transcript.Message{
		ID:     a.MessageID,
		Role:   transcript.RoleUser,
		Status: transcript.StatusSending,
		Parts: []transcript.Part{{
			ID:      a.MessageID + ":text",
			Type:    transcript.PartText,
			Content: a.Content,
			Status:  transcript.PartComplete,
		}},
		CreatedAt: ts,
	})
	// 新响应 turn 即将开始: 清缓冲但保留高水位
	t.Buffer.ResetForTurn()
	t.AgentStatus = AgentThinking
	t.Err = ""
	out.Threads[a.ThreadID] = t
	return out
}

func (r *Reducer) applySendResult(s State, threadID, messageID string, status transcript.MessageStatus, reason string) State {
	prev, ok := s.Threads[threadID]
	if !ok {
		return s
	}
	idx := -1
	for i := range prev.Messages {
		if prev.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s
	}
	out := s.shallowClone()
	t := prev.clone()
	msgs := append([]transcript.Message{}, t.Messages...)
	msgs[idx].Status = status
	t.Messages = msgs
	if status == transcript.StatusFailed {
		t.Err = reason
		t.AgentStatus = AgentError
	}
	out.Threads[threadID] = t
	return out
}

// ========================================
// 转录替换 / 标记
// ========================================

func (r *Reducer) applyReplace(s State, a ReplaceThreadMessages) State {
	out := s.shallowClone()
	prev, ok := out.Threads[a.ThreadID]
	if !ok {
		prev = newThreadState(a.ThreadID)
	}
	t := prev.clone()
	t.Messages = transcript.CloneMessages(a.Messages)
	if t.Messages == nil {
		t.Messages = []transcript.Message{}
	}
	// 整段替换后序列空间作废, 完全重置
	t.Buffer.Reset()
	out.Threads[a.ThreadID] = t
	return out
}

func (r *Reducer) applyMarkViewed(s State, a MarkThreadViewed) State {
	prev, ok := s.Threads[a.ThreadID]
	if !ok || !prev.HasNewMessages {
		return s
	}
	out := s.shallowClone()
	t := prev.clone()
	t.HasNewMessages = false
	out.Threads[a.ThreadID] = t
	return out
}

func (r *Reducer) applySetError(s State, a SetThreadError) State {
	out := s.shallowClone()
	prev, ok := out.Threads[a.ThreadID]
	if !ok {
		prev = newThreadState(a.ThreadID)
	}
	t := prev.clone()
	t.Err = a.Reason
	t.AgentStatus = AgentError
	out.Threads[a.ThreadID] = t
	return out
}

func (r *Reducer) applyClearError(s State, a ClearThreadError) State {
	prev, ok := s.Threads[a.ThreadID]
	if !ok || prev.Err == "" {
		return s
	}
	out := s.shallowClone()
	t := prev.clone()
	t.Err = ""
	if t.AgentStatus == AgentError {
		t.AgentStatus = AgentIdle
	}
	out.Threads[a.ThreadID] = t
	return out
}
