// state.go — 会话状态: thread id -> 每 thread 状态 + 全局字段。
package session

import (
	"github.com/multi-agent/convo-sync/internal/event"
	"github.com/multi-agent/convo-sync/internal/transcript"
)

// ConnState 订阅流连接状态 (全局, 与任何 thread 无关)。
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnActive       ConnState = "active"
	ConnError        ConnState = "error"
)

// AgentStatus 每 thread 的 agent 活动状态。
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentThinking    AgentStatus = "thinking"
	AgentCallingTool AgentStatus = "calling-tool"
	AgentResponding  AgentStatus = "responding"
	AgentError       AgentStatus = "error"
)

// Usage 每 thread 的 token 用量遥测。
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// ThreadState 单个 thread 的全部状态: 转录 + 处理状态。
type ThreadState struct {
	ID             string
	Messages       []transcript.Message
	Buffer         *ReorderBuffer
	AgentStatus    AgentStatus
	Usage          Usage
	HasNewMessages bool
	Err            string // thread 级错误, 由调用方显式清除
}

// State 整个会话的状态。Reducer 是唯一写者; 读方把任意快照当
// 不可变值用, 任何修改必须走 dispatch。
type State struct {
	Threads            map[string]*ThreadState
	CurrentThreadID    string
	LastProcessedIndex int // 传输日志高水位, 初始 -1
	Connection         ConnState
	ConnErr            string
}

// NewState 创建初始状态。
func NewState() State {
	return State{
		Threads:            make(map[string]*ThreadState),
		LastProcessedIndex: -1,
		Connection:         ConnDisconnected,
	}
}

func newThreadState(id string) *ThreadState {
	return &ThreadState{
		ID:          id,
		Messages:    []transcript.Message{},
		Buffer:      NewReorderBuffer(),
		AgentStatus: AgentIdle,
	}
}

// Thread 只读获取 thread 状态。
func (s State) Thread(id string) (*ThreadState, bool) {
	t, ok := s.Threads[id]
	return t, ok
}

// ThreadIDs 返回全部 thread id (无序)。
func (s State) ThreadIDs() []string {
	out := make([]string, 0, len(s.Threads))
	for id := range s.Threads {
		out = append(out, id)
	}
	return out
}

// ========================================
// copy-on-write
// ========================================

// shallowClone 复制 State 外壳与 thread map; thread values 共享,
// 要改哪个 thread 再单独 clone 哪个。
func (s State) shallowClone() State {
	out := s
	out.Threads = make(map[string]*ThreadState, len(s.Threads))
	for id, t := range s.Threads {
		out.Threads[id] = t
	}
	return out
}

func (t *ThreadState) clone() *ThreadState {
	out := *t
	out.Buffer = t.Buffer.Clone()
	// Messages 由投影 copy-on-write 维护, 共享底层数组是安全的
	return &out
}

// DeepClone 完整深拷贝, 给锁外的读方拿走用。
func (s State) DeepClone() State {
	out := s.shallowClone()
	for id, t := range out.Threads {
		c := t.clone()
		c.Messages = transcript.CloneMessages(t.Messages)
		out.Threads[id] = c
	}
	return out
}

// ========================================
// agent 状态推导
// ========================================

// deriveAgentStatus 由事件类型推导 thread 的 agent 状态。
// 不认识的类型维持原状。
func deriveAgentStatus(prev AgentStatus, ev event.Event) AgentStatus {
	switch ev.Kind {
	case event.KindRunStarted:
		return AgentThinking
	case event.KindTextDelta, event.KindReasoningDelta:
		return AgentResponding
	case event.KindToolArgsDelta, event.KindToolOutputDelta, event.KindHITLRequested:
		return AgentCallingTool
	case event.KindPartCreated:
		if p, ok := ev.Payload.(event.PartCreated); ok {
			if p.Type == event.PartTypeToolCall || p.Type == event.PartTypeToolOutput {
				return AgentCallingTool
			}
		}
		return AgentResponding
	case event.KindPartCompleted:
		if p, ok := ev.Payload.(event.PartCompleted); ok && p.Type == event.PartTypeText {
			// 文本收尾视为回合结束
			return AgentIdle
		}
		return prev
	case event.KindError:
		if p, ok := ev.Payload.(event.RunError); ok && p.Recoverable {
			return prev
		}
		return AgentError
	case event.KindRunFailed:
		return AgentError
	default:
		return prev
	}
}
