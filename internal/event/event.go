// Package event 定义入站流事件的封闭标签联合 (closed tagged union)。
//
// 传输层投递的原始记录在此解码/校验为强类型 Event;
// 每种 Kind 只携带自己需要的字段, 下游不再做 map[string]any 动态取值。
package event

import (
	"encoding/json"
	"time"
)

// Kind 事件类型判别值。
type Kind string

const (
	KindRunStarted      Kind = "run.started"
	KindPartCreated     Kind = "part.created"
	KindTextDelta       Kind = "text.delta"
	KindReasoningDelta  Kind = "reasoning.delta"
	KindToolArgsDelta   Kind = "tool_call.arguments.delta"
	KindToolOutputDelta Kind = "tool_call.output.delta"
	KindPartCompleted   Kind = "part.completed"
	KindError           Kind = "error"
	KindRunFailed       Kind = "run.failed"
	KindHITLRequested   Kind = "hitl.requested"
	KindHITLResolved    Kind = "hitl.resolved"
	KindUsageUpdated    Kind = "usage.updated"
	KindStepStarted     Kind = "step.started"
	KindStepCompleted   Kind = "step.completed"
	KindStepFailed      Kind = "step.failed"
)

// knownKinds 解码白名单; 不在表中的 kind 直接丢弃。
var knownKinds = map[Kind]struct{}{
	KindRunStarted:      {},
	KindPartCreated:     {},
	KindTextDelta:       {},
	KindReasoningDelta:  {},
	KindToolArgsDelta:   {},
	KindToolOutputDelta: {},
	KindPartCompleted:   {},
	KindError:           {},
	KindRunFailed:       {},
	KindHITLRequested:   {},
	KindHITLResolved:    {},
	KindUsageUpdated:    {},
	KindStepStarted:     {},
	KindStepCompleted:   {},
	KindStepFailed:      {},
}

// KnownKind 返回 kind 是否在解码白名单中。
func KnownKind(k Kind) bool {
	_, ok := knownKinds[k]
	return ok
}

// PartType part.created / part.completed 的 payload.type 取值。
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeToolCall   = "tool-call"
	PartTypeToolOutput = "tool-output"
)

// Event 归一化后的流事件。Seq 仅在单一 thread 的流内有意义。
//
// Event 一经解码不可变; 所有下游 (buffer/projector) 按值传递。
type Event struct {
	Kind      Kind
	Seq       int
	Timestamp time.Time
	ThreadID  string
	Payload   Payload
}

// Payload 按 Kind 区分的载荷联合。
type Payload interface {
	isPayload()
}

// RunStarted run.started — agent 回合开始。Scope 为 "agent" 时携带消息归属。
type RunStarted struct {
	MessageID string `json:"messageId"`
	Name      string `json:"name"`
	Scope     string `json:"scope"`
}

// PartCreated part.created — 在目标消息下新建一个 part。
//
// Type == "tool-output" 是特例: 不新建 part, 而是把最近一个
// 同名 tool-call part 翻转为 executing。
type PartCreated struct {
	MessageID string `json:"messageId"`
	PartID    string `json:"partId"`
	Type      string `json:"type"`
	ToolName  string `json:"toolName"`
}

// TextDelta text.delta / reasoning.delta — 追加增量文本。
type TextDelta struct {
	MessageID string `json:"messageId"`
	PartID    string `json:"partId"`
	Delta     string `json:"delta"`
}

// ToolArgsDelta tool_call.arguments.delta — 追加工具入参增量。
type ToolArgsDelta struct {
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

// ToolOutputDelta tool_call.output.delta — 追加最近 tool-call part 的输出。
type ToolOutputDelta struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// PartCompleted part.completed — part 进入终态并回填最终内容。
type PartCompleted struct {
	MessageID    string          `json:"messageId"`
	PartID       string          `json:"partId"`
	Type         string          `json:"type"`
	FinalContent json.RawMessage `json:"finalContent"`
}

// RunError error / run.failed — 运行错误。
//
// error 默认 recoverable=true, run.failed 默认 false; 解码时保留该不对称。
type RunError struct {
	MessageID   string `json:"messageId"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// HITLToolCall 等待人工审批的单个工具调用。
type HITLToolCall struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// HITLRequested hitl.requested — 人工审批请求, 生成 pending hitl part。
type HITLRequested struct {
	MessageID string         `json:"messageId"`
	PartID    string         `json:"partId"`
	ToolCalls []HITLToolCall `json:"toolCalls"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HITLResolved hitl.resolved — 审批结果; part 按 id 跨消息定位。
type HITLResolved struct {
	PartID     string    `json:"partId"`
	Status     string    `json:"status"` // approved | denied | expired
	ResolvedBy string    `json:"resolvedBy"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// UsageUpdated usage.updated — token 用量遥测 (不改写 transcript)。
type UsageUpdated struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Step step.started / step.completed / step.failed — 步骤遥测。
type Step struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

func (RunStarted) isPayload()      {}
func (PartCreated) isPayload()     {}
func (TextDelta) isPayload()       {}
func (ToolArgsDelta) isPayload()   {}
func (ToolOutputDelta) isPayload() {}
func (PartCompleted) isPayload()   {}
func (RunError) isPayload()        {}
func (HITLRequested) isPayload()   {}
func (HITLResolved) isPayload()    {}
func (UsageUpdated) isPayload()    {}
func (Step) isPayload()            {}
