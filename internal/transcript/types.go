// Package transcript 定义单个 thread 的会话转录数据结构与投影函数。
//
// Message 的 ID 一经创建不可变; parts 是唯一可变结构, 且只允许
// append 或按 index 原地更新。所有修改走 copy-on-write, 读方可以把
// 任意快照当作不可变值持有。
package transcript

import (
	"encoding/json"
	"time"
)

// Role 消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus 用户消息发送状态 (assistant 消息恒为 sent)。
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// PartStatus text/reasoning part 的流式状态。
type PartStatus string

const (
	PartStreaming PartStatus = "streaming"
	PartComplete  PartStatus = "complete"
)

// ToolState tool-call part 的状态机。
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolExecuting       ToolState = "executing"
	ToolOutputAvailable ToolState = "output-available"
)

// HITLStatus 人工审批 part 的状态。
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLDenied   HITLStatus = "denied"
	HITLExpired  HITLStatus = "expired"
)

// Part 类型判别值。
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartToolCall  = "tool-call"
	PartError     = "error"
	PartHITL      = "hitl"
)

// HITLCall 审批请求中的单个工具调用。
type HITLCall struct {
	ID       string          `json:"id"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Part 统一的消息片段 (扁平 tagged struct, 按 Type 取字段)。
//
// ID 在所属消息内唯一: text/reasoning/error/hitl 用 part id,
// tool-call 用 tool-call id。
type Part struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// text / reasoning
	Content string     `json:"content,omitempty"`
	Status  PartStatus `json:"status,omitempty"`

	// tool-call
	ToolName string    `json:"toolName,omitempty"`
	Input    string    `json:"input,omitempty"`
	Output   string    `json:"output,omitempty"`
	State    ToolState `json:"state,omitempty"`

	// error
	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// hitl
	ToolCalls  []HITLCall     `json:"toolCalls,omitempty"`
	HITLStatus HITLStatus     `json:"hitlStatus,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Message 单条会话消息。ID 全局唯一 (用户消息由客户端生成,
// assistant 消息由服务端生成), 既是渲染键也是乐观合并的 canonical id。
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	AgentID   string        `json:"agentId,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
	Parts     []Part        `json:"parts"`
	CreatedAt time.Time     `json:"createdAt,omitempty"`
}

// ========================================
// 深拷贝
// ========================================

// CloneMessages 深拷贝消息列表 (含 parts 与指针字段)。
func CloneMessages(src []Message) []Message {
	if src == nil {
		return nil
	}
	out := make([]Message, len(src))
	copy(out, src)
	for i := range out {
		out[i].Parts = clonePartsSlice(out[i].Parts)
	}
	return out
}

func clonePartsSlice(src []Part) []Part {
	if src == nil {
		return nil
	}
	out := make([]Part, len(src))
	copy(out, src)
	for i := range out {
		out[i] = clonePart(out[i])
	}
	return out
}

func clonePart(p Part) Part {
	if len(p.ToolCalls) > 0 {
		calls := make([]HITLCall, len(p.ToolCalls))
		copy(calls, p.ToolCalls)
		p.ToolCalls = calls
	}
	if p.ResolvedAt != nil {
		v := *p.ResolvedAt
		p.ResolvedAt = &v
	}
	if p.ExpiresAt != nil {
		v := *p.ExpiresAt
		p.ExpiresAt = &v
	}
	if p.Metadata != nil {
		meta := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			meta[k] = v
		}
		p.Metadata = meta
	}
	return p
}

// TextContent 拼接消息内所有 text part 的内容 (历史上下文扁平化用)。
func (m Message) TextContent() string {
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Content
		}
	}
	return out
}
