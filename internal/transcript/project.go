// project.go — 事件投影: (messages, event) -> messages 的纯函数。
//
// 投影不持锁、不做 I/O、不修改入参; 每次返回新的消息切片快照。
// 引用缺失的 message/part 时记 warn 并原样返回, 绝不 panic。
package transcript

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/multi-agent/convo-sync/internal/event"
	"github.com/multi-agent/convo-sync/pkg/logger"
)

type projectFunc func(msgs []Message, ev event.Event) []Message

// 事件类型 -> 投影处理器。不在表内的 kind 原样返回 (前向兼容)。
var projectors = map[event.Kind]projectFunc{
	event.KindRunStarted:      projectRunStarted,
	event.KindPartCreated:     projectPartCreated,
	event.KindTextDelta:       projectContentDelta,
	event.KindReasoningDelta:  projectContentDelta,
	event.KindToolArgsDelta:   projectToolArgsDelta,
	event.KindToolOutputDelta: projectToolOutputDelta,
	event.KindPartCompleted:   projectPartCompleted,
	event.KindError:           projectRunError,
	event.KindRunFailed:       projectRunError,
	event.KindHITLRequested:   projectHITLRequested,
	event.KindHITLResolved:    projectHITLResolved,

	// telemetry: 会话状态层消费, 转录本身无变化
	event.KindUsageUpdated:  projectNoop,
	event.KindStepStarted:   projectNoop,
	event.KindStepCompleted: projectNoop,
	event.KindStepFailed:    projectNoop,
}

// Project 把单个事件投影到转录上, 返回新快照。
func Project(messages []Message, ev event.Event) []Message {
	if h, ok := projectors[ev.Kind]; ok {
		return h(messages, ev)
	}
	logger.Debug("transcript: 忽略未注册事件类型",
		logger.FieldEventKind, string(ev.Kind), logger.FieldThreadID, ev.ThreadID)
	return messages
}

func projectNoop(msgs []Message, _ event.Event) []Message { return msgs }

// ========================================
// copy-on-write 基础操作
// ========================================

func indexOfMessage(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// ensureAssistant 按 id 查找 assistant 消息, 不存在则创建。
// id 为空时回落到最后一条 assistant 消息; 连它也没有才新建。
// 返回的切片总是新副本, 目标消息及其 parts 已深拷贝, 可安全原地改。
func ensureAssistant(msgs []Message, id string, ts time.Time) ([]Message, int) {
	idx := -1
	if id != "" {
		idx = indexOfMessage(msgs, id)
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == RoleAssistant {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		out := append([]Message{}, msgs...)
		out[idx].Parts = clonePartsSlice(out[idx].Parts)
		return out, idx
	}
	if id == "" {
		id = uuid.NewString()
	}
	out := append([]Message{}, msgs...)
	out = append(out, Message{
		ID:        id,
		Role:      RoleAssistant,
		Status:    StatusSent,
		Parts:     []Part{},
		CreatedAt: ts,
	})
	return out, len(out) - 1
}

// mutateMessage 对已有消息做 copy-on-write 修改; 消息不存在返回 (msgs, false)。
func mutateMessage(msgs []Message, id string, fn func(m *Message)) ([]Message, bool) {
	idx := indexOfMessage(msgs, id)
	if idx < 0 {
		return msgs, false
	}
	out := append([]Message{}, msgs...)
	out[idx].Parts = clonePartsSlice(out[idx].Parts)
	fn(&out[idx])
	return out, true
}

func indexOfPart(parts []Part, id string) int {
	for i := range parts {
		if parts[i].ID == id {
			return i
		}
	}
	return -1
}

// lastToolCall 反向扫描最近一个 tool-call part。name 非空时要求工具名匹配。
func lastToolCall(parts []Part, name string) int {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Type != PartToolCall {
			continue
		}
		if name == "" || parts[i].ToolName == name {
			return i
		}
	}
	return -1
}

// ========================================
// 事件处理器
// ========================================

func projectRunStarted(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.RunStarted)
	if p.Scope != "" && p.Scope != "agent" {
		// 非 agent 作用域的 run.started 只承载 telemetry, 不建消息
		return msgs
	}
	out, idx := ensureAssistant(msgs, p.MessageID, ev.Timestamp)
	out[idx].AgentID = p.Name
	return out
}

func projectPartCreated(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.PartCreated)
	out, idx := ensureAssistant(msgs, p.MessageID, ev.Timestamp)
	switch p.Type {
	case event.PartTypeText:
		out[idx].Parts = append(out[idx].Parts, Part{
			ID: p.PartID, Type: PartText, Status: PartStreaming,
		})
	case event.PartTypeReasoning:
		out[idx].Parts = append(out[idx].Parts, Part{
			ID: p.PartID, Type: PartReasoning, Status: PartStreaming,
		})
	case event.PartTypeToolCall:
		out[idx].Parts = append(out[idx].Parts, Part{
			ID: p.PartID, Type: PartToolCall,
			ToolName: p.ToolName, State: ToolInputStreaming,
		})
	case event.PartTypeToolOutput:
		// tool-output 不建新 part, 反查同名 tool-call 标记为 executing
		if i := lastToolCall(out[idx].Parts, p.ToolName); i >= 0 {
			out[idx].Parts[i].State = ToolExecuting
			out[idx].Parts[i].Output = ""
		} else {
			logger.Warn("transcript: tool-output part 找不到对应 tool-call",
				logger.FieldThreadID, ev.ThreadID,
				logger.FieldMessageID, out[idx].ID,
				"toolName", p.ToolName)
		}
	default:
		logger.Warn("transcript: 未知 part 类型",
			logger.FieldThreadID, ev.ThreadID, "partType", p.Type)
	}
	return out
}

func projectContentDelta(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.TextDelta)
	out, ok := mutateMessage(msgs, p.MessageID, func(m *Message) {
		i := indexOfPart(m.Parts, p.PartID)
		if i < 0 {
			logger.Warn("transcript: delta 目标 part 不存在",
				logger.FieldThreadID, ev.ThreadID,
				logger.FieldMessageID, m.ID, logger.FieldPartID, p.PartID,
				logger.FieldEventKind, string(ev.Kind))
			return
		}
		m.Parts[i].Content += p.Delta
	})
	if !ok {
		logger.Warn("transcript: delta 目标消息不存在",
			logger.FieldThreadID, ev.ThreadID,
			logger.FieldMessageID, p.MessageID,
			logger.FieldEventKind, string(ev.Kind))
	}
	return out
}

func projectToolArgsDelta(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.ToolArgsDelta)
	out, ok := mutateMessage(msgs, p.MessageID, func(m *Message) {
		i := indexOfPart(m.Parts, p.ToolCallID)
		if i < 0 || m.Parts[i].Type != PartToolCall {
			logger.Warn("transcript: arguments delta 目标 tool-call 不存在",
				logger.FieldThreadID, ev.ThreadID,
				logger.FieldMessageID, m.ID, logger.FieldPartID, p.ToolCallID)
			return
		}
		m.Parts[i].Input += p.Delta
		m.Parts[i].State = ToolInputStreaming
	})
	if !ok {
		logger.Warn("transcript: arguments delta 目标消息不存在",
			logger.FieldThreadID, ev.ThreadID, logger.FieldMessageID, p.MessageID)
	}
	return out
}

func projectToolOutputDelta(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.ToolOutputDelta)
	out, ok := mutateMessage(msgs, p.MessageID, func(m *Message) {
		i := lastToolCall(m.Parts, "")
		if i < 0 {
			logger.Warn("transcript: output delta 找不到 tool-call part",
				logger.FieldThreadID, ev.ThreadID, logger.FieldMessageID, m.ID)
			return
		}
		m.Parts[i].Output += p.Delta
		if m.Parts[i].State == ToolInputStreaming || m.Parts[i].State == ToolInputAvailable {
			m.Parts[i].State = ToolExecuting
		}
	})
	if !ok {
		logger.Warn("transcript: output delta 目标消息不存在",
			logger.FieldThreadID, ev.ThreadID, logger.FieldMessageID, p.MessageID)
	}
	return out
}

func projectPartCompleted(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.PartCompleted)
	out, ok := mutateMessage(msgs, p.MessageID, func(m *Message) {
		if p.Type == event.PartTypeToolOutput {
			// 输出完成: 落在对应 tool-call 上
			i := indexOfPart(m.Parts, p.PartID)
			if i < 0 || m.Parts[i].Type != PartToolCall {
				i = lastToolCall(m.Parts, "")
			}
			if i < 0 {
				logger.Warn("transcript: output 完成找不到 tool-call part",
					logger.FieldThreadID, ev.ThreadID, logger.FieldMessageID, m.ID)
				return
			}
			m.Parts[i].State = ToolOutputAvailable
			if s := finalContentString(p.FinalContent); s != "" {
				m.Parts[i].Output = s
			}
			return
		}
		i := indexOfPart(m.Parts, p.PartID)
		if i < 0 {
			logger.Warn("transcript: 完成事件目标 part 不存在",
				logger.FieldThreadID, ev.ThreadID,
				logger.FieldMessageID, m.ID, logger.FieldPartID, p.PartID)
			return
		}
		switch m.Parts[i].Type {
		case PartText, PartReasoning:
			m.Parts[i].Status = PartComplete
			if s := finalContentString(p.FinalContent); s != "" {
				m.Parts[i].Content = s
			}
		case PartToolCall:
			if s := finalContentString(p.FinalContent); s != "" {
				m.Parts[i].Input = s
			}
			if m.Parts[i].State == ToolInputStreaming {
				m.Parts[i].State = ToolInputAvailable
			}
		}
	})
	if !ok {
		logger.Warn("transcript: 完成事件目标消息不存在",
			logger.FieldThreadID, ev.ThreadID, logger.FieldMessageID, p.MessageID)
	}
	return out
}

// finalContentString 把 finalContent 解成展示文本:
// JSON 字符串取其值, 其他 JSON 值保留原文。
func finalContentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func projectRunError(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.RunError)
	out, idx := ensureAssistant(msgs, p.MessageID, ev.Timestamp)
	out[idx].Parts = append(out[idx].Parts, Part{
		ID:          uuid.NewString(),
		Type:        PartError,
		Error:       p.Message,
		Recoverable: p.Recoverable,
	})
	return out
}

func projectHITLRequested(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.HITLRequested)
	out, idx := ensureAssistant(msgs, p.MessageID, ev.Timestamp)
	partID := p.PartID
	if partID == "" {
		partID = uuid.NewString()
	}
	calls := make([]HITLCall, 0, len(p.ToolCalls))
	for _, c := range p.ToolCalls {
		calls = append(calls, HITLCall{ID: c.ID, ToolName: c.ToolName, Input: c.Input})
	}
	out[idx].Parts = append(out[idx].Parts, Part{
		ID:         partID,
		Type:       PartHITL,
		HITLStatus: HITLPending,
		ToolCalls:  calls,
		ExpiresAt:  p.ExpiresAt,
		Metadata:   p.Metadata,
	})
	return out
}

func projectHITLResolved(msgs []Message, ev event.Event) []Message {
	p := ev.Payload.(event.HITLResolved)
	// 审批结果可能晚于消息切换, 跨全部消息按 part id 查找
	for mi := range msgs {
		for pi := range msgs[mi].Parts {
			if msgs[mi].Parts[pi].Type != PartHITL || msgs[mi].Parts[pi].ID != p.PartID {
				continue
			}
			out := append([]Message{}, msgs...)
			out[mi].Parts = clonePartsSlice(out[mi].Parts)
			out[mi].Parts[pi].HITLStatus = HITLStatus(p.Status)
			out[mi].Parts[pi].ResolvedBy = p.ResolvedBy
			if !p.ResolvedAt.IsZero() {
				ts := p.ResolvedAt
				out[mi].Parts[pi].ResolvedAt = &ts
			}
			return out
		}
	}
	logger.Warn("transcript: 审批结果找不到对应 hitl part",
		logger.FieldThreadID, ev.ThreadID, logger.FieldPartID, p.PartID)
	return msgs
}
