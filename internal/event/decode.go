// decode.go — 传输边界解码/校验: 原始记录 → Event。
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
)

// envelope 原始传输记录的外层结构。
//
// SequenceNumber 与 Timestamp 用 json.RawMessage 延迟解析,
// 兼容数字/字符串两种写法 (历史后端混用)。
type envelope struct {
	Kind           string          `json:"kind"`
	SequenceNumber json.RawMessage `json:"sequenceNumber"`
	Timestamp      json.RawMessage `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// Decode 解析一条原始传输记录。
//
// 丢弃条件 (返回 error, 调用方只记诊断, 不中断处理):
//   - kind 缺失或不在白名单
//   - sequenceNumber 缺失或为负
//   - payload 无 threadId (决策: log-and-drop, 不路由到哨兵 thread)
//
// Decode 从不 panic; 任意字节输入都退化为错误返回。
func Decode(raw []byte) (Event, error) {
	const op = "Event.Decode"

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, pkgerr.Wrap(err, op, "unmarshal envelope")
	}

	kind := Kind(strings.TrimSpace(env.Kind))
	if kind == "" {
		return Event{}, pkgerr.New(op, "missing kind")
	}
	if !KnownKind(kind) {
		return Event{}, pkgerr.Newf(op, "unknown kind %q", kind)
	}

	seq, ok := parseSeq(env.SequenceNumber)
	if !ok {
		return Event{}, pkgerr.Newf(op, "kind %s: missing or invalid sequenceNumber", kind)
	}

	payload, threadID, err := decodePayload(kind, env.Payload)
	if err != nil {
		return Event{}, err
	}
	if threadID == "" {
		return Event{}, pkgerr.Newf(op, "kind %s seq %d: payload has no threadId", kind, seq)
	}

	return Event{
		Kind:      kind,
		Seq:       seq,
		Timestamp: parseTimestamp(env.Timestamp),
		ThreadID:  threadID,
		Payload:   payload,
	}, nil
}

// parseSeq 接受 JSON number 或数字字符串, 拒绝负数。
func parseSeq(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n >= 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, n >= 0
		}
	}
	return 0, false
}

// parseTimestamp 接受 RFC3339 字符串或 epoch 毫秒; 解析失败返回零值。
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// threadIDOnly 只为提取 threadId 的最小 payload 视图。
type threadIDOnly struct {
	ThreadID string `json:"threadId"`
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, string, error) {
	const op = "Event.Decode"

	var tid threadIDOnly
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &tid)
	}
	threadID := strings.TrimSpace(tid.ThreadID)

	unmarshal := func(dst any) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return pkgerr.Wrapf(err, op, "kind %s: unmarshal payload", kind)
		}
		return nil
	}

	var payload Payload
	var err error
	switch kind {
	case KindRunStarted:
		var p RunStarted
		err = unmarshal(&p)
		payload = p
	case KindPartCreated:
		var p PartCreated
		err = unmarshal(&p)
		payload = p
	case KindTextDelta, KindReasoningDelta:
		var p TextDelta
		err = unmarshal(&p)
		payload = p
	case KindToolArgsDelta:
		var p ToolArgsDelta
		err = unmarshal(&p)
		payload = p
	case KindToolOutputDelta:
		var p ToolOutputDelta
		err = unmarshal(&p)
		payload = p
	case KindPartCompleted:
		var p PartCompleted
		err = unmarshal(&p)
		payload = p
	case KindError:
		// error 事件缺省可恢复; payload 显式 recoverable=false 时才覆盖。
		p := RunError{Recoverable: true}
		err = unmarshal(&p)
		payload = p
	case KindRunFailed:
		// run.failed 缺省不可恢复 (保留与 error 的不对称)。
		var p RunError
		err = unmarshal(&p)
		payload = p
	case KindHITLRequested:
		var p HITLRequested
		err = unmarshal(&p)
		payload = p
	case KindHITLResolved:
		var p HITLResolved
		err = unmarshal(&p)
		payload = p
	case KindUsageUpdated:
		var p UsageUpdated
		err = unmarshal(&p)
		payload = p
	case KindStepStarted, KindStepCompleted, KindStepFailed:
		var p Step
		err = unmarshal(&p)
		payload = p
	default:
		return nil, "", pkgerr.Newf(op, "unknown kind %q", kind)
	}
	return payload, threadID, err
}
