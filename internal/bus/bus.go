// Package bus 提供进程内消息总线。
//
// 会话引擎在状态变化后把通知发到总线, UI/API 层按 topic 订阅:
//   - thread.{id} — 单个 thread 的转录/状态变化
//   - session — 连接状态等全局变化
//   - approval — 审批请求与结果
//
// fan-out 是尽力而为: 订阅者通道满了直接丢, 不阻塞发布方。
// 状态本体永远以 Engine 快照为准, 总线只是"该重新拉快照了"的信号。
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"` // thread.th-1 / session / approval
	From      string          `json:"from"`  // 来源组件 ("session" / "feed" / "api")
	Type      string          `json:"type"`  // 消息类型
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 消息类型常量。
const (
	// MsgTranscriptUpdated thread 的转录或状态有变化。
	MsgTranscriptUpdated = "transcript_updated"
	// MsgThreadRemoved thread 被删除。
	MsgThreadRemoved = "thread_removed"
	// MsgConnectionState 订阅流连接状态变化。
	MsgConnectionState = "connection_state"
	// MsgApprovalRequested 有待审批的工具调用。
	MsgApprovalRequested = "approval_requested"
	// MsgApprovalResolved 审批已有结论。
	MsgApprovalResolved = "approval_resolved"
)

// Topic 常量。
const (
	// TopicThreadPrefix thread 消息前缀: thread.{id}。
	TopicThreadPrefix = "thread."
	// TopicSession 全局会话消息。
	TopicSession = "session"
	// TopicApproval 审批消息。
	TopicApproval = "approval"
	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("thread.th-1" / "*" / "session")
	Ch     chan Message // 消息通道
}

// ========================================
// MessageBus — topic pub/sub
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "thread.th-1" → 收到 thread.th-1 及其子 topic
//   - 订阅 "*" → 收到所有消息
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Message) // 可选: 每条消息的全局回调 (桥接日志/SSE)
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(msg)
	}
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("thread.th-1" / "*" / "session")。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "thread.th-1" 匹配 "thread.th-1", "thread.th-1.xxx"
//   - filter "session" 匹配 "session", "session.conn"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	// 前缀匹配: filter="thread.th-1" 匹配 topic="thread.th-1.updated"
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
