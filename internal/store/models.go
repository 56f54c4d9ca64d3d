// models.go — 持久层行模型。
package store

import (
	"encoding/json"
	"time"
)

// Thread threads 表行。
type Thread struct {
	ThreadID      string    `db:"thread_id" json:"threadId"`
	UserID        string    `db:"user_id" json:"userId"`
	Title         string    `db:"title" json:"title,omitempty"`
	LastMessageAt time.Time `db:"last_message_at" json:"lastMessageAt"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// 消息行 type 取值。
const (
	RowTypeUser  = "user"
	RowTypeAgent = "agent"
)

// 消息行 status 取值。
const (
	RowStatusSending  = "sending"
	RowStatusSent     = "sent"
	RowStatusFailed   = "failed"
	RowStatusCanceled = "canceled"
)

// MessageRow messages 表行 (服务端持久化格式)。
//
// type=user 时 content 是纯文本; type=agent 时 data 是服务端
// 输出包, 文本藏在 data.output 里 (见 history.go 的转换)。
type MessageRow struct {
	ID        int64           `db:"id" json:"id"`
	ThreadID  string          `db:"thread_id" json:"threadId"`
	MessageID string          `db:"message_id" json:"message_id"`
	Type      string          `db:"type" json:"type"` // user | agent
	Content   string          `db:"content" json:"content,omitempty"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	AgentName string          `db:"agent_name" json:"agentName,omitempty"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// Approval approvals 表行 (审批决定审计)。
type Approval struct {
	ID         int64     `db:"id" json:"id"`
	ToolCallID string    `db:"tool_call_id" json:"toolCallId"`
	ThreadID   string    `db:"thread_id" json:"threadId"`
	Action     string    `db:"action" json:"action"` // approve | deny
	Reason     string    `db:"reason" json:"reason,omitempty"`
	DecidedBy  string    `db:"decided_by" json:"decidedBy"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
