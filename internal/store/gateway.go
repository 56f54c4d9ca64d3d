// gateway.go — session.Gateway 的持久层实现。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/convo-sync/internal/session"
	"github.com/multi-agent/convo-sync/internal/transcript"
	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
	"github.com/multi-agent/convo-sync/pkg/logger"
	"github.com/multi-agent/convo-sync/pkg/util"
)

// Gateway 把三个 store 拼成会话引擎的出站调用面。
type Gateway struct {
	threads   *ThreadStore
	messages  *MessageStore
	approvals *ApprovalStore

	historyLimit int
}

// NewGateway 创建。historyLimit <= 0 时取 200。
func NewGateway(pool *pgxpool.Pool, historyLimit int) *Gateway {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Gateway{
		threads:      NewThreadStore(pool),
		messages:     NewMessageStore(pool),
		approvals:    NewApprovalStore(pool),
		historyLimit: historyLimit,
	}
}

// Threads 暴露 thread store (API 层分页列表用)。
func (g *Gateway) Threads() *ThreadStore { return g.threads }

// Approvals 暴露 approval store。
func (g *Gateway) Approvals() *ApprovalStore { return g.approvals }

// SendMessage 持久化用户消息。thread 不存在时顺手建出来。
func (g *Gateway) SendMessage(ctx context.Context, msg transcript.Message, threadID string, history []session.HistoryEntry, userID string) (string, error) {
	const op = "Gateway.SendMessage"

	title := util.CompactOneLine(util.FirstNonEmpty(msg.TextContent(), "新会话"), 80)
	if err := g.threads.Create(ctx, threadID, userID, title); err != nil {
		return "", pkgerr.Wrap(err, op, "ensure thread")
	}
	if err := g.messages.InsertUser(ctx, threadID, msg.ID, msg.TextContent()); err != nil {
		return "", err
	}
	if err := g.threads.Touch(ctx, threadID, msg.CreatedAt); err != nil {
		logger.Warn("store: thread touch 失败",
			logger.FieldThreadID, threadID, logger.FieldError, err)
	}
	logger.Debug("store: 用户消息已落库",
		logger.FieldThreadID, threadID, logger.FieldMessageID, msg.ID,
		logger.FieldCount, len(history))
	return threadID, nil
}

// FetchHistory 拉历史并转换为转录消息。
func (g *Gateway) FetchHistory(ctx context.Context, threadID string) ([]transcript.Message, error) {
	const op = "Gateway.FetchHistory"
	rows, err := g.messages.History(ctx, threadID, g.historyLimit)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, "query history")
	}
	return ConvertHistory(rows), nil
}

// UpdateMessageStatus 回写发送结果。本地不可表达的状态拒绝。
func (g *Gateway) UpdateMessageStatus(ctx context.Context, threadID, messageID string, status transcript.MessageStatus) error {
	const op = "Gateway.UpdateMessageStatus"
	row, ok := rowStatus(status)
	if !ok {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "status %q", status)
	}
	return g.messages.SetStatus(ctx, messageID, row)
}

// rowStatus 转录消息状态 → messages.status 列值。
func rowStatus(s transcript.MessageStatus) (string, bool) {
	switch s {
	case transcript.StatusSending:
		return RowStatusSending, true
	case transcript.StatusSent:
		return RowStatusSent, true
	case transcript.StatusFailed:
		return RowStatusFailed, true
	}
	return "", false
}

// PersistAgentMessage 落库完成的 assistant 消息 (upsert, 幂等)。
// 没有可展示正文的轮次 (纯工具调用) 不落。
func (g *Gateway) PersistAgentMessage(ctx context.Context, threadID string, msg transcript.Message) error {
	data, ok := agentRowData(msg)
	if !ok {
		return nil
	}
	if err := g.messages.InsertAgent(ctx, threadID, msg.ID, msg.AgentID, data); err != nil {
		return pkgerr.Wrap(err, "Gateway.PersistAgentMessage", "insert agent row")
	}
	if err := g.threads.Touch(ctx, threadID, time.Now()); err != nil {
		logger.Warn("store: thread touch 失败",
			logger.FieldThreadID, threadID, logger.FieldError, err)
	}
	return nil
}

// CreateThread 建 thread (幂等)。
func (g *Gateway) CreateThread(ctx context.Context, threadID, userID string) error {
	return g.threads.Create(ctx, threadID, userID, "")
}

// DeleteThread 删 thread 与消息。
func (g *Gateway) DeleteThread(ctx context.Context, threadID string) error {
	return g.threads.Delete(ctx, threadID)
}

// ApproveToolCall 落审批决定。
func (g *Gateway) ApproveToolCall(ctx context.Context, d session.ApprovalDecision) error {
	return g.approvals.Record(ctx, &Approval{
		ToolCallID: d.ToolCallID,
		ThreadID:   d.ThreadID,
		Action:     d.Action,
		Reason:     d.Reason,
	})
}

// CancelMessage 放弃在途消息。只有还在 sending 的消息可取消。
func (g *Gateway) CancelMessage(ctx context.Context, threadID, messageID string) error {
	const op = "Gateway.CancelMessage"
	row, err := g.messages.Get(ctx, messageID)
	if err != nil {
		return pkgerr.Wrap(err, op, "load message")
	}
	if row == nil {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, op, "message %s", messageID)
	}
	if row.Status != RowStatusSending {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "message %s 已是 %s, 不能取消", messageID, row.Status)
	}
	return g.messages.Cancel(ctx, threadID, messageID)
}

var _ session.Gateway = (*Gateway)(nil)
