// approval.go — approvals 表 (人工审批决定审计)。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
)

// ApprovalStore approvals 存储。
type ApprovalStore struct{ BaseStore }

// NewApprovalStore 创建。
func NewApprovalStore(pool *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{NewBaseStore(pool)}
}

const approvalCols = "id, tool_call_id, thread_id, action, reason, decided_by, created_at"

// Record 落一条审批决定。同一 tool_call 重复裁决视为冲突。
func (s *ApprovalStore) Record(ctx context.Context, a *Approval) error {
	const op = "ApprovalStore.Record"
	if a.Action != "approve" && a.Action != "deny" {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "action %q", a.Action)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (tool_call_id, thread_id, action, reason, decided_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tool_call_id) DO NOTHING`,
		a.ToolCallID, a.ThreadID, a.Action, a.Reason, a.DecidedBy, a.CreatedAt)
	if err != nil {
		return pkgerr.Wrap(err, op, "insert")
	}
	if tag.RowsAffected() == 0 {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "tool call %s 已有裁决", a.ToolCallID)
	}
	return nil
}

// ListByThread 按 thread 列出审批记录 (最新在前)。
func (s *ApprovalStore) ListByThread(ctx context.Context, threadID string, limit int) ([]Approval, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+approvalCols+" FROM approvals WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2",
		threadID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows[Approval](rows)
}
