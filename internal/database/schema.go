// schema.go — 启动时的表结构引导 (幂等)。
package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/convo-sync/pkg/errors"
	"github.com/multi-agent/convo-sync/pkg/logger"
)

// 表结构。游标分页依赖 (last_message_at, thread_id) 复合索引。
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		thread_id       TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_user_recent
		ON threads (user_id, last_message_at DESC, thread_id DESC)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		thread_id  TEXT NOT NULL,
		message_id TEXT NOT NULL UNIQUE,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		data       JSONB,
		agent_name TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'sent',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread_created
		ON messages (thread_id, created_at, id)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id           BIGSERIAL PRIMARY KEY,
		tool_call_id TEXT NOT NULL UNIQUE,
		thread_id    TEXT NOT NULL,
		action       TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		decided_by   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_thread
		ON approvals (thread_id, created_at DESC)`,
}

// EnsureSchema 建表建索引, 可重复执行。
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const op = "Database.EnsureSchema"
	if pool == nil {
		return apperrors.Wrap(apperrors.ErrInternal, op, "pool 为空")
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, op, "exec schema statement")
		}
	}
	logger.Info("database schema ready", logger.FieldCount, len(schemaStatements))
	return nil
}
