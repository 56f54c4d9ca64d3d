// message.go — messages 表 CRUD (消息持久化与历史拉取)。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
	"github.com/multi-agent/convo-sync/pkg/util"
)

// MessageStore messages 存储。
type MessageStore struct{ BaseStore }

// NewMessageStore 创建。
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{NewBaseStore(pool)}
}

const msgCols = "id, thread_id, message_id, type, content, data, agent_name, status, created_at"

// InsertUser 写入用户消息。message_id 由客户端生成, 冲突即重复提交。
// 初始 status=sending, 发送结果确认后由 SetStatus 翻转。
func (s *MessageStore) InsertUser(ctx context.Context, threadID, messageID, content string) error {
	const op = "MessageStore.InsertUser"
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages (thread_id, message_id, type, content, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING`,
		threadID, messageID, RowTypeUser, content, RowStatusSending, time.Now())
	if err != nil {
		return pkgerr.Wrap(err, op, "insert")
	}
	if tag.RowsAffected() == 0 {
		return pkgerr.Wrapf(pkgerr.ErrDuplicateMessage, op, "message %s", messageID)
	}
	return nil
}

// InsertAgent 写入 agent 输出包 (订阅层落库, 供历史重建)。
func (s *MessageStore) InsertAgent(ctx context.Context, threadID, messageID, agentName string, data json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (thread_id, message_id, type, data, agent_name, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (message_id) DO UPDATE SET data = EXCLUDED.data`,
		threadID, messageID, RowTypeAgent, data, agentName, RowStatusSent, time.Now())
	return err
}

// SetStatus 更新消息状态 (sent / failed / canceled)。
func (s *MessageStore) SetStatus(ctx context.Context, messageID, status string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE messages SET status = $2 WHERE message_id = $1", messageID, status)
	return err
}

// Cancel 放弃在途消息。
func (s *MessageStore) Cancel(ctx context.Context, threadID, messageID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE messages SET status = $3 WHERE thread_id = $1 AND message_id = $2",
		threadID, messageID, RowStatusCanceled)
	return err
}

// History 按创建顺序 (升序) 拉取 thread 的消息行。
func (s *MessageStore) History(ctx context.Context, threadID string, limit int) ([]MessageRow, error) {
	limit = util.ClampInt(limit, 1, 1000)
	rows, err := s.pool.Query(ctx,
		"SELECT "+msgCols+" FROM messages WHERE thread_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2",
		threadID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows[MessageRow](rows)
}

// Get 按 message_id 查单条, 不存在返回 nil。
func (s *MessageStore) Get(ctx context.Context, messageID string) (*MessageRow, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+msgCols+" FROM messages WHERE message_id = $1", messageID)
	if err != nil {
		return nil, err
	}
	return collectOne[MessageRow](rows)
}
