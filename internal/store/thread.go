// thread.go — threads 表 CRUD 与分页查询。
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/convo-sync/pkg/util"
)

// ThreadStore threads 存储。
type ThreadStore struct{ BaseStore }

// NewThreadStore 创建。
func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{NewBaseStore(pool)}
}

const threadCols = "thread_id, user_id, title, last_message_at, created_at"

// ThreadPage 偏移分页结果。
type ThreadPage struct {
	Threads []Thread `json:"threads"`
	HasMore bool     `json:"hasMore"`
	Total   int      `json:"total"`
}

// ThreadCursor 游标分页键: (last_message_at, thread_id) 降序。
type ThreadCursor struct {
	LastMessageAt time.Time `json:"lastMessageAt"`
	ThreadID      string    `json:"threadId"`
}

// Create 建 thread。幂等: 已存在时不改动任何字段。
func (s *ThreadStore) Create(ctx context.Context, threadID, userID, title string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (thread_id, user_id, title, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (thread_id) DO NOTHING`,
		threadID, userID, title, now)
	return err
}

// Delete 删 thread 及其全部消息。
func (s *ThreadStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM messages WHERE thread_id = $1", threadID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, "DELETE FROM threads WHERE thread_id = $1", threadID)
	return err
}

// Touch 刷新 thread 的最近消息时间 (插入消息后调用)。
func (s *ThreadStore) Touch(ctx context.Context, threadID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE threads SET last_message_at = $2 WHERE thread_id = $1", threadID, at)
	return err
}

// Get 按 id 查 thread, 不存在返回 nil。
func (s *ThreadStore) Get(ctx context.Context, threadID string) (*Thread, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+threadCols+" FROM threads WHERE thread_id = $1", threadID)
	if err != nil {
		return nil, err
	}
	return collectOne[Thread](rows)
}

// List 偏移分页: 按最近消息时间降序, 附带 hasMore 与 total。
// keyword 非空时对标题做 LIKE 搜索。
func (s *ThreadStore) List(ctx context.Context, userID, keyword string, limit, offset int) (*ThreadPage, error) {
	limit = util.ClampInt(limit, 1, 200)
	if offset < 0 {
		offset = 0
	}

	qb := NewQueryBuilder().Eq("user_id", userID).KeywordLike(keyword, "title")
	where := qb.WhereClause()
	params := qb.Params()

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM threads"+where, params...).Scan(&total); err != nil {
		return nil, err
	}

	// 多取一条探测 hasMore
	n := len(params)
	sql := fmt.Sprintf("SELECT %s FROM threads%s ORDER BY last_message_at DESC, thread_id DESC LIMIT $%d OFFSET $%d",
		threadCols, where, n+1, n+2)
	rows, err := s.pool.Query(ctx, sql, append(params, limit+1, offset)...)
	if err != nil {
		return nil, err
	}
	threads, err := collectRows[Thread](rows)
	if err != nil {
		return nil, err
	}

	page := &ThreadPage{Threads: threads, Total: total}
	if len(threads) > limit {
		page.Threads = threads[:limit]
		page.HasMore = true
	}
	return page, nil
}

// ListByCursor 游标分页: 严格小于游标 (last_message_at, thread_id) 的行,
// 降序返回。cursor 为 nil 时从最新开始。返回下一页游标 (无更多时 nil)。
func (s *ThreadStore) ListByCursor(ctx context.Context, userID string, cursor *ThreadCursor, limit int) ([]Thread, *ThreadCursor, error) {
	limit = util.ClampInt(limit, 1, 200)

	var rowsSQL string
	var args []any
	if cursor == nil {
		rowsSQL = "SELECT " + threadCols + ` FROM threads WHERE user_id = $1
			ORDER BY last_message_at DESC, thread_id DESC LIMIT $2`
		args = []any{userID, limit + 1}
	} else {
		rowsSQL = "SELECT " + threadCols + ` FROM threads WHERE user_id = $1
			AND (last_message_at, thread_id) < ($2, $3)
			ORDER BY last_message_at DESC, thread_id DESC LIMIT $4`
		args = []any{userID, cursor.LastMessageAt, cursor.ThreadID, limit + 1}
	}

	rows, err := s.pool.Query(ctx, rowsSQL, args...)
	if err != nil {
		return nil, nil, err
	}
	threads, err := collectRows[Thread](rows)
	if err != nil {
		return nil, nil, err
	}

	var next *ThreadCursor
	if len(threads) > limit {
		threads = threads[:limit]
		last := threads[len(threads)-1]
		next = &ThreadCursor{LastMessageAt: last.LastMessageAt, ThreadID: last.ThreadID}
	}
	return threads, next, nil
}
