// Package api 提供会话同步引擎的 HTTP 服务。
package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/convo-sync/internal/session"
	"github.com/multi-agent/convo-sync/internal/store"
	"github.com/multi-agent/convo-sync/internal/transcript"
)

// SessionEngine 会话引擎的操作面。*session.Engine 实现之, 测试可注入假引擎。
type SessionEngine interface {
	Snapshot() session.State
	Transcript(threadID string) []transcript.Message
	ThreadStatus(threadID string) (session.AgentStatus, string, bool)
	BufferStats(threadID string) (session.BufferStats, bool)
	Connection() (session.ConnState, string)
	CurrentThreadID() string
	SendUserMessage(ctx context.Context, threadID, content string) (string, error)
	SwitchThread(ctx context.Context, threadID string) error
	CreateThread(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error
	ApproveToolCall(ctx context.Context, d session.ApprovalDecision) error
	CancelMessage(ctx context.Context, threadID, messageID string) error
	MarkViewed(threadID string)
	ClearError(threadID string)
}

var _ SessionEngine = (*session.Engine)(nil)

// ThreadDirectory 线程元数据查询面 (*store.ThreadStore 实现之)。
type ThreadDirectory interface {
	Get(ctx context.Context, threadID string) (*store.Thread, error)
	List(ctx context.Context, userID, keyword string, limit, offset int) (*store.ThreadPage, error)
	ListByCursor(ctx context.Context, userID string, cursor *store.ThreadCursor, limit int) ([]store.Thread, *store.ThreadCursor, error)
}

// ApprovalLog 审批记录查询面 (*store.ApprovalStore 实现之)。
type ApprovalLog interface {
	ListByThread(ctx context.Context, threadID string, limit int) ([]store.Approval, error)
}

// Server 会话 HTTP 服务。
type Server struct {
	router    *gin.Engine
	engine    SessionEngine
	threads   ThreadDirectory
	approvals ApprovalLog
	userID    string
	pageSize  int // 线程列表默认页大小
}

// NewServer 创建服务并注册路由。
func NewServer(engine SessionEngine, threads ThreadDirectory, approvals ApprovalLog, userID string, pageSize int) *Server {
	if pageSize < 1 {
		pageSize = 30
	}
	r := gin.Default()
	s := &Server{router: r, engine: engine, threads: threads, approvals: approvals, userID: userID, pageSize: pageSize}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 启动监听。
func (s *Server) Run(addr string) error { return s.router.Run(addr) }
