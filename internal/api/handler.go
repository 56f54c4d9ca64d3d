// handler.go — 会话 REST API handlers。
package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/convo-sync/internal/session"
	"github.com/multi-agent/convo-sync/internal/store"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/session", s.getSession)
	api.GET("/connection", s.getConnection)

	api.GET("/threads", s.listThreads)
	api.POST("/threads", s.createThread)
	api.GET("/threads/:id", s.getThread)
	api.DELETE("/threads/:id", s.deleteThread)
	api.POST("/threads/:id/switch", s.switchThread)
	api.GET("/threads/:id/transcript", s.getTranscript)
	api.GET("/threads/:id/status", s.getThreadStatus)
	api.GET("/threads/:id/buffer", s.getBufferStats)
	api.POST("/threads/:id/messages", s.sendMessage)
	api.POST("/threads/:id/messages/:messageId/cancel", s.cancelMessage)
	api.POST("/threads/:id/viewed", s.markViewed)
	api.POST("/threads/:id/clear-error", s.clearError)
	api.GET("/threads/:id/approvals", s.listApprovals)

	api.POST("/approvals", s.recordApproval)
}

// ========================================
// 辅助: 从 query 读分页参数 (DRY)
// ========================================

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

func queryOffset(c *gin.Context) int {
	v, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if v < 0 {
		return 0
	}
	return v
}

// ========================================
// 会话视图
// ========================================

func (s *Server) getSession(c *gin.Context) {
	st := s.engine.Snapshot()
	threads := make([]gin.H, 0, len(st.Threads))
	for _, id := range st.ThreadIDs() {
		t := st.Threads[id]
		threads = append(threads, gin.H{
			"threadId":       id,
			"agentStatus":    t.AgentStatus,
			"messageCount":   len(t.Messages),
			"hasNewMessages": t.HasNewMessages,
			"error":          t.Err,
		})
	}
	success(c, gin.H{
		"currentThreadId": st.CurrentThreadID,
		"connection":      st.Connection,
		"connectionError": st.ConnErr,
		"threads":         threads,
	})
}

func (s *Server) getConnection(c *gin.Context) {
	state, errMsg := s.engine.Connection()
	success(c, gin.H{"state": state, "error": errMsg})
}

// ========================================
// 线程
// ========================================

func (s *Server) listThreads(c *gin.Context) {
	ctx := c.Request.Context()
	limit := queryLimit(c, s.pageSize)

	// 游标分页: 提供 cursor_ts + cursor_id 时走 keyset, 否则 offset 分页。
	if ts := c.Query("cursor_ts"); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			badRequest(c, "invalid_cursor", "cursor_ts 须为 RFC3339 时间")
			return
		}
		cursor := &store.ThreadCursor{LastMessageAt: at, ThreadID: c.Query("cursor_id")}
		items, next, err := s.threads.ListByCursor(ctx, s.userID, cursor, limit)
		if err != nil {
			serverError(c, err)
			return
		}
		success(c, gin.H{"threads": items, "nextCursor": next})
		return
	}

	page, err := s.threads.List(ctx, s.userID, c.Query("keyword"), limit, queryOffset(c))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, page)
}

func (s *Server) createThread(c *gin.Context) {
	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.ThreadID == "" {
		badRequest(c, "invalid_request", "threadId 不能为空")
		return
	}
	if err := s.engine.CreateThread(c.Request.Context(), req.ThreadID); err != nil {
		fail(c, err)
		return
	}
	created(c, gin.H{"threadId": req.ThreadID})
}

func (s *Server) getThread(c *gin.Context) {
	item, err := s.threads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err)
		return
	}
	if item == nil {
		notFound(c, "线程不存在: "+c.Param("id"))
		return
	}
	success(c, item)
}

func (s *Server) deleteThread(c *gin.Context) {
	if err := s.engine.DeleteThread(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"threadId": c.Param("id")})
}

func (s *Server) switchThread(c *gin.Context) {
	if err := s.engine.SwitchThread(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"currentThreadId": s.engine.CurrentThreadID()})
}

func (s *Server) getTranscript(c *gin.Context) {
	threadID := c.Param("id")
	if _, _, ok := s.engine.ThreadStatus(threadID); !ok {
		notFound(c, "线程不存在: "+threadID)
		return
	}
	success(c, gin.H{"threadId": threadID, "messages": s.engine.Transcript(threadID)})
}

func (s *Server) getThreadStatus(c *gin.Context) {
	status, errMsg, ok := s.engine.ThreadStatus(c.Param("id"))
	if !ok {
		notFound(c, "线程不存在: "+c.Param("id"))
		return
	}
	success(c, gin.H{"agentStatus": status, "error": errMsg})
}

func (s *Server) getBufferStats(c *gin.Context) {
	stats, ok := s.engine.BufferStats(c.Param("id"))
	if !ok {
		notFound(c, "线程不存在: "+c.Param("id"))
		return
	}
	success(c, stats)
}

// ========================================
// 消息
// ========================================

func (s *Server) sendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	messageID, err := s.engine.SendUserMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, gin.H{"messageId": messageID, "threadId": c.Param("id")})
}

func (s *Server) cancelMessage(c *gin.Context) {
	err := s.engine.CancelMessage(c.Request.Context(), c.Param("id"), c.Param("messageId"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"messageId": c.Param("messageId")})
}

func (s *Server) markViewed(c *gin.Context) {
	s.engine.MarkViewed(c.Param("id"))
	success(c, gin.H{"threadId": c.Param("id")})
}

func (s *Server) clearError(c *gin.Context) {
	s.engine.ClearError(c.Param("id"))
	success(c, gin.H{"threadId": c.Param("id")})
}

// ========================================
// 工具调用审批
// ========================================

func (s *Server) recordApproval(c *gin.Context) {
	var req struct {
		ToolCallID string `json:"toolCallId"`
		ThreadID   string `json:"threadId"`
		Action     string `json:"action"`
		Reason     string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	d := session.ApprovalDecision{
		ToolCallID: req.ToolCallID,
		ThreadID:   req.ThreadID,
		Action:     req.Action,
		Reason:     req.Reason,
	}
	if err := s.engine.ApproveToolCall(c.Request.Context(), d); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"toolCallId": req.ToolCallID, "action": req.Action})
}

func (s *Server) listApprovals(c *gin.Context) {
	items, err := s.approvals.ListByThread(c.Request.Context(), c.Param("id"), queryLimit(c, 100))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}
