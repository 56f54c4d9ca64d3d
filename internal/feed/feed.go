// Package feed 订阅服务端事件流。
//
// 流是 append-only 的有序日志: 记录一旦在 index i 被观测到就不会被
// 替换或删除, 只会在其后追加。Client 负责连接维护 (断线指数退避重连,
// 定期 ping), 把收到的原始记录追加进 RecordLog, 再把完整日志快照
// 推给监听者 — 乱序/去重由会话层的序列缓冲处理, 这里不做任何解析。
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/convo-sync/internal/session"
	pkgerr "github.com/multi-agent/convo-sync/pkg/errors"
	"github.com/multi-agent/convo-sync/pkg/logger"
	"github.com/multi-agent/convo-sync/pkg/util"
)

const feedWriteTimeout = 5 * time.Second

// ========================================
// RecordLog — append-only 原始记录日志
// ========================================

// RecordLog 并发安全的 append-only 日志。
type RecordLog struct {
	mu      sync.RWMutex
	records [][]byte
}

// NewRecordLog 创建空日志。
func NewRecordLog() *RecordLog {
	return &RecordLog{}
}

// Append 追加一条记录。
func (l *RecordLog) Append(raw []byte) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	l.mu.Lock()
	l.records = append(l.records, cp)
	l.mu.Unlock()
}

// Snapshot 当前日志快照。记录本体不可变, 只拷贝切片头。
func (l *RecordLog) Snapshot() [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][]byte, len(l.records))
	copy(out, l.records)
	return out
}

// Len 当前日志长度。
func (l *RecordLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// ========================================
// Client — websocket 订阅客户端
// ========================================

// Options 订阅配置。
type Options struct {
	URL          string // ws://host/feed
	UserID       string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
}

// Client 单条订阅连接。同一 (URL, UserID) 的多个消费者应通过
// Registry 共享一个 Client, 而不是各开一条。
type Client struct {
	opts Options
	log  *RecordLog

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	wsMu sync.Mutex
	ws   *websocket.Conn

	listenerMu     sync.RWMutex
	logListeners   []func(log [][]byte)
	stateListeners []func(state session.ConnState, errMsg string)
}

// NewClient 创建客户端 (不拨号, Start 后才连接)。
func NewClient(opts Options) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 15 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    NewRecordLog(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Log 底层日志 (测试与观测用)。
func (c *Client) Log() *RecordLog { return c.log }

// OnLogUpdate 注册日志变化监听 (追加后携带完整快照回调)。
func (c *Client) OnLogUpdate(fn func(log [][]byte)) {
	c.listenerMu.Lock()
	c.logListeners = append(c.logListeners, fn)
	c.listenerMu.Unlock()
}

// OnStateChange 注册连接状态监听。
func (c *Client) OnStateChange(fn func(state session.ConnState, errMsg string)) {
	c.listenerMu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.listenerMu.Unlock()
}

// Start 启动连接/重连循环。
func (c *Client) Start() {
	util.SafeGo(c.run)
}

// Stop 关闭连接并终止重连。
func (c *Client) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	c.cancel()
	c.wsMu.Lock()
	ws := c.ws
	c.ws = nil
	c.wsMu.Unlock()
	if ws != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

func (c *Client) run() {
	attempt := 0
	for !c.stopped.Load() {
		c.emitState(session.ConnConnecting, "")
		conn, err := c.dial()
		if errors.Is(err, pkgerr.ErrFeedClosed) {
			break
		}
		if err != nil {
			attempt++
			delay := reconnectDelay(attempt, c.opts.ReconnectMin, c.opts.ReconnectMax)
			logger.Warn("feed: 连接失败, 退避重试",
				logger.FieldURL, c.opts.URL, "attempt", attempt,
				"delay_ms", delay.Milliseconds(), logger.FieldError, err)
			c.emitState(session.ConnError, err.Error())
			if !c.sleepWithContext(delay) {
				break
			}
			continue
		}
		attempt = 0
		c.replaceConn(conn)
		c.emitState(session.ConnActive, "")
		logger.Info("feed: 已连接", logger.FieldURL, c.opts.URL)

		pingCtx, pingCancel := context.WithCancel(c.ctx)
		util.SafeGo(func() { c.pingLoop(pingCtx, conn) })
		readErr := c.readLoop(conn)
		pingCancel()

		if c.stopped.Load() {
			break
		}
		logger.Warn("feed: 连接断开", logger.FieldURL, c.opts.URL, logger.FieldError, readErr)
		c.emitState(session.ConnError, errString(readErr))
	}
	c.emitState(session.ConnDisconnected, "")
}

func (c *Client) dial() (*websocket.Conn, error) {
	if c.stopped.Load() {
		return nil, pkgerr.ErrFeedClosed
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	if c.opts.UserID != "" {
		q := u.Query()
		q.Set("user", c.opts.UserID)
		u.RawQuery = q.Encode()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("dial returned nil websocket connection")
	}
	return conn, nil
}

func (c *Client) replaceConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		c.log.Append(message)
		c.emitLog()
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(feedWriteTimeout))
			if err != nil {
				logger.Warn("feed: ping 失败", logger.FieldURL, c.opts.URL, logger.FieldError, err)
				return
			}
		}
	}
}

func (c *Client) emitLog() {
	snapshot := c.log.Snapshot()
	c.listenerMu.RLock()
	listeners := append([]func([][]byte){}, c.logListeners...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (c *Client) emitState(state session.ConnState, errMsg string) {
	c.listenerMu.RLock()
	listeners := append([]func(session.ConnState, string){}, c.stateListeners...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(state, errMsg)
	}
}

func (c *Client) sleepWithContext(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// reconnectDelay 指数退避: min * 2^(attempt-1), 封顶 max。
func reconnectDelay(attempt int, min, max time.Duration) time.Duration {
	if attempt <= 1 {
		return min
	}
	delay := min
	for i := 2; i <= attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
