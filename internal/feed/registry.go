package feed

import (
	"sync"

	"github.com/multi-agent/convo-sync/pkg/logger"
)

// Registry 按 (URL, UserID) 共享订阅连接并做引用计数:
// 同一个流的多个消费者复用一条 websocket, 最后一个释放时才断开。
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	client *Client
	refs   int
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Key 订阅标识。
func Key(feedURL, userID string) string {
	return feedURL + "|" + userID
}

// Acquire 获取共享客户端。首个调用者触发创建并 Start, 之后仅加引用。
func (r *Registry) Acquire(opts Options) *Client {
	key := Key(opts.URL, opts.UserID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.client
	}
	client := NewClient(opts)
	client.Start()
	r.entries[key] = &registryEntry{client: client, refs: 1}
	logger.Debug("feed: 新建共享订阅", logger.FieldKey, key)
	return client
}

// Release 释放引用。计数归零时停掉连接并移除条目。
// 是否停连接的判定必须在锁内定下来: 解锁后 e.refs 可能已被
// 并发 Acquire 改写, 再读会把别人刚共享上的客户端停掉。
func (r *Registry) Release(feedURL, userID string) {
	key := Key(feedURL, userID)
	r.mu.Lock()
	e, ok := r.entries[key]
	stop := false
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(r.entries, key)
			stop = true
		}
	}
	r.mu.Unlock()
	if stop {
		e.client.Stop()
		logger.Debug("feed: 共享订阅已关闭", logger.FieldKey, key)
	}
}

// Refs 当前引用计数 (测试用)。
func (r *Registry) Refs(feedURL, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[Key(feedURL, userID)]; ok {
		return e.refs
	}
	return 0
}
