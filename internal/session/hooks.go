// hooks.go — 可注入的观测回调, 替代全局计数器。
package session

// Hooks 摄入过程的观测点。实现必须快速返回且不得回调 Engine
// (reducer 执行期间触发, 重入会死锁)。
type Hooks interface {
	// OnEventDropped 原始记录解不出合法事件。
	OnEventDropped(raw []byte, err error)
	// OnDuplicate 重复投递被序列过滤丢弃。
	OnDuplicate(threadID string, seq int)
	// OnTurnReset 检测到新 turn, 缓冲重置。
	OnTurnReset(threadID string, lastProcessed int)
	// OnGapStall 本批入场后因缺口一个事件都没应用。
	OnGapStall(threadID string, nextExpected, pending int)
}

// NopHooks 默认空实现。
type NopHooks struct{}

func (NopHooks) OnEventDropped([]byte, error)  {}
func (NopHooks) OnDuplicate(string, int)       {}
func (NopHooks) OnTurnReset(string, int)       {}
func (NopHooks) OnGapStall(string, int, int)   {}
