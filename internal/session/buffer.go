// Package session 维护多 thread 会话状态: 每 thread 的乱序重排缓冲、
// 转录投影、乐观消息合并, 以及驱动这一切的 reducer 与 Engine。
package session

import (
	"sort"

	"github.com/multi-agent/convo-sync/internal/event"
)

// ReorderBuffer 单个 thread 的序列号重排缓冲。
//
// 事件按 thread 内序列号严格升序应用; 先到的高序号事件在 pending
// 里等待缺口补齐。lastProcessed 初始为 -1, 保证序号 0 总是可入场。
type ReorderBuffer struct {
	pending       map[int]event.Event
	nextExpected  int
	hasNext       bool // nextExpected 在首个事件入场前无意义
	lastProcessed int
}

// BufferStats 缓冲观测快照。
type BufferStats struct {
	Pending       int  `json:"pending"`
	NextExpected  int  `json:"nextExpected"`
	HasNext       bool `json:"hasNext"`
	LastProcessed int  `json:"lastProcessed"`
}

// AdmitResult 一次批量入场的结果, 供 instrumentation 使用。
type AdmitResult struct {
	Admitted   int
	Duplicates []int // 被静默丢弃的已见序号
	Reset      bool  // 本批触发了新 turn 重置
}

// NewReorderBuffer 创建空缓冲。
func NewReorderBuffer() *ReorderBuffer {
	return &ReorderBuffer{
		pending:       make(map[int]event.Event),
		lastProcessed: -1,
	}
}

// Admit 接收一批本 thread 的事件。
//
// 先做新 turn 检测再做入场过滤: run.started seq=0 在
// lastProcessed > 0 时意味着服务端重启了序列号, 此时整个缓冲重置,
// 否则 seq=0 会被高水位过滤掉, 新 turn 永远无法开始。
// 过滤后的事件按序号入 pending (已有键不覆盖), nextExpected 未初始化
// 时取本批入场序号的最小值。
func (b *ReorderBuffer) Admit(batch []event.Event) AdmitResult {
	var res AdmitResult

	for _, ev := range batch {
		if ev.Kind == event.KindRunStarted && ev.Seq == 0 && b.lastProcessed > 0 {
			b.pending = make(map[int]event.Event)
			b.hasNext = false
			b.nextExpected = 0
			b.lastProcessed = -1
			res.Reset = true
			break
		}
	}

	admitted := make([]int, 0, len(batch))
	for _, ev := range batch {
		if ev.Seq <= b.lastProcessed {
			res.Duplicates = append(res.Duplicates, ev.Seq)
			continue
		}
		if _, exists := b.pending[ev.Seq]; exists {
			res.Duplicates = append(res.Duplicates, ev.Seq)
			continue
		}
		b.pending[ev.Seq] = ev
		admitted = append(admitted, ev.Seq)
	}
	res.Admitted = len(admitted)

	if !b.hasNext && len(admitted) > 0 {
		sort.Ints(admitted)
		b.nextExpected = admitted[0]
		b.hasNext = true
	}
	return res
}

// Drain 按序弹出连续就绪的事件并逐个回调 apply, 返回应用条数。
// 遇到缺口即停, 等待后续批次补齐。
func (b *ReorderBuffer) Drain(apply func(event.Event)) int {
	if !b.hasNext {
		return 0
	}
	applied := 0
	for {
		ev, ok := b.pending[b.nextExpected]
		if !ok {
			break
		}
		delete(b.pending, b.nextExpected)
		apply(ev)
		b.lastProcessed = b.nextExpected
		b.nextExpected++
		applied++
	}
	return applied
}

// ResetForTurn 为新一轮响应清空缓冲, 保留 lastProcessed 高水位
// (已见历史仍然有效, 只是不再等待旧 turn 的缺口)。发送用户消息时调用。
func (b *ReorderBuffer) ResetForTurn() {
	b.pending = make(map[int]event.Event)
	b.hasNext = false
	b.nextExpected = 0
}

// Reset 完全重置, 包括高水位。整段转录被替换或清空时调用。
func (b *ReorderBuffer) Reset() {
	b.pending = make(map[int]event.Event)
	b.hasNext = false
	b.nextExpected = 0
	b.lastProcessed = -1
}

// Clone 深拷贝缓冲 (事件本身不可变, 浅拷键值即可)。
func (b *ReorderBuffer) Clone() *ReorderBuffer {
	out := &ReorderBuffer{
		pending:       make(map[int]event.Event, len(b.pending)),
		nextExpected:  b.nextExpected,
		hasNext:       b.hasNext,
		lastProcessed: b.lastProcessed,
	}
	for k, v := range b.pending {
		out.pending[k] = v
	}
	return out
}

// Stats 返回观测快照。
func (b *ReorderBuffer) Stats() BufferStats {
	return BufferStats{
		Pending:       len(b.pending),
		NextExpected:  b.nextExpected,
		HasNext:       b.hasNext,
		LastProcessed: b.lastProcessed,
	}
}

// LastProcessed 当前高水位。
func (b *ReorderBuffer) LastProcessed() int { return b.lastProcessed }
