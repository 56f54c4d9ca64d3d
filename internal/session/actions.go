// actions.go — reducer 动作集。动作是纯数据, 不携带行为;
// 网络 I/O 全部在 Engine 层完成后再以动作回写结果。
package session

import (
	"time"

	"github.com/multi-agent/convo-sync/internal/transcript"
)

// Action reducer 动作 (封闭集合)。
type Action interface{ isAction() }

// IngestLog 摄入传输日志。Log 是完整的 append-only 日志快照,
// reducer 只处理 LastProcessedIndex 之后的后缀。
type IngestLog struct {
	Log [][]byte
}

// SetCurrentThread 切换当前 thread (不存在则惰性创建)。
type SetCurrentThread struct {
	ThreadID string
}

// CreateThread 显式创建 thread。幂等: 已存在时不动既有转录。
type CreateThread struct {
	ThreadID string
}

// RemoveThread 删除 thread; 若删的是当前 thread, 从剩余中任选一个接任。
type RemoveThread struct {
	ThreadID string
}

// SendMessage 乐观追加用户消息 (status=sending), id 由调用方生成。
// 同 id 已存在时整个动作为 no-op (防双击重复提交)。
type SendMessage struct {
	ThreadID  string
	MessageID string
	Content   string
	Timestamp time.Time
}

// SendSucceeded 发送成功, 消息翻为 sent。
type SendSucceeded struct {
	ThreadID  string
	MessageID string
}

// SendFailed 发送失败, 消息翻为 failed 并记 thread 级错误。
type SendFailed struct {
	ThreadID  string
	MessageID string
	Reason    string
}

// ReplaceThreadMessages 整体替换转录 (历史加载 / 乐观合并落地)。
type ReplaceThreadMessages struct {
	ThreadID string
	Messages []transcript.Message
}

// ClearThreadMessages 清空转录并重置序列状态。
type ClearThreadMessages struct {
	ThreadID string
}

// MarkThreadViewed 清除 thread 的未读标记。
type MarkThreadViewed struct {
	ThreadID string
}

// SetThreadError 记录 thread 级错误 (历史拉取失败等非发送类故障)。
type SetThreadError struct {
	ThreadID string
	Reason   string
}

// ClearThreadError 显式清除 thread 级错误。
type ClearThreadError struct {
	ThreadID string
}

// SetConnectionState 更新全局连接状态。
type SetConnectionState struct {
	State ConnState
	Err   string
}

func (IngestLog) isAction()             {}
func (SetCurrentThread) isAction()      {}
func (CreateThread) isAction()          {}
func (RemoveThread) isAction()          {}
func (SendMessage) isAction()           {}
func (SendSucceeded) isAction()         {}
func (SendFailed) isAction()            {}
func (ReplaceThreadMessages) isAction() {}
func (ClearThreadMessages) isAction()   {}
func (MarkThreadViewed) isAction()      {}
func (SetThreadError) isAction()        {}
func (ClearThreadError) isAction()      {}
func (SetConnectionState) isAction()    {}
