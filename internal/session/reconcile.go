// reconcile.go — 历史与乐观消息的合并。
package session

import "github.com/multi-agent/convo-sync/internal/transcript"

// Reconcile 合并服务端历史与本地乐观消息。
//
// 服务端已确认的消息在前; 本地有而历史没有的 (仍在途的发送)
// 按原顺序跟在后面。同 id 以历史版本为准, 乐观副本丢弃,
// 保证一条消息既不丢失也不重复。
func Reconcile(optimistic, historical []transcript.Message) []transcript.Message {
	seen := make(map[string]struct{}, len(historical))
	for i := range historical {
		seen[historical[i].ID] = struct{}{}
	}
	out := make([]transcript.Message, 0, len(historical)+len(optimistic))
	out = append(out, historical...)
	for i := range optimistic {
		if _, ok := seen[optimistic[i].ID]; ok {
			continue
		}
		out = append(out, optimistic[i])
	}
	return out
}
