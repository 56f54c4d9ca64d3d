// history.go — 持久化行 → 转录消息的转换。
package store

import (
	"encoding/json"

	"github.com/multi-agent/convo-sync/internal/transcript"
	"github.com/multi-agent/convo-sync/pkg/logger"
)

// agentData type=agent 行的 data 包结构视图。
type agentData struct {
	Output []agentOutput `json:"output"`
}

type agentOutput struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConvertHistory 把服务端消息行转成转录消息。
//
// 历史消息一律 status=sent (已在服务端落库即已确认); failed/canceled
// 行跳过 — 没送达的消息不算历史, 留给本地乐观层展示。
// type=agent 的文本取 data.output 里第一个 {type:"text", role:"assistant"};
// 取不到文本的行跳过 (纯工具调用轮次没有可展示正文)。
func ConvertHistory(rows []MessageRow) []transcript.Message {
	out := make([]transcript.Message, 0, len(rows))
	for _, row := range rows {
		if row.Status == RowStatusFailed || row.Status == RowStatusCanceled {
			continue
		}
		switch row.Type {
		case RowTypeUser:
			out = append(out, textMessage(row, transcript.RoleUser, row.Content))
		case RowTypeAgent:
			content, ok := firstAssistantText(row.Data)
			if !ok {
				continue
			}
			m := textMessage(row, transcript.RoleAssistant, content)
			m.AgentID = row.AgentName
			out = append(out, m)
		default:
			logger.Warn("store: 未知历史行类型",
				logger.FieldThreadID, row.ThreadID,
				logger.FieldMessageID, row.MessageID, "rowType", row.Type)
		}
	}
	return out
}

func textMessage(row MessageRow, role transcript.Role, content string) transcript.Message {
	return transcript.Message{
		ID:     row.MessageID,
		Role:   role,
		Status: transcript.StatusSent,
		Parts: []transcript.Part{{
			ID:      row.MessageID + ":text",
			Type:    transcript.PartText,
			Content: content,
			Status:  transcript.PartComplete,
		}},
		CreatedAt: row.CreatedAt,
	}
}

// agentRowData 把完成的 assistant 消息编码成 data 包
// (firstAssistantText 的逆向)。没有可展示正文时返回 false。
func agentRowData(msg transcript.Message) (json.RawMessage, bool) {
	text := msg.TextContent()
	if text == "" {
		return nil, false
	}
	raw, err := json.Marshal(agentData{Output: []agentOutput{
		{Type: "text", Role: "assistant", Content: text},
	}})
	if err != nil {
		return nil, false
	}
	return raw, true
}

// firstAssistantText 在 data.output 里找第一个 assistant 文本。
func firstAssistantText(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var d agentData
	if err := json.Unmarshal(data, &d); err != nil {
		return "", false
	}
	for _, o := range d.Output {
		if o.Type == "text" && o.Role == "assistant" {
			return o.Content, true
		}
	}
	return "", false
}
