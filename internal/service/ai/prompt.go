package ai

import (
	"github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/webchat/backend/internal/model/chat"
)

// titleInstruction 用于让模型为会话生成简短标题。
// 注意：模板使用 FString 渲染，此处不能出现花括号。
const titleInstruction = `Summarize the user's message as a short conversation title.
- At most six words.
- No quotes, no trailing punctuation, no explanations.
- Reply with the title only.`

// openAIMessages 将系统提示、历史和本轮输入转换为 OpenAI 消息列表。
func openAIMessages(system string, turns []chat.Turn, input string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == chat.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	return append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: input})
}
