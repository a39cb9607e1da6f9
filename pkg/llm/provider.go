package llm

import "context"

// 对话角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 一条对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response 来电者回复
// EmotionalState 是模型结构化输出里的情绪提示，可能为空
type Response struct {
	Text           string `json:"text"`
	EmotionalState string `json:"emotionalState,omitempty"`
	TokensUsed     int    `json:"tokensUsed,omitempty"`
}

// Provider LLM协作方
// 失败对当前轮是致命的（LLM_ERROR），会话本身保持Active
type Provider interface {
	GenerateResponse(ctx context.Context, systemPrompt string, history []Message) (*Response, error)
}
