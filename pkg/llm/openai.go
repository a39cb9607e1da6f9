package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// responseInstruction 要求模型输出结构化JSON，便于同时拿到台词和情绪
const responseInstruction = `Respond ONLY with a JSON object: {"response": "<what the caller says>", "emotional_state": "<calm|anxious|panicked|hysterical>"}`

// OpenAIProvider 基于OpenAI兼容接口的来电者回复生成
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIProvider 创建OpenAI提供者，baseURL为空时用官方地址
func NewOpenAIProvider(apiKey, baseURL, model string, temperature float64, maxTokens int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
		maxTokens:   maxTokens,
	}
}

// GenerateResponse 生成来电者的下一句回复
func (p *OpenAIProvider) GenerateResponse(ctx context.Context, systemPrompt string, history []Message) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt + "\n\n" + responseInstruction,
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty completion")
	}

	out := parseStructured(resp.Choices[0].Message.Content)
	out.TokensUsed = resp.Usage.TotalTokens
	return out, nil
}

// parseStructured 解析模型的结构化输出
// 模型没按约定输出JSON时，整段文本当作台词，情绪提示留空
func parseStructured(raw string) *Response {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed struct {
		Response       string `json:"response"`
		EmotionalState string `json:"emotional_state"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Response != "" {
		return &Response{Text: parsed.Response, EmotionalState: parsed.EmotionalState}
	}
	return &Response{Text: raw}
}
