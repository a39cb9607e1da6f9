package recognizer

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperTranscriber 基于OpenAI Whisper接口的转写器
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// NewWhisperTranscriber 创建Whisper转写器，model为空时用whisper-1
func NewWhisperTranscriber(apiKey, baseURL, model string) *WhisperTranscriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{client: openai.NewClientWithConfig(cfg), model: model}
}

// Transcribe 整段音频转写，置信度取各分段无语音概率的反面
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, _ int) (*Result, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		Reader:   bytes.NewReader(audio),
		FilePath: "utterance.wav",
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	confidence := 0.9
	if len(resp.Segments) > 0 {
		noSpeech := 0.0
		for _, seg := range resp.Segments {
			noSpeech += seg.NoSpeechProb
		}
		confidence = 1.0 - noSpeech/float64(len(resp.Segments))
	}

	return &Result{Text: resp.Text, Confidence: confidence}, nil
}
