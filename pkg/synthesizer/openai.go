package synthesizer

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIService 基于OpenAI speech接口的合成器
type OpenAIService struct {
	client     *openai.Client
	voice      openai.SpeechVoice
	sampleRate int
	speed      float64
}

// NewOpenAIService 创建OpenAI合成器
func NewOpenAIService(apiKey, baseURL, voice string, sampleRate int, speed float64) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &OpenAIService{
		client:     openai.NewClientWithConfig(cfg),
		voice:      openai.SpeechVoice(voice),
		sampleRate: sampleRate,
		speed:      speed,
	}
}

// Synthesize 合成整段语音，情绪越激动语速越快
func (s *OpenAIService) Synthesize(ctx context.Context, text string, emotionalState string) (*Result, error) {
	res, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          s.speed * prosodySpeed(emotionalState),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer res.Close()

	audio, err := io.ReadAll(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}

	duration := wavDurationMs(audio)
	if duration == 0 {
		duration = estimateDurationMs(text)
	}
	return &Result{Audio: audio, SampleRate: s.sampleRate, DurationMs: duration, Format: "wav"}, nil
}

// prosodySpeed 情绪状态到语速系数
func prosodySpeed(emotionalState string) float64 {
	switch emotionalState {
	case "anxious":
		return 1.1
	case "panicked":
		return 1.2
	case "hysterical":
		return 1.3
	default:
		return 1.0
	}
}
