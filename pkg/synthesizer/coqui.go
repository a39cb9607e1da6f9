package synthesizer

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// CoquiService 自托管Coqui TTS的HTTP合成器
type CoquiService struct {
	client     *resty.Client
	model      string
	sampleRate int
}

// NewCoquiService 创建Coqui合成器
func NewCoquiService(baseURL, model string, sampleRate int) *CoquiService {
	return &CoquiService{
		client:     resty.New().SetBaseURL(baseURL),
		model:      model,
		sampleRate: sampleRate,
	}
}

// Synthesize 调用Coqui的/api/tts接口
// Coqui不支持语速参数，情绪通过文本预处理近似表达
func (s *CoquiService) Synthesize(ctx context.Context, text string, emotionalState string) (*Result, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"text":       applyProsodyText(text, emotionalState),
			"model_name": s.model,
		}).
		Get("/api/tts")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: coqui status %d", ErrSynthesis, resp.StatusCode())
	}

	audio := resp.Body()
	duration := wavDurationMs(audio)
	if duration == 0 {
		duration = estimateDurationMs(text)
	}
	return &Result{Audio: audio, SampleRate: s.sampleRate, DurationMs: duration, Format: "wav"}, nil
}

// applyProsodyText 用标点近似情绪韵律
func applyProsodyText(text, emotionalState string) string {
	switch emotionalState {
	case "panicked", "hysterical":
		return text + "!"
	default:
		return text
	}
}
