package recognizer

import (
	"context"
	"errors"
)

// ErrTranscription 转写失败
// 可跳过：流水线降级为空转写零置信度，不中断本轮
var ErrTranscription = errors.New("recognizer: transcription failed")

// Result 转写结果
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcriber 语音转写协作方
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, sampleRate int) (*Result, error)
}
