package synthesizer

import (
	"bytes"
	"context"
	"errors"

	wav "github.com/youpy/go-wav"
)

// ErrSynthesis 合成失败，对当前轮是致命错误（TTS_ERROR）
var ErrSynthesis = errors.New("synthesizer: synthesis failed")

// Result 合成结果
type Result struct {
	Audio      []byte `json:"-"`
	SampleRate int    `json:"sampleRate"`
	DurationMs int64  `json:"durationMs"`
	Format     string `json:"format"` // wav / mp3
}

// Synthesizer 语音合成协作方
// emotionalState 用于调整语速等韵律参数
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, emotionalState string) (*Result, error)
}

// wavDurationMs 解析WAV头计算时长；解析失败返回0，调用方退回词数估算
func wavDurationMs(audio []byte) int64 {
	reader := wav.NewReader(bytes.NewReader(audio))
	format, err := reader.Format()
	if err != nil {
		return 0
	}
	bytesPerSec := int64(format.SampleRate) * int64(format.NumChannels) * int64(format.BitsPerSample/8)
	if bytesPerSec == 0 {
		return 0
	}
	const wavHeaderSize = 44
	dataBytes := int64(len(audio)) - wavHeaderSize
	if dataBytes <= 0 {
		return 0
	}
	return dataBytes * 1000 / bytesPerSec
}

// estimateDurationMs 按~150词/分钟估算语音时长
func estimateDurationMs(text string) int64 {
	words := int64(len(bytes.Fields([]byte(text))))
	return words * 60 * 1000 / 150
}
