package nlp

import "strings"

// Sentiment 规则情感分析结果，供情绪状态机打分
type Sentiment struct {
	Emotion    string  `json:"emotion"` // calm / neutral / anxious / panicked
	Confidence float64 `json:"confidence"`
	PanicScore int     `json:"panicScore"`
	CalmScore  int     `json:"calmScore"`
}

var panicIndicators = []string{
	"help", "emergency", "dying", "can't breathe", "hurry",
	"please", "oh my god", "blood everywhere",
}

var calmIndicators = []string{"okay", "fine", "stable", "calm", "better", "all right"}

// AnalyzeSentiment 基于恐慌/平静指示词的简单情感打分
func AnalyzeSentiment(text string) Sentiment {
	lower := strings.ToLower(text)

	panicScore := 0
	for _, word := range panicIndicators {
		if strings.Contains(lower, word) {
			panicScore++
		}
	}
	calmScore := 0
	for _, word := range calmIndicators {
		if strings.Contains(lower, word) {
			calmScore++
		}
	}

	switch {
	case panicScore > calmScore && panicScore > 2:
		return Sentiment{Emotion: "panicked", Confidence: minF(0.7+float64(panicScore)*0.1, 0.95), PanicScore: panicScore, CalmScore: calmScore}
	case panicScore > calmScore:
		return Sentiment{Emotion: "anxious", Confidence: minF(0.7+float64(panicScore)*0.1, 0.95), PanicScore: panicScore, CalmScore: calmScore}
	case calmScore > 0:
		return Sentiment{Emotion: "calm", Confidence: 0.8, PanicScore: panicScore, CalmScore: calmScore}
	default:
		return Sentiment{Emotion: "neutral", Confidence: 0.6, PanicScore: panicScore, CalmScore: calmScore}
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
