package dialogue

import "github.com/code-100-precent/LingDispatch/pkg/nlp"

// EmotionalState 来电者情绪状态
type EmotionalState string

const (
	EmotionCalm       EmotionalState = "calm"
	EmotionAnxious    EmotionalState = "anxious"
	EmotionPanicked   EmotionalState = "panicked"
	EmotionHysterical EmotionalState = "hysterical"
)

// emotionLevels 情绪强度排序，状态机按级别升降
var emotionLevels = []EmotionalState{EmotionCalm, EmotionAnxious, EmotionPanicked, EmotionHysterical}

func levelOf(state EmotionalState) int {
	for i, s := range emotionLevels {
		if s == state {
			return i
		}
	}
	return 0
}

// Thresholds 情绪状态机阈值，全部来自配置
// 降级要求比升级更大的分差，避免状态来回抖动
type Thresholds struct {
	// EscalateThreshold 升一级所需的基准分，anxious=1x panicked=2x hysterical=3x
	EscalateThreshold float64
	// DeescalateDelta 降级时在当前级别阈值上额外要求的回落分差
	DeescalateDelta float64
	// ScoreWindow 参与打分的最近轮次数
	ScoreWindow int
}

// entityWeights 实体类型的严重度权重
var entityWeights = map[string]float64{
	nlp.EntityWeapon:           3.0,
	nlp.EntityInjury:           2.5,
	nlp.EntityMedicalCondition: 2.0,
	nlp.EntityVehicle:          1.0,
	nlp.EntityLocation:         0.5,
	nlp.EntityPerson:           0.5,
	nlp.EntityAddress:          0.5,
	nlp.EntityPhoneNumber:      0.25,
	nlp.EntityTime:             0.25,
}

// severityOf 单轮严重度：实体权重和 + 情感恐慌分
func severityOf(entities []nlp.Entity, sentiment nlp.Sentiment) float64 {
	score := 0.0
	for _, e := range entities {
		score += entityWeights[e.Type]
	}
	score += float64(sentiment.PanicScore) * 0.5
	score -= float64(sentiment.CalmScore) * 0.25
	if score < 0 {
		score = 0
	}
	return score
}

// nextState 根据窗口累计分与LLM情感提示计算下一个状态
// affectHint 为空或不认识时只看分数
func (t Thresholds) nextState(current EmotionalState, windowScore float64, affectHint EmotionalState) EmotionalState {
	// LLM结构化输出的情绪提示作为分数下限
	if lvl := levelOf(affectHint); affectHint != "" && lvl > 0 {
		floor := float64(lvl) * t.EscalateThreshold
		if floor > windowScore {
			windowScore = floor
		}
	}

	target := 0
	for lvl := len(emotionLevels) - 1; lvl > 0; lvl-- {
		if windowScore >= float64(lvl)*t.EscalateThreshold {
			target = lvl
			break
		}
	}

	cur := levelOf(current)
	switch {
	case target > cur:
		return emotionLevels[target]
	case target < cur:
		// 降级带滞回：必须回落到当前级别阈值减去分差之下，且一次只降一级
		if windowScore <= float64(cur)*t.EscalateThreshold-t.DeescalateDelta {
			return emotionLevels[cur-1]
		}
		return current
	default:
		return current
	}
}
