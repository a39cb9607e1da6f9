package dialogue

import (
	"fmt"

	"github.com/code-100-precent/LingDispatch/pkg/nlp"
)

// 发言者
const (
	SpeakerOperator = "operator"
	SpeakerCaller   = "caller"
	SpeakerSystem   = "system"
)

// 训练目标标志，一旦置位在会话内不再清除
const (
	ObjectiveLocationObtained  = "location_obtained"
	ObjectiveCallbackObtained  = "callback_obtained"
	ObjectiveNatureIdentified  = "nature_identified"
	ObjectivePersonsIdentified = "persons_identified"
)

// objectiveFor 实体类型到训练目标的映射
func objectiveFor(entityType string) string {
	switch entityType {
	case nlp.EntityLocation, nlp.EntityAddress:
		return ObjectiveLocationObtained
	case nlp.EntityPhoneNumber:
		return ObjectiveCallbackObtained
	case nlp.EntityWeapon, nlp.EntityInjury, nlp.EntityMedicalCondition:
		return ObjectiveNatureIdentified
	case nlp.EntityPerson:
		return ObjectivePersonsIdentified
	}
	return ""
}

// Turn 一次发言（操作员或模拟来电者）
type Turn struct {
	SessionID      string  `json:"sessionId"`
	Sequence       int64   `json:"sequence"`
	Speaker        string  `json:"speaker"`
	Text           string  `json:"text"`
	TimestampMs    int64   `json:"timestampMs"`
	EmotionalState string  `json:"emotionalState,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// Options 对话上下文的窗口与阈值参数
type Options struct {
	WindowTurns int // 进入LLM上下文的最近轮次上限
	TokenBudget int // 上下文token预算（约4字符/token估算）
	Thresholds  Thresholds
}

// Context 一个活跃会话的对话上下文
// 进程本地工作状态，可凭持久化的轮次历史重建；丢失只会缩小窗口，不会破坏会话
type Context struct {
	SessionID string
	Preamble  string // 人设+场景的固定系统提示词，永远进入LLM上下文

	opts       Options
	turns      []Turn
	severities []float64 // 与turns对齐的单轮严重度

	state      EmotionalState
	prevState  EmotionalState
	objectives map[string]bool
}

// Update ApplyTurn的结果：要不要上报状态迁移、新达成了哪些目标
type Update struct {
	StateChanged  bool
	State         EmotionalState
	PreviousState EmotionalState
	Intensity     float64
	NewObjectives []string
}

// NewContext 创建对话上下文
func NewContext(sessionID, preamble string, initialState EmotionalState, opts Options) *Context {
	if initialState == "" {
		initialState = EmotionCalm
	}
	if opts.WindowTurns <= 0 {
		opts.WindowTurns = 10
	}
	if opts.Thresholds.ScoreWindow <= 0 {
		opts.Thresholds.ScoreWindow = 6
	}
	return &Context{
		SessionID:  sessionID,
		Preamble:   preamble,
		opts:       opts,
		state:      initialState,
		prevState:  initialState,
		objectives: make(map[string]bool),
	}
}

// State 当前情绪状态
func (c *Context) State() EmotionalState { return c.state }

// Objectives 目标标志快照
func (c *Context) Objectives() map[string]bool {
	out := make(map[string]bool, len(c.objectives))
	for k, v := range c.objectives {
		out[k] = v
	}
	return out
}

// TurnCount 窗口内轮次数
func (c *Context) TurnCount() int { return len(c.turns) }

// ApplyTurn 合并一轮发言与其实体：推进目标标志、计算情绪迁移、滑动窗口
// 纯状态变换，不做任何I/O
func (c *Context) ApplyTurn(turn Turn, entities []nlp.Entity, affectHint EmotionalState) Update {
	sentiment := nlp.AnalyzeSentiment(turn.Text)

	c.turns = append(c.turns, turn)
	c.severities = append(c.severities, severityOf(entities, sentiment))
	c.trim()

	var update Update
	for _, e := range entities {
		obj := objectiveFor(e.Type)
		if obj != "" && !c.objectives[obj] {
			c.objectives[obj] = true
			update.NewObjectives = append(update.NewObjectives, obj)
		}
	}

	next := c.opts.Thresholds.nextState(c.state, c.windowScore(), affectHint)
	if next != c.state {
		c.prevState = c.state
		c.state = next
		update.StateChanged = true
	}
	update.State = c.state
	update.PreviousState = c.prevState
	update.Intensity = c.intensity()
	return update
}

// windowScore 最近ScoreWindow轮的严重度累计
func (c *Context) windowScore() float64 {
	from := len(c.severities) - c.opts.Thresholds.ScoreWindow
	if from < 0 {
		from = 0
	}
	score := 0.0
	for _, s := range c.severities[from:] {
		score += s
	}
	return score
}

// intensity 状态级别映射到0~1强度
func (c *Context) intensity() float64 {
	return float64(levelOf(c.state)+1) / float64(len(emotionLevels))
}

// trim 窗口裁剪：先按轮数上限，再按token预算
func (c *Context) trim() {
	if n := len(c.turns) - c.opts.WindowTurns; n > 0 {
		c.turns = c.turns[n:]
		c.severities = c.severities[n:]
	}
	if c.opts.TokenBudget <= 0 {
		return
	}
	budget := c.opts.TokenBudget
	kept := len(c.turns)
	used := 0
	for i := len(c.turns) - 1; i >= 0; i-- {
		used += estimateTokens(c.turns[i].Text)
		if used > budget {
			kept = len(c.turns) - 1 - i
			break
		}
	}
	// 最新一轮永远保留
	if kept == 0 && len(c.turns) > 0 {
		kept = 1
	}
	if drop := len(c.turns) - kept; drop > 0 && kept >= 0 {
		c.turns = c.turns[drop:]
		c.severities = c.severities[drop:]
	}
}

// estimateTokens 约4字符一个token的粗略估算
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

// Window 当前窗口内的轮次（按时间顺序）
func (c *Context) Window() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// SystemPrompt 给LLM的系统提示词：固定人设前导 + 当前情绪指令
func (c *Context) SystemPrompt() string {
	return fmt.Sprintf("%s\n\nYour current emotional state is %q. Stay in character and respond as the caller would in that state.", c.Preamble, c.state)
}
