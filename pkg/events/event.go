package events

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid"
)

// 出站事件类型（每会话一条双向事件通道上的消息种类）
const (
	TypeTranscriptUpdate = "transcript_update"
	TypeAudioChunk       = "audio_chunk"
	TypeEntityDetected   = "entity_detected"
	TypeEmotionalState   = "emotional_state"
	TypeStatus           = "status"
	TypeControlAck       = "control_ack"
	TypeError            = "error"
)

// error事件的稳定机器码
const (
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeLLMError          = "LLM_ERROR"
	CodeTTSError          = "TTS_ERROR"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeBusUnavailable    = "BUS_UNAVAILABLE"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Event 会话事件，经事件总线广播给该会话的所有订阅者
// 订阅方按EventID去重以容忍至少一次投递
type Event struct {
	Type        string `json:"type"`
	EventID     string `json:"eventId"`
	SessionID   string `json:"sessionId"`
	Sequence    int64  `json:"sequence,omitempty"`
	TimestampMs int64  `json:"timestampMs"`

	// transcript_update
	Speaker        string  `json:"speaker,omitempty"`
	Text           string  `json:"text,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	EmotionalState string  `json:"emotionalState,omitempty"`

	// audio_chunk
	AudioData  string `json:"audioData,omitempty"` // base64
	DurationMs int64  `json:"durationMs,omitempty"`
	ChunkIndex int    `json:"chunkIndex,omitempty"`
	ChunkTotal int    `json:"chunkTotal,omitempty"`

	// entity_detected
	EntityType     string `json:"entityType,omitempty"`
	Value          string `json:"value,omitempty"`
	StartChar      int    `json:"startChar,omitempty"`
	EndChar        int    `json:"endChar,omitempty"`
	SourceSequence int64  `json:"sourceSequence,omitempty"`

	// emotional_state
	PreviousState string  `json:"previousState,omitempty"`
	Intensity     float64 `json:"intensity,omitempty"`

	// status
	Status     string          `json:"status,omitempty"`
	Objectives map[string]bool `json:"objectives,omitempty"`

	// control_ack
	Action string `json:"action,omitempty"`

	// error
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// New 构造事件并填充EventID与时间戳
func New(eventType, sessionID string) Event {
	id, _ := gonanoid.Nanoid()
	return Event{
		Type:        eventType,
		EventID:     id,
		SessionID:   sessionID,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewError 构造error事件
func NewError(sessionID, code, message string, retryable bool) Event {
	ev := New(TypeError, sessionID)
	ev.Code = code
	ev.Message = message
	ev.Retryable = retryable
	return ev
}
