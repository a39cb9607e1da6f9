package models

import (
	"time"
)

// CallRecord 一次训练通话的归档记录
type CallRecord struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID   string     `json:"sessionId" gorm:"uniqueIndex;size:64"`
	OperatorID  string     `json:"operatorId" gorm:"size:64;index"`
	ScenarioID  string     `json:"scenarioId,omitempty" gorm:"size:64;index"`
	StartedAt   time.Time  `json:"startedAt" gorm:"index"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	DurationSec int64      `json:"durationSec,omitempty"`
	Status      string     `json:"status" gorm:"size:32;index"`
	TurnCount   int64      `json:"turnCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

// CallTranscript 归档的一轮发言
type CallTranscript struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID      string    `json:"sessionId" gorm:"size:64;index:idx_transcript_session_seq,unique"`
	Sequence       int64     `json:"sequence" gorm:"index:idx_transcript_session_seq,unique"`
	Speaker        string    `json:"speaker" gorm:"size:16"`
	Text           string    `json:"text" gorm:"type:text"`
	TimestampMs    int64     `json:"timestampMs"`
	EmotionalState string    `json:"emotionalState,omitempty" gorm:"size:32"`
	Confidence     float64   `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (CallTranscript) TableName() string {
	return "call_transcripts"
}

// CallEntity 归档的抽取实体，归属于唯一一轮发言
type CallEntity struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID  string    `json:"sessionId" gorm:"size:64;index"`
	Sequence   int64     `json:"sequence" gorm:"index"`
	EntityType string    `json:"entityType" gorm:"size:32;index"`
	Value      string    `json:"value" gorm:"size:500"`
	Confidence float64   `json:"confidence"`
	StartChar  int       `json:"startChar"`
	EndChar    int       `json:"endChar"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (CallEntity) TableName() string {
	return "call_entities"
}
