package storage

import (
	"sync"
	"time"

	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/dialogue"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/nlp"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queueSize    = 1024
	maxAttempts  = 3
	retryBackoff = 200 * time.Millisecond
)

// Archiver 通话归档协作方
// 流水线视角是fire-and-forget：追加不阻塞轮次完成，失败由归档侧自行重试
type Archiver interface {
	SessionStarted(sess *session.CallSession)
	AppendTurn(turn dialogue.Turn, entities []nlp.Entity)
	SessionEnded(sess *session.CallSession)
	Close() error
}

type job func(db *gorm.DB) error

// GormArchiver 异步gorm归档器，单worker顺序写入，瞬时失败带退避重试
type GormArchiver struct {
	db   *gorm.DB
	jobs chan job
	wg   sync.WaitGroup
	once sync.Once
	log  *zap.Logger
}

// NewGormArchiver 创建归档器并启动写入worker
func NewGormArchiver(db *gorm.DB, log *zap.Logger) *GormArchiver {
	if log == nil {
		log = logger.GetLogger()
	}
	a := &GormArchiver{
		db:   db,
		jobs: make(chan job, queueSize),
		log:  log,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *GormArchiver) run() {
	defer a.wg.Done()
	for j := range a.jobs {
		var err error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if err = j(a.db); err == nil {
				break
			}
			time.Sleep(retryBackoff * time.Duration(attempt))
		}
		if err != nil {
			a.log.Error("归档写入失败，放弃", zap.Error(err))
		}
	}
}

// enqueue 队列满时丢弃并告警，绝不反压到流水线
func (a *GormArchiver) enqueue(j job) {
	select {
	case a.jobs <- j:
	default:
		a.log.Warn("归档队列已满，丢弃写入")
	}
}

// SessionStarted 落库通话记录
func (a *GormArchiver) SessionStarted(sess *session.CallSession) {
	record := models.CallRecord{
		SessionID:  sess.ID,
		OperatorID: sess.OperatorID,
		ScenarioID: sess.ScenarioID,
		StartedAt:  sess.StartedAt,
		Status:     string(sess.Status),
	}
	a.enqueue(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	})
}

// AppendTurn 追加一轮发言与其实体
func (a *GormArchiver) AppendTurn(turn dialogue.Turn, entities []nlp.Entity) {
	transcript := models.CallTranscript{
		SessionID:      turn.SessionID,
		Sequence:       turn.Sequence,
		Speaker:        turn.Speaker,
		Text:           turn.Text,
		TimestampMs:    turn.TimestampMs,
		EmotionalState: turn.EmotionalState,
		Confidence:     turn.Confidence,
	}
	rows := make([]models.CallEntity, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, models.CallEntity{
			SessionID:  turn.SessionID,
			Sequence:   turn.Sequence,
			EntityType: e.Type,
			Value:      e.Value,
			Confidence: e.Confidence,
			StartChar:  e.StartChar,
			EndChar:    e.EndChar,
		})
	}
	a.enqueue(func(db *gorm.DB) error {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&transcript).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return db.Create(&rows).Error
	})
}

// SessionEnded 更新通话记录的终态
func (a *GormArchiver) SessionEnded(sess *session.CallSession) {
	endedAt := sess.EndedAt
	turnCount := sess.TurnCounter
	status := string(sess.Status)
	var durationSec int64
	if endedAt != nil {
		durationSec = int64(endedAt.Sub(sess.StartedAt).Seconds())
	}
	sessionID := sess.ID
	a.enqueue(func(db *gorm.DB) error {
		return db.Model(&models.CallRecord{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"status":       status,
				"ended_at":     endedAt,
				"duration_sec": durationSec,
				"turn_count":   turnCount,
			}).Error
	})
}

// Close 停收新任务并等待队列写完
func (a *GormArchiver) Close() error {
	a.once.Do(func() {
		close(a.jobs)
	})
	a.wg.Wait()
	return nil
}
