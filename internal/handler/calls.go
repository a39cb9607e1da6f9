package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BeginCallRequest 开始通话请求
type BeginCallRequest struct {
	OperatorID string `json:"operatorId" binding:"required"`
	ScenarioID string `json:"scenarioId"`
	Persona    string `json:"persona"`
}

// BeginCall 开始一次训练通话
func (h *Handlers) BeginCall(c *gin.Context) {
	var req BeginCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "invalid request: "+err.Error(), nil)
		return
	}

	sess := &session.CallSession{
		ID:         uuid.NewString(),
		OperatorID: req.OperatorID,
		ScenarioID: req.ScenarioID,
		Persona:    req.Persona,
		Status:     session.StatusActive,
		StartedAt:  time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sess); err != nil {
		h.logger.Error("创建会话失败", zap.Error(err))
		response.Fail(c, "failed to create session", nil)
		return
	}

	if h.archiver != nil {
		h.archiver.SessionStarted(sess)
	}
	metrics.SessionsStarted.Inc()
	h.logger.Info("会话已创建",
		zap.String("sessionId", sess.ID),
		zap.String("operatorId", sess.OperatorID),
		zap.String("scenarioId", sess.ScenarioID))

	response.Success(c, gin.H{"sessionId": sess.ID, "status": sess.Status})
}

// GetCall 查询会话状态
func (h *Handlers) GetCall(c *gin.Context) {
	sess, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			response.FailWithStatus(c, 404, "session not found")
			return
		}
		response.Fail(c, "store unavailable", nil)
		return
	}
	response.Success(c, sess)
}

// TerminateCall 结束通话，对已结束会话幂等
func (h *Handlers) TerminateCall(c *gin.Context) {
	sessionID := c.Param("id")
	won, err := h.terminateSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			response.FailWithStatus(c, 404, "session not found")
			return
		}
		response.Fail(c, "store unavailable", nil)
		return
	}
	response.Success(c, gin.H{"sessionId": sessionID, "finalized": won})
}

// terminateSession 状态CAS是终结的唯一入口：只有赢家执行收尾副作用
// 并发terminate的输家观察到Ended后直接无操作
func (h *Handlers) terminateSession(ctx context.Context, sessionID string) (bool, error) {
	expected := []session.Status{session.StatusActive, session.StatusOnHold}
	won, err := h.store.CompareAndSwapStatus(ctx, sessionID, expected, session.StatusEnded)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	sess, err := h.store.Get(ctx, sessionID)
	if err != nil {
		h.logger.Error("终结后读取会话失败", zap.String("sessionId", sessionID), zap.Error(err))
		return true, nil
	}
	h.pipe.Terminate(ctx, sess)
	h.logger.Info("会话已终结", zap.String("sessionId", sessionID))
	return true, nil
}
