package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/code-100-precent/LingDispatch/pkg/pipeline"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 1024, // 1MB读缓冲区，支持大音频数据
	WriteBufferSize: 1024 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// dedupWindow 单连接的事件去重窗口
const dedupWindow = 2048

// wsInbound 入站消息
type wsInbound struct {
	Type        string `json:"type"` // audio_chunk / transcript / control
	ChunkSeq    int64  `json:"chunkSeq"`
	AudioData   string `json:"audioData"` // base64
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestampMs"`
	Action      string `json:"action"` // control动作
}

// gatewayConn 每连接actor：绑定唯一会话，生命周期内转发入站消息、回放总线事件
type gatewayConn struct {
	h         *Handlers
	conn      *websocket.Conn
	sessionID string
	dedup     *events.Deduper
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// HandleWebSocketCall 通话WebSocket入口
func (h *Handlers) HandleWebSocketCall(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.store.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			response.FailWithStatus(c, 404, "session not found")
			return
		}
		response.Fail(c, "store unavailable", nil)
		return
	}
	if sess.Status == session.StatusEnded || sess.Status == session.StatusError {
		response.Fail(c, "session already finished", nil)
		return
	}

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	dedup, err := events.NewDeduper(dedupWindow)
	if err != nil {
		_ = conn.Close()
		return
	}
	gw := &gatewayConn{
		h:         h,
		conn:      conn,
		sessionID: sessionID,
		dedup:     dedup,
		closed:    make(chan struct{}),
	}
	gw.serve(sess)
}

func (gw *gatewayConn) serve(sess *session.CallSession) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer gw.shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接建立即订阅该会话的事件流
	sub, err := gw.h.bus.Subscribe(ctx, gw.sessionID)
	if err != nil {
		gw.h.logger.Error("事件订阅失败", zap.String("sessionId", gw.sessionID), zap.Error(err))
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeBusUnavailable, "event bus unavailable", false))
		return
	}
	defer sub.Close()

	if err := gw.h.pipe.Attach(ctx, sess); err != nil {
		gw.h.logger.Error("接入流水线失败", zap.String("sessionId", gw.sessionID), zap.Error(err))
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeInternalError, "failed to attach session", false))
		return
	}

	// 当前状态先同步给新连接
	statusEv := events.New(events.TypeStatus, gw.sessionID)
	statusEv.Status = string(sess.Status)
	gw.writeEvent(statusEv)

	go gw.forwardEvents(sub)
	go gw.heartbeat(ctx)

	gw.readLoop()
}

// forwardEvents 把总线事件回放到本连接，按EventID去重
func (gw *gatewayConn) forwardEvents(sub events.Subscription) {
	for ev := range sub.Events() {
		if gw.dedup.Seen(ev.EventID) {
			continue
		}
		if !gw.writeEvent(ev) {
			return
		}
	}
}

// heartbeat 服务端定期ping；pong超时由读循环的deadline触发断开
// 心跳失联只拆连接，不终结会话：会话由自身TTL或显式terminate收尾
func (gw *gatewayConn) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(gw.h.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gw.closed:
			return
		case <-ticker.C:
			gw.writeMu.Lock()
			err := gw.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			gw.writeMu.Unlock()
			if err != nil {
				gw.shutdown()
				return
			}
		}
	}
}

func (gw *gatewayConn) readLoop() {
	deadline := func() {
		_ = gw.conn.SetReadDeadline(time.Now().Add(gw.h.cfg.HeartbeatWindow()))
	}
	deadline()
	gw.conn.SetPongHandler(func(string) error {
		deadline()
		return nil
	})

	for {
		var msg wsInbound
		if err := gw.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				gw.h.logger.Warn("连接异常断开", zap.String("sessionId", gw.sessionID), zap.Error(err))
			}
			return
		}
		deadline()
		gw.dispatch(msg)
	}
}

func (gw *gatewayConn) dispatch(msg wsInbound) {
	switch msg.Type {
	case "audio_chunk":
		gw.handleAudioChunk(msg)
	case "transcript":
		gw.handleTranscript(msg)
	case "control":
		gw.handleControl(msg)
	default:
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeInvalidMessage,
			"unknown message type: "+msg.Type, false))
	}
}

// handleAudioChunk 入站操作员音频：Active且未静音未保持才进流水线
func (gw *gatewayConn) handleAudioChunk(msg wsInbound) {
	sess, ok := gw.requireSession()
	if !ok {
		return
	}
	if sess.Status != session.StatusActive {
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeSessionNotActive,
			"session is not active", true))
		return
	}
	if sess.Mute || sess.Hold {
		return
	}

	audio, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil || len(audio) == 0 {
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeInvalidMessage,
			"invalid audio chunk", false))
		return
	}
	if err := gw.submitWithReattach(sess, func() error {
		return gw.h.pipe.SubmitChunk(gw.sessionID, msg.ChunkSeq, audio)
	}); err != nil {
		gw.h.logger.Warn("音频分片投递失败", zap.String("sessionId", gw.sessionID), zap.Error(err))
	}
}

func (gw *gatewayConn) handleTranscript(msg wsInbound) {
	sess, ok := gw.requireSession()
	if !ok {
		return
	}
	if sess.Status != session.StatusActive || sess.Hold {
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeSessionNotActive,
			"session is not accepting turns", true))
		return
	}
	if msg.Text == "" {
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeInvalidMessage,
			"transcript text is empty", false))
		return
	}
	if err := gw.submitWithReattach(sess, func() error {
		return gw.h.pipe.SubmitTranscript(gw.sessionID, msg.Text, msg.TimestampMs)
	}); err != nil {
		gw.h.logger.Warn("转写投递失败", zap.String("sessionId", gw.sessionID), zap.Error(err))
	}
}

// submitWithReattach worker可能被空闲回收；ErrNotAttached时重新接入后再投一次
func (gw *gatewayConn) submitWithReattach(sess *session.CallSession, do func() error) error {
	err := do()
	if !errors.Is(err, pipeline.ErrNotAttached) {
		return err
	}
	if err := gw.h.pipe.Attach(context.Background(), sess); err != nil {
		return err
	}
	return do()
}

// handleControl 控制命令：mute/hold直接改存储标志，不走流水线
func (gw *gatewayConn) handleControl(msg wsInbound) {
	ctx := context.Background()
	var err error

	switch msg.Action {
	case "mute":
		err = gw.h.store.SetFlag(ctx, gw.sessionID, session.FlagMute, true)
	case "unmute":
		err = gw.h.store.SetFlag(ctx, gw.sessionID, session.FlagMute, false)
	case "hold":
		err = gw.transition(ctx, []session.Status{session.StatusActive}, session.StatusOnHold, session.FlagHold, true)
	case "resume":
		err = gw.transition(ctx, []session.Status{session.StatusOnHold}, session.StatusActive, session.FlagHold, false)
	case "end_utterance":
		sess, ok := gw.requireSession()
		if !ok {
			return
		}
		err = gw.submitWithReattach(sess, func() error {
			return gw.h.pipe.EndUtterance(gw.sessionID, msg.TimestampMs)
		})
	case "terminate":
		_, err = gw.h.terminateSession(ctx, gw.sessionID)
	case "heartbeat":
		// 应用层心跳，读deadline已在readLoop里续期
	default:
		gw.writeEvent(events.NewError(gw.sessionID, events.CodeInvalidMessage,
			"unknown control action: "+msg.Action, false))
		return
	}

	if err != nil {
		gw.h.logger.Error("控制命令执行失败",
			zap.String("sessionId", gw.sessionID),
			zap.String("action", msg.Action),
			zap.Error(err))
		gw.writeEvent(gw.controlError(err))
		return
	}

	ack := events.New(events.TypeControlAck, gw.sessionID)
	ack.Action = msg.Action
	gw.writeEvent(ack)
}

// transition hold/resume：CAS切状态，赢家同步标志并广播status
func (gw *gatewayConn) transition(ctx context.Context, expected []session.Status, next session.Status, flag session.Flag, value bool) error {
	won, err := gw.h.store.CompareAndSwapStatus(ctx, gw.sessionID, expected, next)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := gw.h.store.SetFlag(ctx, gw.sessionID, flag, value); err != nil {
		return err
	}
	ev := events.New(events.TypeStatus, gw.sessionID)
	ev.Status = string(next)
	return gw.h.bus.Publish(ctx, gw.sessionID, ev)
}

func (gw *gatewayConn) controlError(err error) events.Event {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return events.NewError(gw.sessionID, events.CodeSessionNotFound, "session not found", false)
	case errors.Is(err, session.ErrStoreUnavailable):
		return events.NewError(gw.sessionID, events.CodeStoreUnavailable, "session store unavailable", false)
	default:
		return events.NewError(gw.sessionID, events.CodeInternalError, "control failed", true)
	}
}

// requireSession 每条入站消息前校验会话可用
func (gw *gatewayConn) requireSession() (*session.CallSession, bool) {
	sess, err := gw.h.store.Get(context.Background(), gw.sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			gw.writeEvent(events.NewError(gw.sessionID, events.CodeSessionNotFound, "session not found", false))
		} else {
			gw.writeEvent(events.NewError(gw.sessionID, events.CodeStoreUnavailable, "session store unavailable", false))
		}
		return nil, false
	}
	return sess, true
}

// writeEvent 写出站事件，gorilla要求单写者，互斥保护
func (gw *gatewayConn) writeEvent(ev events.Event) bool {
	gw.writeMu.Lock()
	defer gw.writeMu.Unlock()
	if err := gw.conn.WriteJSON(ev); err != nil {
		gw.shutdown()
		return false
	}
	return true
}

func (gw *gatewayConn) shutdown() {
	gw.closeOnce.Do(func() {
		close(gw.closed)
		_ = gw.conn.Close()
	})
}
