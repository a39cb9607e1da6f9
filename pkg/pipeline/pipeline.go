package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/dialogue"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/llm"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/code-100-precent/LingDispatch/pkg/nlp"
	"github.com/code-100-precent/LingDispatch/pkg/recognizer"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/code-100-precent/LingDispatch/pkg/synthesizer"
	"go.uber.org/zap"
)

// ErrNotAttached 会话还没有接入流水线
var ErrNotAttached = errors.New("pipeline: session not attached")

// Collaborators 外部能力协作方
// Transcriber/Extractor/Archiver 允许缺省；LLM和TTS必须提供
type Collaborators struct {
	Transcriber recognizer.Transcriber
	Extractor   nlp.Extractor
	LLM         llm.Provider
	TTS         synthesizer.Synthesizer
	Archiver    storage.Archiver
}

// Options 流水线参数
type Options struct {
	ChunkBufferDepth int
	AudioChunkBytes  int
	InboxSize        int
	SampleRate       int
	SessionTTL       time.Duration
	EndedTTL         time.Duration
	IdleTimeout      time.Duration
	Dialogue         dialogue.Options
	RateLimit        *SessionLimiter
}

func (o *Options) withDefaults() {
	if o.ChunkBufferDepth <= 0 {
		o.ChunkBufferDepth = 16
	}
	if o.AudioChunkBytes <= 0 {
		o.AudioChunkBytes = 32 * 1024
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 32
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Hour
	}
	if o.EndedTTL <= 0 {
		o.EndedTTL = 5 * time.Minute
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
}

// Pipeline 轮次流水线：每个会话一个worker，轮内串行、会话间并行
// 同一会话任意时刻最多一轮在流水线里，杜绝两次LLM调用竞态产生乱序来电轮
type Pipeline struct {
	store  session.Store
	bus    events.Bus
	collab Collaborators
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// NewPipeline 创建流水线
func NewPipeline(store session.Store, bus events.Bus, collab Collaborators, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	opts.withDefaults()
	return &Pipeline{
		store:   store,
		bus:     bus,
		collab:  collab,
		opts:    opts,
		log:     log,
		workers: make(map[string]*worker),
	}
}

type itemKind int

const (
	itemChunk itemKind = iota
	itemEndUtterance
	itemTranscript
	itemGreeting
)

type item struct {
	kind        itemKind
	chunkSeq    int64
	audio       []byte
	text        string
	timestampMs int64
}

type worker struct {
	p         *Pipeline
	sessionID string
	inbox     chan item
	ctx       context.Context
	cancel    context.CancelFunc
	dlg       *dialogue.Context
	asm       *Assembler
	greeted   bool
	done      chan struct{}
}

// Attach 接入会话：确保worker存在；全新会话（轮次计数为0）排入来电者开场白
func (p *Pipeline) Attach(ctx context.Context, sess *session.CallSession) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNotAttached
	}
	w, ok := p.workers[sess.ID]
	if !ok {
		wctx, cancel := context.WithCancel(context.Background())
		preamble := buildPreamble(sess)
		w = &worker{
			p:         p,
			sessionID: sess.ID,
			inbox:     make(chan item, p.opts.InboxSize),
			ctx:       wctx,
			cancel:    cancel,
			dlg:       dialogue.NewContext(sess.ID, preamble, dialogue.EmotionCalm, p.opts.Dialogue),
			asm:       NewAssembler(p.opts.ChunkBufferDepth),
			done:      make(chan struct{}),
		}
		p.workers[sess.ID] = w
		go w.run()
	}
	greet := sess.TurnCounter == 0 && !w.greeted
	if greet {
		w.greeted = true
	}
	p.mu.Unlock()

	if greet {
		return p.submit(sess.ID, item{kind: itemGreeting})
	}
	return nil
}

// SubmitChunk 投递一个操作员音频分片
func (p *Pipeline) SubmitChunk(sessionID string, chunkSeq int64, audio []byte) error {
	return p.submit(sessionID, item{kind: itemChunk, chunkSeq: chunkSeq, audio: audio})
}

// EndUtterance 话音结束信号：触发已积累分片的转写与完整一轮处理
func (p *Pipeline) EndUtterance(sessionID string, timestampMs int64) error {
	return p.submit(sessionID, item{kind: itemEndUtterance, timestampMs: timestampMs})
}

// SubmitTranscript 投递一条现成的操作员转写文本
func (p *Pipeline) SubmitTranscript(sessionID, text string, timestampMs int64) error {
	return p.submit(sessionID, item{kind: itemTranscript, text: text, timestampMs: timestampMs})
}

func (p *Pipeline) submit(sessionID string, it item) error {
	p.mu.Lock()
	w, ok := p.workers[sessionID]
	p.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	select {
	case w.inbox <- it:
		return nil
	case <-w.ctx.Done():
		return ErrNotAttached
	}
}

// Terminate 会话终结的收尾副作用，只由状态CAS的赢家调用一次：
// 取消在途轮次、广播终态status事件、通知归档方、调短存储TTL
func (p *Pipeline) Terminate(ctx context.Context, sess *session.CallSession) {
	p.stopWorker(sess.ID)

	ev := events.New(events.TypeStatus, sess.ID)
	ev.Status = "completed"
	p.publish(ctx, sess.ID, ev)

	if p.collab.Archiver != nil {
		p.collab.Archiver.SessionEnded(sess)
	}
	if err := p.store.Expire(ctx, sess.ID, p.opts.EndedTTL); err != nil {
		p.log.Warn("调整会话TTL失败", zap.String("sessionId", sess.ID), zap.Error(err))
	}
	metrics.SessionsEnded.WithLabelValues(string(sess.Status)).Inc()
}

func (p *Pipeline) stopWorker(sessionID string) {
	p.mu.Lock()
	w, ok := p.workers[sessionID]
	if ok {
		delete(p.workers, sessionID)
	}
	p.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Close 停止全部worker
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*worker)
	p.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
	}
	return nil
}

// publish 发布事件；总线不可用对会话是致命的
func (p *Pipeline) publish(ctx context.Context, sessionID string, ev events.Event) bool {
	if err := p.bus.Publish(ctx, sessionID, ev); err != nil {
		if ctx.Err() != nil {
			// 会话已终止，结果直接丢弃
			return false
		}
		p.log.Error("事件发布失败", zap.String("sessionId", sessionID), zap.Error(err))
		if errors.Is(err, events.ErrBusUnavailable) {
			p.failSession(sessionID, events.CodeBusUnavailable)
		}
		return false
	}
	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
	return true
}

// failSession 基础设施故障：会话进入终态Error并尽力通知客户端
func (p *Pipeline) failSession(sessionID, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	expected := []session.Status{session.StatusActive, session.StatusOnHold}
	if _, err := p.store.CompareAndSwapStatus(ctx, sessionID, expected, session.StatusError); err != nil {
		p.log.Error("会话切换Error状态失败", zap.String("sessionId", sessionID), zap.Error(err))
	}
	ev := events.NewError(sessionID, code, "session entered error state, start a new session", false)
	_ = p.bus.Publish(ctx, sessionID, ev)

	go p.stopWorker(sessionID)
}

func buildPreamble(sess *session.CallSession) string {
	persona := sess.Persona
	if persona == "" {
		persona = "You are a distressed member of the public calling 911. Answer the dispatcher's questions, reveal details gradually, and never break character."
	}
	if sess.ScenarioID != "" {
		return fmt.Sprintf("%s\n\nScenario: %s", persona, sess.ScenarioID)
	}
	return persona
}

// ---------------- worker ----------------

func (w *worker) run() {
	defer close(w.done)
	idle := time.NewTimer(w.p.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-idle.C:
			// 空闲超时只回收worker；会话本身靠存储TTL或显式terminate结束
			w.p.mu.Lock()
			delete(w.p.workers, w.sessionID)
			w.p.mu.Unlock()
			return
		case it := <-w.inbox:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			w.handle(it)
			idle.Reset(w.p.opts.IdleTimeout)
		}
	}
}

func (w *worker) handle(it item) {
	switch it.kind {
	case itemChunk:
		w.asm.Add(it.chunkSeq, it.audio)
	case itemEndUtterance:
		audio, gaps := w.asm.Finalize()
		if len(audio) == 0 {
			return
		}
		if gaps > 0 {
			w.p.log.Warn("话音分片存在空洞，带洞收尾",
				zap.String("sessionId", w.sessionID), zap.Int("gaps", gaps))
		}
		text, confidence := w.transcribe(audio)
		if text == "" {
			return
		}
		w.runTurn(text, confidence, it.timestampMs)
	case itemTranscript:
		if it.text == "" {
			return
		}
		w.runTurn(it.text, 0.95, it.timestampMs)
	case itemGreeting:
		w.runGreeting()
	}
}

// transcribe 转写阶段，失败降级为空转写零置信度，不中断本轮
func (w *worker) transcribe(audio []byte) (string, float64) {
	if w.p.collab.Transcriber == nil {
		return "", 0
	}
	start := time.Now()
	res, err := w.p.collab.Transcriber.Transcribe(w.ctx, audio, w.p.opts.SampleRate)
	metrics.StageDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	if err != nil {
		w.p.log.Warn("转写失败，本轮降级", zap.String("sessionId", w.sessionID), zap.Error(err))
		return "", 0
	}
	return res.Text, res.Confidence
}

// extract 实体抽取阶段，尽力而为：失败只记日志，绝不阻塞对话
func (w *worker) extract(text string) []nlp.Entity {
	if w.p.collab.Extractor == nil {
		return nil
	}
	start := time.Now()
	entities, err := w.p.collab.Extractor.Extract(w.ctx, text)
	metrics.StageDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	if err != nil {
		w.p.log.Warn("实体抽取失败，跳过", zap.String("sessionId", w.sessionID), zap.Error(err))
		return nil
	}
	return entities
}

// runTurn 一轮完整处理：操作员发言入上下文，驱动来电者回复
func (w *worker) runTurn(text string, confidence float64, timestampMs int64) {
	sess, ok := w.checkActive()
	if !ok {
		return
	}

	opSeq, err := w.p.store.IncrementTurn(w.ctx, w.sessionID)
	if err != nil {
		w.storeError(err)
		return
	}
	if timestampMs == 0 {
		timestampMs = time.Now().UnixMilli()
	}
	opTurn := dialogue.Turn{
		SessionID:   w.sessionID,
		Sequence:    opSeq,
		Speaker:     dialogue.SpeakerOperator,
		Text:        text,
		TimestampMs: timestampMs,
		Confidence:  confidence,
	}

	ev := events.New(events.TypeTranscriptUpdate, w.sessionID)
	ev.Sequence = opSeq
	ev.Speaker = dialogue.SpeakerOperator
	ev.Text = text
	ev.Confidence = confidence
	w.p.publish(w.ctx, w.sessionID, ev)

	// 实体先于LLM回复下发，操作员实时看到抽取结果
	entities := w.extract(text)
	w.emitEntities(entities, opSeq)

	upd := w.dlg.ApplyTurn(opTurn, entities, "")
	w.emitDialogueUpdate(upd, sess)

	if w.p.collab.Archiver != nil {
		w.p.collab.Archiver.AppendTurn(opTurn, entities)
	}

	w.callerTurn(0)

	if err := w.p.store.Expire(w.ctx, w.sessionID, w.p.opts.SessionTTL); err != nil && w.ctx.Err() == nil {
		w.p.log.Warn("会话TTL续期失败", zap.String("sessionId", w.sessionID), zap.Error(err))
	}
}

// runGreeting 开场白：来电者先开口
// 先抢占一次性开场白标记，多个副本并发接入时只有赢家递增序号，输家不留序号空洞
func (w *worker) runGreeting() {
	if _, ok := w.checkActive(); !ok {
		return
	}
	claimed, err := w.p.store.ClaimGreeting(w.ctx, w.sessionID)
	if err != nil {
		w.storeError(err)
		return
	}
	if !claimed {
		return
	}
	seq, err := w.p.store.IncrementTurn(w.ctx, w.sessionID)
	if err != nil {
		w.storeError(err)
		return
	}
	w.callerTurn(seq)
}

// callerTurn 来电者回复：限流→LLM→TTS→实体→情绪→transcript_update→audio_chunk
// claimedSeq 非0表示序号已提前抢占（开场白）
func (w *worker) callerTurn(claimedSeq int64) {
	sess, ok := w.checkActive()
	if !ok {
		return
	}

	if w.p.opts.RateLimit != nil && claimedSeq == 0 {
		allowed, wait := w.p.opts.RateLimit.Allow(w.ctx, w.sessionID)
		if !allowed {
			ev := events.NewError(w.sessionID, events.CodeRateLimitExceeded,
				"LLM call budget exhausted for this session, slow down", true)
			ev.RetryAfterMs = wait.Milliseconds()
			w.p.publish(w.ctx, w.sessionID, ev)
			metrics.TurnsProcessed.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	start := time.Now()
	resp, err := w.p.collab.LLM.GenerateResponse(w.ctx, w.dlg.SystemPrompt(), historyMessages(w.dlg))
	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.p.publish(w.ctx, w.sessionID, events.NewError(w.sessionID, events.CodeLLMError,
			"caller response generation failed", false))
		w.consumeSeq(claimedSeq)
		metrics.TurnsProcessed.WithLabelValues("llm_error").Inc()
		return
	}

	start = time.Now()
	audio, err := w.p.collab.TTS.Synthesize(w.ctx, resp.Text, resp.EmotionalState)
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.p.publish(w.ctx, w.sessionID, events.NewError(w.sessionID, events.CodeTTSError,
			"speech synthesis failed", false))
		w.consumeSeq(claimedSeq)
		metrics.TurnsProcessed.WithLabelValues("tts_error").Inc()
		return
	}

	// 会话已终止则整轮结果作废
	if w.ctx.Err() != nil {
		return
	}

	callerSeq := claimedSeq
	if callerSeq == 0 {
		callerSeq, err = w.p.store.IncrementTurn(w.ctx, w.sessionID)
		if err != nil {
			w.storeError(err)
			return
		}
	}

	callerTurn := dialogue.Turn{
		SessionID: w.sessionID,
		Sequence:  callerSeq,
		Speaker:   dialogue.SpeakerCaller,
		Text:      resp.Text,
		// 回复实际产生的时刻；LLM+TTS有秒级延迟，不沿用操作员发言时间戳
		TimestampMs:    time.Now().UnixMilli(),
		EmotionalState: resp.EmotionalState,
		Confidence:     0.9,
	}

	entities := w.extract(resp.Text)
	w.emitEntities(entities, callerSeq)

	upd := w.dlg.ApplyTurn(callerTurn, entities, dialogue.EmotionalState(resp.EmotionalState))
	callerTurn.EmotionalState = string(upd.State)
	w.emitDialogueUpdate(upd, sess)

	ev := events.New(events.TypeTranscriptUpdate, w.sessionID)
	ev.Sequence = callerSeq
	ev.Speaker = dialogue.SpeakerCaller
	ev.Text = resp.Text
	ev.Confidence = 0.9
	ev.EmotionalState = string(upd.State)
	w.p.publish(w.ctx, w.sessionID, ev)

	w.emitAudio(audio, callerSeq)

	if w.p.collab.Archiver != nil {
		w.p.collab.Archiver.AppendTurn(callerTurn, entities)
	}
	metrics.TurnsProcessed.WithLabelValues("ok").Inc()
}

// checkActive 校验会话仍在Active；存储不可用快速失败，禁止带旧状态继续
func (w *worker) checkActive() (*session.CallSession, bool) {
	sess, err := w.p.store.Get(w.ctx, w.sessionID)
	if err != nil {
		w.storeError(err)
		return nil, false
	}
	if sess.Status != session.StatusActive {
		w.p.log.Debug("会话不在Active状态，跳过本轮",
			zap.String("sessionId", w.sessionID), zap.String("status", string(sess.Status)))
		return nil, false
	}
	return sess, true
}

func (w *worker) storeError(err error) {
	if w.ctx.Err() != nil {
		return
	}
	if errors.Is(err, session.ErrNotFound) {
		w.p.log.Warn("会话已不存在，回收worker", zap.String("sessionId", w.sessionID))
		go w.p.stopWorker(w.sessionID)
		return
	}
	w.p.log.Error("会话存储不可用", zap.String("sessionId", w.sessionID), zap.Error(err))
	w.p.failSession(w.sessionID, events.CodeStoreUnavailable)
}

// consumeSeq 轮次失败也要消耗一个序号，避免会话卡死
func (w *worker) consumeSeq(claimedSeq int64) {
	if claimedSeq != 0 {
		return
	}
	if _, err := w.p.store.IncrementTurn(w.ctx, w.sessionID); err != nil && w.ctx.Err() == nil {
		w.p.log.Warn("轮次计数推进失败", zap.String("sessionId", w.sessionID), zap.Error(err))
	}
}

func (w *worker) emitEntities(entities []nlp.Entity, sourceSeq int64) {
	for _, e := range entities {
		ev := events.New(events.TypeEntityDetected, w.sessionID)
		ev.EntityType = e.Type
		ev.Value = e.Value
		ev.Confidence = e.Confidence
		ev.StartChar = e.StartChar
		ev.EndChar = e.EndChar
		ev.SourceSequence = sourceSeq
		w.p.publish(w.ctx, w.sessionID, ev)
	}
}

func (w *worker) emitDialogueUpdate(upd dialogue.Update, sess *session.CallSession) {
	if upd.StateChanged {
		ev := events.New(events.TypeEmotionalState, w.sessionID)
		ev.EmotionalState = string(upd.State)
		ev.PreviousState = string(upd.PreviousState)
		ev.Intensity = upd.Intensity
		w.p.publish(w.ctx, w.sessionID, ev)
	}
	if len(upd.NewObjectives) > 0 {
		ev := events.New(events.TypeStatus, w.sessionID)
		ev.Status = string(sess.Status)
		ev.Objectives = w.dlg.Objectives()
		w.p.publish(w.ctx, w.sessionID, ev)
	}
}

// emitAudio 按配置的分片大小切分下行音频
func (w *worker) emitAudio(res *synthesizer.Result, seq int64) {
	audio := res.Audio
	size := w.p.opts.AudioChunkBytes
	total := (len(audio) + size - 1) / size
	if total == 0 {
		return
	}
	for i := 0; i < total; i++ {
		end := (i + 1) * size
		if end > len(audio) {
			end = len(audio)
		}
		ev := events.New(events.TypeAudioChunk, w.sessionID)
		ev.Sequence = seq
		ev.AudioData = base64.StdEncoding.EncodeToString(audio[i*size : end])
		ev.DurationMs = res.DurationMs
		ev.ChunkIndex = i
		ev.ChunkTotal = total
		w.p.publish(w.ctx, w.sessionID, ev)
	}
}

// historyMessages 窗口轮次映射为LLM消息：操作员→user，来电者→assistant
func historyMessages(dlg *dialogue.Context) []llm.Message {
	window := dlg.Window()
	msgs := make([]llm.Message, 0, len(window))
	for _, t := range window {
		role := llm.RoleUser
		if t.Speaker == dialogue.SpeakerCaller {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}
