package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/dialogue"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/llm"
	"github.com/code-100-precent/LingDispatch/pkg/nlp"
	"github.com/code-100-precent/LingDispatch/pkg/recognizer"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"github.com/code-100-precent/LingDispatch/pkg/synthesizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	inflight    int32
	maxInflight int32
	calls       int32
	delay       time.Duration
	err         error
	respText    string
	respState   string
}

func (m *mockLLM) GenerateResponse(_ context.Context, _ string, _ []llm.Message) (*llm.Response, error) {
	cur := atomic.AddInt32(&m.inflight, 1)
	defer atomic.AddInt32(&m.inflight, -1)
	for {
		max := atomic.LoadInt32(&m.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&m.maxInflight, max, cur) {
			break
		}
	}
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	text := m.respText
	if text == "" {
		text = "I'm still here, what do you need from me?"
	}
	return &llm.Response{Text: text, EmotionalState: m.respState}, nil
}

type mockTTS struct {
	audio []byte
	err   error
}

func (m *mockTTS) Synthesize(_ context.Context, _ string, _ string) (*synthesizer.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	audio := m.audio
	if audio == nil {
		audio = []byte("wav-bytes")
	}
	return &synthesizer.Result{Audio: audio, SampleRate: 16000, DurationMs: 500, Format: "wav"}, nil
}

type failingExtractor struct{}

func (failingExtractor) Extract(_ context.Context, _ string) ([]nlp.Entity, error) {
	return nil, errors.New("nlp backend down")
}

func testPipelineOptions() Options {
	return Options{
		AudioChunkBytes: 4,
		SessionTTL:      time.Minute,
		EndedTTL:        30 * time.Millisecond,
		Dialogue: dialogue.Options{
			WindowTurns: 10,
			Thresholds: dialogue.Thresholds{
				EscalateThreshold: 3.0,
				DeescalateDelta:   2.0,
				ScoreWindow:       6,
			},
		},
	}
}

type pipelineFixture struct {
	store *session.MemoryStore
	bus   *events.LocalBus
	pipe  *Pipeline
	llm   *mockLLM
	tts   *mockTTS
}

func newFixture(t *testing.T, mutate func(*Collaborators, *Options)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store: session.NewMemoryStore(time.Minute),
		bus:   events.NewLocalBus(),
		llm:   &mockLLM{},
		tts:   &mockTTS{},
	}
	collab := Collaborators{
		Extractor: nlp.NewKeywordExtractor(),
		LLM:       f.llm,
		TTS:       f.tts,
	}
	opts := testPipelineOptions()
	if mutate != nil {
		mutate(&collab, &opts)
	}
	f.pipe = NewPipeline(f.store, f.bus, collab, opts, nil)
	t.Cleanup(func() {
		_ = f.pipe.Close()
		_ = f.bus.Close()
		_ = f.store.Close()
	})
	return f
}

// startSession 建会话；withGreeting为false时预占一个序号，接入不触发开场白
func (f *pipelineFixture) startSession(t *testing.T, id string, withGreeting bool) (*session.CallSession, events.Subscription) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &session.CallSession{
		ID:         id,
		OperatorID: "op-1",
		Status:     session.StatusActive,
		StartedAt:  time.Now(),
	}))
	if !withGreeting {
		_, err := f.store.IncrementTurn(ctx, id)
		require.NoError(t, err)
	}
	sub, err := f.bus.Subscribe(ctx, id)
	require.NoError(t, err)

	sess, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.pipe.Attach(ctx, sess))
	return sess, sub
}

func collectUntil(t *testing.T, sub events.Subscription, stop func(events.Event) bool) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
			if stop(ev) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func lastAudioChunk(ev events.Event) bool {
	return ev.Type == events.TypeAudioChunk && ev.ChunkIndex == ev.ChunkTotal-1
}

func indexOf(evs []events.Event, match func(events.Event) bool) int {
	for i, ev := range evs {
		if match(ev) {
			return i
		}
	}
	return -1
}

// 全新会话接入后来电者先开口，开场白占用序号1
func TestGreeting(t *testing.T) {
	f := newFixture(t, nil)
	_, sub := f.startSession(t, "s1", true)

	evs := collectUntil(t, sub, lastAudioChunk)

	i := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller
	})
	require.GreaterOrEqual(t, i, 0)
	assert.EqualValues(t, 1, evs[i].Sequence)
	assert.NotEmpty(t, evs[i].Text)

	got, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TurnCounter)
}

// 重复接入（重连）不重放开场白
func TestGreetingRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	sess, sub := f.startSession(t, "s1", true)
	collectUntil(t, sub, lastAudioChunk)

	require.NoError(t, f.pipe.Attach(context.Background(), sess))
	time.Sleep(100 * time.Millisecond)

	got, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TurnCounter)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.llm.calls))
}

// 一轮事件的下发顺序：操作员转写→实体→情绪→目标→来电者转写→音频
func TestTurnEventOrder(t *testing.T) {
	f := newFixture(t, nil)
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "He has a gun at 425 Maple Street", 0))
	evs := collectUntil(t, sub, lastAudioChunk)

	opTranscript := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerOperator
	})
	weapon := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeEntityDetected && ev.EntityType == nlp.EntityWeapon
	})
	address := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeEntityDetected && ev.EntityType == nlp.EntityAddress
	})
	emotional := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeEmotionalState
	})
	status := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeStatus && len(ev.Objectives) > 0
	})
	callerTranscript := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller
	})
	audio := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeAudioChunk
	})

	require.GreaterOrEqual(t, opTranscript, 0)
	require.GreaterOrEqual(t, weapon, 0)
	require.GreaterOrEqual(t, address, 0)
	require.GreaterOrEqual(t, emotional, 0)
	require.GreaterOrEqual(t, status, 0)
	require.GreaterOrEqual(t, callerTranscript, 0)
	require.GreaterOrEqual(t, audio, 0)

	assert.Less(t, opTranscript, weapon)
	assert.Less(t, weapon, callerTranscript)
	assert.Less(t, emotional, callerTranscript)
	assert.Less(t, status, callerTranscript)
	assert.Less(t, callerTranscript, audio)

	// 武器实体把情绪推到anxious
	assert.Equal(t, string(dialogue.EmotionAnxious), evs[emotional].EmotionalState)
	assert.Equal(t, string(dialogue.EmotionCalm), evs[emotional].PreviousState)
	assert.True(t, evs[status].Objectives[dialogue.ObjectiveNatureIdentified])
	assert.True(t, evs[status].Objectives[dialogue.ObjectiveLocationObtained])

	// 操作员seq 2，来电者seq 3
	assert.EqualValues(t, 2, evs[opTranscript].Sequence)
	assert.EqualValues(t, 3, evs[callerTranscript].Sequence)
	assert.EqualValues(t, 2, evs[weapon].SourceSequence)
}

// 下行音频按配置分片，拼回去等于原始音频
func TestAudioChunking(t *testing.T) {
	audio := []byte("0123456789") // 10字节，分片4字节
	f := newFixture(t, func(c *Collaborators, o *Options) {
		c.TTS = &mockTTS{audio: audio}
	})
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "hello", 0))
	evs := collectUntil(t, sub, lastAudioChunk)

	var chunks []events.Event
	for _, ev := range evs {
		if ev.Type == events.TypeAudioChunk {
			chunks = append(chunks, ev)
		}
	}
	require.Len(t, chunks, 3)

	var rebuilt []byte
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, 3, chunk.ChunkTotal)
		assert.EqualValues(t, 500, chunk.DurationMs)
		data, err := base64.StdEncoding.DecodeString(chunk.AudioData)
		require.NoError(t, err)
		rebuilt = append(rebuilt, data...)
	}
	assert.Equal(t, audio, rebuilt)
}

// 同一会话同时只有一轮在流水线里，序号严格递增
func TestSingleTurnInFlight(t *testing.T) {
	f := newFixture(t, func(c *Collaborators, o *Options) {
		c.Extractor = nil
	})
	f.llm.delay = 30 * time.Millisecond
	_, sub := f.startSession(t, "s1", false)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.pipe.SubmitTranscript("s1", "are you safe right now", 0))
	}

	callerTurns := 0
	evs := collectUntil(t, sub, func(ev events.Event) bool {
		if ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller {
			callerTurns++
		}
		return callerTurns == 3
	})

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.llm.maxInflight))

	var lastSeq int64
	for _, ev := range evs {
		if ev.Type != events.TypeTranscriptUpdate {
			continue
		}
		assert.Greater(t, ev.Sequence, lastSeq)
		lastSeq = ev.Sequence
	}
}

// NLP协作方故障只降级，轮次照常完成
func TestDegradedExtractor(t *testing.T) {
	f := newFixture(t, func(c *Collaborators, o *Options) {
		c.Extractor = failingExtractor{}
	})
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "he has a gun", 0))
	evs := collectUntil(t, sub, lastAudioChunk)

	assert.Equal(t, -1, indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeEntityDetected
	}))
	assert.GreaterOrEqual(t, indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller
	}), 0)
}

// LLM失败：error事件下发，序号照样消耗，会话不卡死
func TestLLMFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.err = errors.New("model overloaded")
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "hello", 0))
	evs := collectUntil(t, sub, func(ev events.Event) bool {
		return ev.Type == events.TypeError
	})

	errEv := evs[len(evs)-1]
	assert.Equal(t, events.CodeLLMError, errEv.Code)
	assert.False(t, errEv.Retryable)

	got, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.TurnCounter) // 预占1 + 操作员2 + 失败轮消耗3
}

func TestTTSFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.tts.err = errors.New("synth backend down")
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "hello", 0))
	evs := collectUntil(t, sub, func(ev events.Event) bool {
		return ev.Type == events.TypeError
	})
	assert.Equal(t, events.CodeTTSError, evs[len(evs)-1].Code)

	got, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.TurnCounter)
}

// 限流拒绝：操作员发言照常入轮，来电者回复被拒且不消耗序号
func TestRateLimitedCallerTurn(t *testing.T) {
	f := newFixture(t, func(c *Collaborators, o *Options) {
		o.RateLimit = NewSessionLimiter(1)
	})
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "first question", 0))
	collectUntil(t, sub, lastAudioChunk)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "second question", 0))
	evs := collectUntil(t, sub, func(ev events.Event) bool {
		return ev.Type == events.TypeError
	})

	errEv := evs[len(evs)-1]
	assert.Equal(t, events.CodeRateLimitExceeded, errEv.Code)
	assert.True(t, errEv.Retryable)
	assert.GreaterOrEqual(t, errEv.RetryAfterMs, int64(0))

	// 被限流的那轮没有来电者转写
	assert.Equal(t, -1, indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller
	}))

	// 预占1 + 第一轮(2,3) + 第二轮只有操作员4
	got, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.TurnCounter)
}

// 非Active状态的会话不处理轮次
func TestInactiveSessionSkipsTurn(t *testing.T) {
	f := newFixture(t, nil)
	_, sub := f.startSession(t, "s1", false)

	ctx := context.Background()
	won, err := f.store.CompareAndSwapStatus(ctx, "s1", []session.Status{session.StatusActive}, session.StatusOnHold)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "hello", 0))
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %q while on hold", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}

	got, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TurnCounter)
}

// 音频分片路径：乱序分片重排后随end_utterance进入一轮
func TestAudioUtteranceFlow(t *testing.T) {
	transcribed := "there's been an accident"
	f := newFixture(t, func(c *Collaborators, o *Options) {
		c.Transcriber = stubTranscriber{text: transcribed}
	})
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitChunk("s1", 0, []byte("aa")))
	require.NoError(t, f.pipe.SubmitChunk("s1", 2, []byte("cc")))
	require.NoError(t, f.pipe.SubmitChunk("s1", 1, []byte("bb")))
	require.NoError(t, f.pipe.EndUtterance("s1", 0))

	evs := collectUntil(t, sub, lastAudioChunk)
	i := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerOperator
	})
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, transcribed, evs[i].Text)
}

type stubTranscriber struct {
	text string
}

func (s stubTranscriber) Transcribe(_ context.Context, _ []byte, _ int) (*recognizer.Result, error) {
	return &recognizer.Result{Text: s.text, Confidence: 0.88}, nil
}

// 终结收尾：终态status事件、会话TTL调短、流水线拒绝后续投递
func TestTerminate(t *testing.T) {
	f := newFixture(t, nil)
	_, sub := f.startSession(t, "s1", false)

	ctx := context.Background()
	won, err := f.store.CompareAndSwapStatus(ctx, "s1",
		[]session.Status{session.StatusActive, session.StatusOnHold}, session.StatusEnded)
	require.NoError(t, err)
	require.True(t, won)

	sess, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	f.pipe.Terminate(ctx, sess)

	evs := collectUntil(t, sub, func(ev events.Event) bool {
		return ev.Type == events.TypeStatus && ev.Status == "completed"
	})
	require.NotEmpty(t, evs)

	assert.ErrorIs(t, f.pipe.SubmitTranscript("s1", "hello", 0), ErrNotAttached)

	// EndedTTL过后会话从存储消失
	time.Sleep(100 * time.Millisecond)
	_, err = f.store.Get(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// 一通完整训练通话：开场白→升级→目标达成→hold静默→resume→terminate
func TestFullCallScenario(t *testing.T) {
	f := newFixture(t, nil)
	_, sub := f.startSession(t, "s1", true)
	ctx := context.Background()

	// 来电者先开口
	evs := collectUntil(t, sub, lastAudioChunk)
	greeting := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller
	})
	require.GreaterOrEqual(t, greeting, 0)
	assert.EqualValues(t, 1, evs[greeting].Sequence)

	// 后续来电者回复都带panicked情绪提示
	f.llm.respState = "panicked"

	// 操作员第一轮：武器实体把情绪推上去，LLM的情绪提示再推到panicked
	require.NoError(t, f.pipe.SubmitTranscript("s1", "caller says he has a gun", 0))
	evs = collectUntil(t, sub, lastAudioChunk)
	states := []string{}
	for _, ev := range evs {
		if ev.Type == events.TypeEmotionalState {
			states = append(states, ev.EmotionalState)
		}
	}
	assert.Contains(t, states, string(dialogue.EmotionPanicked))

	// 操作员第二轮：问到地址，location目标达成
	require.NoError(t, f.pipe.SubmitTranscript("s1", "they are at 425 Maple Street", 0))
	evs = collectUntil(t, sub, lastAudioChunk)
	obj := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeStatus && ev.Objectives[dialogue.ObjectiveLocationObtained]
	})
	assert.GreaterOrEqual(t, obj, 0)

	// hold期间不处理轮次
	won, err := f.store.CompareAndSwapStatus(ctx, "s1", []session.Status{session.StatusActive}, session.StatusOnHold)
	require.NoError(t, err)
	require.True(t, won)
	before, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, f.pipe.SubmitTranscript("s1", "are you still there", 0))
	time.Sleep(100 * time.Millisecond)
	after, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before.TurnCounter, after.TurnCounter)

	// resume后恢复处理
	won, err = f.store.CompareAndSwapStatus(ctx, "s1", []session.Status{session.StatusOnHold}, session.StatusActive)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, f.pipe.SubmitTranscript("s1", "okay we are back", 0))
	collectUntil(t, sub, lastAudioChunk)

	// terminate收尾：CAS赢家触发终态status事件
	won, err = f.store.CompareAndSwapStatus(ctx, "s1",
		[]session.Status{session.StatusActive, session.StatusOnHold}, session.StatusEnded)
	require.NoError(t, err)
	require.True(t, won)
	sess, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	f.pipe.Terminate(ctx, sess)
	collectUntil(t, sub, func(ev events.Event) bool {
		return ev.Type == events.TypeStatus && ev.Status == "completed"
	})
}

// worker被空闲回收后重新接入，会话继续且不重放开场白
func TestReattachAfterIdleReap(t *testing.T) {
	f := newFixture(t, func(c *Collaborators, o *Options) {
		o.IdleTimeout = 60 * time.Millisecond
	})
	_, sub := f.startSession(t, "s1", false)

	require.NoError(t, f.pipe.SubmitTranscript("s1", "can you hear me", 0))
	collectUntil(t, sub, lastAudioChunk)

	time.Sleep(200 * time.Millisecond)
	assert.ErrorIs(t, f.pipe.SubmitTranscript("s1", "still with me?", 0), ErrNotAttached)

	ctx := context.Background()
	sess, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, f.pipe.Attach(ctx, sess))
	require.NoError(t, f.pipe.SubmitTranscript("s1", "still with me?", 0))
	evs := collectUntil(t, sub, lastAudioChunk)

	// 新一轮正常走完，序号接着之前的递增，没有开场白重放
	i := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerOperator
	})
	require.GreaterOrEqual(t, i, 0)
	assert.EqualValues(t, 4, evs[i].Sequence)

	got, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.TurnCounter)
}

// 两个副本同时接入全新会话，只有一个产出开场白，输家不留序号空洞
func TestGreetingSingleWinnerAcrossReplicas(t *testing.T) {
	store := session.NewMemoryStore(time.Minute)
	bus := events.NewLocalBus()
	llm1, llm2 := &mockLLM{}, &mockLLM{}
	p1 := NewPipeline(store, bus, Collaborators{LLM: llm1, TTS: &mockTTS{}}, testPipelineOptions(), nil)
	p2 := NewPipeline(store, bus, Collaborators{LLM: llm2, TTS: &mockTTS{}}, testPipelineOptions(), nil)
	t.Cleanup(func() {
		_ = p1.Close()
		_ = p2.Close()
		_ = bus.Close()
		_ = store.Close()
	})

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &session.CallSession{
		ID:         "s1",
		OperatorID: "op-1",
		Status:     session.StatusActive,
		StartedAt:  time.Now(),
	}))
	sub, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, p1.Attach(ctx, sess))
	require.NoError(t, p2.Attach(ctx, sess))

	evs := collectUntil(t, sub, lastAudioChunk)
	i := indexOf(evs, func(ev events.Event) bool {
		return ev.Type == events.TypeTranscriptUpdate && ev.Speaker == dialogue.SpeakerCaller
	})
	require.GreaterOrEqual(t, i, 0)
	assert.EqualValues(t, 1, evs[i].Sequence)

	time.Sleep(100 * time.Millisecond)
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TurnCounter)
	assert.EqualValues(t, 1, atomic.LoadInt32(&llm1.calls)+atomic.LoadInt32(&llm2.calls))
}

type recordingArchiver struct {
	mu    sync.Mutex
	turns []dialogue.Turn
}

func (a *recordingArchiver) SessionStarted(_ *session.CallSession) {}

func (a *recordingArchiver) AppendTurn(turn dialogue.Turn, _ []nlp.Entity) {
	a.mu.Lock()
	a.turns = append(a.turns, turn)
	a.mu.Unlock()
}

func (a *recordingArchiver) SessionEnded(_ *session.CallSession) {}

func (a *recordingArchiver) Close() error { return nil }

// 来电者轮次的时间戳取回复产生时刻，不沿用操作员发言的时间戳
func TestCallerTurnTimestamp(t *testing.T) {
	rec := &recordingArchiver{}
	f := newFixture(t, func(c *Collaborators, o *Options) {
		c.Archiver = rec
	})
	f.llm.delay = 30 * time.Millisecond
	_, sub := f.startSession(t, "s1", false)

	opTs := int64(12345)
	start := time.Now().UnixMilli()
	require.NoError(t, f.pipe.SubmitTranscript("s1", "what happened", opTs))
	collectUntil(t, sub, lastAudioChunk)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.turns, 2)
	assert.EqualValues(t, opTs, rec.turns[0].TimestampMs)
	assert.GreaterOrEqual(t, rec.turns[1].TimestampMs, start)
}

func TestSubmitWithoutAttach(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.pipe.SubmitTranscript("ghost", "hello", 0), ErrNotAttached)
	assert.ErrorIs(t, f.pipe.SubmitChunk("ghost", 0, []byte("aa")), ErrNotAttached)
	assert.ErrorIs(t, f.pipe.EndUtterance("ghost", 0), ErrNotAttached)
}
