package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	handlers "github.com/code-100-precent/LingDispatch/internal/handler"
	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/config"
	"github.com/code-100-precent/LingDispatch/pkg/dialogue"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/llm"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/code-100-precent/LingDispatch/pkg/middleware"
	"github.com/code-100-precent/LingDispatch/pkg/nlp"
	"github.com/code-100-precent/LingDispatch/pkg/pipeline"
	"github.com/code-100-precent/LingDispatch/pkg/recognizer"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/code-100-precent/LingDispatch/pkg/synthesizer"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.GetLogger()

	store, bus, limiter := buildSharedState(cfg, log)
	defer store.Close()
	defer bus.Close()

	archiver := buildArchiver(cfg, log)

	collab := pipeline.Collaborators{
		Transcriber: recognizer.NewWhisperTranscriber(cfg.LLMApiKey, cfg.LLMBaseURL, cfg.ASRModel),
		Extractor:   nlp.NewKeywordExtractor(),
		LLM:         llm.NewOpenAIProvider(cfg.LLMApiKey, cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTemperature, cfg.LLMMaxTokens),
		TTS:         buildSynthesizer(cfg),
		Archiver:    archiver,
	}

	pipe := pipeline.NewPipeline(store, bus, collab, pipeline.Options{
		ChunkBufferDepth: cfg.ChunkBufferDepth,
		AudioChunkBytes:  cfg.AudioChunkBytes,
		InboxSize:        cfg.TurnInboxSize,
		SampleRate:       cfg.TTSSampleRate,
		SessionTTL:       cfg.SessionTTL(),
		EndedTTL:         cfg.EndedTTL(),
		RateLimit:        limiter,
		Dialogue: dialogue.Options{
			WindowTurns: cfg.ContextWindowTurns,
			TokenBudget: cfg.ContextTokenBudget,
			Thresholds: dialogue.Thresholds{
				EscalateThreshold: cfg.EmotionEscalateThreshold,
				DeescalateDelta:   cfg.EmotionDeescalateDelta,
				ScoreWindow:       cfg.EmotionScoreWindow,
			},
		},
	}, log)
	defer pipe.Close()

	gin.SetMode(ginMode(cfg.Mode))
	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggerMiddleware(log))
	router.GET(cfg.MonitorPrefix+"/metrics", metrics.Handler())

	h := handlers.NewHandlers(store, bus, pipe, archiver, cfg, log)
	h.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("服务启动", zap.String("addr", cfg.Addr), zap.String("mode", cfg.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("收到退出信号，开始优雅停机")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP停机失败", zap.Error(err))
	}
	if archiver != nil {
		_ = archiver.Close()
	}
}

// buildSharedState Redis可用时会话存储/事件总线/限流都走Redis跨副本共享；
// 否则退回进程内实现（仅限单副本部署）
func buildSharedState(cfg *config.Config, log *zap.Logger) (session.Store, events.Bus, *pipeline.SessionLimiter) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("Redis不可用，退回进程内存储与总线（仅单副本）", zap.Error(err))
		return session.NewMemoryStore(cfg.SessionTTL()), events.NewLocalBus(), pipeline.NewSessionLimiter(cfg.LLMRateLimit)
	}

	limiter, err := pipeline.NewRedisSessionLimiter(rdb, cfg.LLMRateLimit)
	if err != nil {
		log.Warn("Redis限流器初始化失败，改用进程内限流", zap.Error(err))
		limiter = pipeline.NewSessionLimiter(cfg.LLMRateLimit)
	}
	return session.NewRedisStore(rdb, cfg.SessionTTL()), events.NewRedisBus(rdb), limiter
}

// buildArchiver 归档协作方初始化失败不致命，只是不落库
func buildArchiver(cfg *config.Config, log *zap.Logger) storage.Archiver {
	db, err := models.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		log.Warn("归档数据库不可用，跳过落库", zap.Error(err))
		return nil
	}
	if err := models.MakeMigrates(db); err != nil {
		log.Warn("归档表迁移失败，跳过落库", zap.Error(err))
		return nil
	}
	return storage.NewGormArchiver(db, log)
}

func buildSynthesizer(cfg *config.Config) synthesizer.Synthesizer {
	if cfg.TTSProvider == "coqui" && cfg.CoquiURL != "" {
		return synthesizer.NewCoquiService(cfg.CoquiURL, cfg.CoquiModel, cfg.TTSSampleRate)
	}
	return synthesizer.NewOpenAIService(cfg.LLMApiKey, "", cfg.TTSVoice, cfg.TTSSampleRate, cfg.TTSSpeed)
}

func ginMode(mode string) string {
	if mode == "release" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
