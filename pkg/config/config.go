package config

import (
	"log"
	"os"
	"reflect"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config 系统全局配置，全部来自环境变量
type Config struct {
	ServerName    string `env:"SERVER_NAME"`
	Addr          string `env:"ADDR"`
	Mode          string `env:"MODE"` // debug / release
	APIPrefix     string `env:"API_PREFIX"`
	MonitorPrefix string `env:"MONITOR_PREFIX"`

	Log logger.LogConfig

	// 存储协作方（gorm）
	DBDriver string `env:"DB_DRIVER"` // sqlite / mysql / postgres
	DSN      string `env:"DSN"`

	// Redis：会话存储 + 事件总线
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	// LLM 协作方
	LLMApiKey      string  `env:"LLM_API_KEY"`
	LLMBaseURL     string  `env:"LLM_BASE_URL"`
	LLMModel       string  `env:"LLM_MODEL"`
	LLMTemperature float64 `env:"LLM_TEMPERATURE"`
	LLMMaxTokens   int     `env:"LLM_MAX_TOKENS"`
	// 每个会话每分钟允许的LLM调用次数
	LLMRateLimit int `env:"LLM_RATE_LIMIT"`

	// TTS 协作方
	TTSProvider   string  `env:"TTS_PROVIDER"` // openai / coqui
	TTSVoice      string  `env:"TTS_VOICE"`
	TTSSampleRate int     `env:"TTS_SAMPLE_RATE"`
	TTSSpeed      float64 `env:"TTS_SPEED"`
	CoquiURL      string  `env:"COQUI_TTS_URL"`
	CoquiModel    string  `env:"COQUI_TTS_MODEL"`

	// ASR 协作方
	ASRModel string `env:"ASR_MODEL"`

	// 会话生命周期
	SessionTTLSec      int `env:"SESSION_TTL_SEC"`       // 活跃会话TTL
	EndedTTLSec        int `env:"SESSION_ENDED_TTL_SEC"` // Ended后保留时间
	HeartbeatSec       int `env:"HEARTBEAT_SEC"`         // 心跳发送间隔
	HeartbeatTimeout   int `env:"HEARTBEAT_TIMEOUT_SEC"` // 心跳超时窗口
	AudioChunkBytes    int `env:"AUDIO_CHUNK_BYTES"`     // 下行音频分片大小
	ChunkBufferDepth   int `env:"CHUNK_BUFFER_DEPTH"`    // 乱序音频分片重排缓冲深度
	TurnInboxSize      int `env:"TURN_INBOX_SIZE"`       // 每会话流水线队列长度
	ContextWindowTurns int `env:"CONTEXT_WINDOW_TURNS"`
	ContextTokenBudget int `env:"CONTEXT_TOKEN_BUDGET"`

	// 情绪状态机阈值：升级/降级阈值走配置，不硬编码
	EmotionEscalateThreshold float64 `env:"EMOTION_ESCALATE_THRESHOLD"`
	EmotionDeescalateDelta   float64 `env:"EMOTION_DEESCALATE_DELTA"`
	EmotionScoreWindow       int     `env:"EMOTION_SCORE_WINDOW"`
}

// GlobalConfig 全局配置实例
var GlobalConfig Config

// LoadConfig 加载配置：先读 .env 再读环境变量，最后补默认值
func LoadConfig(envFiles ...string) *Config {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		log.Printf("load env file failed: %v", err)
	}

	GlobalConfig = Config{
		ServerName:               "lingdispatch",
		Addr:                     ":8080",
		Mode:                     "debug",
		APIPrefix:                "/api",
		MonitorPrefix:            "/monitor",
		DBDriver:                 "sqlite",
		DSN:                      "file:lingdispatch.db?cache=shared",
		RedisAddr:                "localhost:6379",
		LLMBaseURL:               "https://api.openai.com/v1",
		LLMModel:                 "gpt-4o-mini",
		LLMTemperature:           0.8,
		LLMMaxTokens:             256,
		LLMRateLimit:             10,
		TTSProvider:              "openai",
		TTSVoice:                 "alloy",
		TTSSampleRate:            16000,
		TTSSpeed:                 1.0,
		ASRModel:                 "whisper-1",
		SessionTTLSec:            3600,
		EndedTTLSec:              300,
		HeartbeatSec:             15,
		HeartbeatTimeout:         45,
		AudioChunkBytes:          32 * 1024,
		ChunkBufferDepth:         16,
		TurnInboxSize:            32,
		ContextWindowTurns:       10,
		ContextTokenBudget:       1024,
		EmotionEscalateThreshold: 3.0,
		EmotionDeescalateDelta:   2.0,
		EmotionScoreWindow:       6,
	}

	loadEnvs(&GlobalConfig)
	loadEnvs(&GlobalConfig.Log)
	return &GlobalConfig
}

// loadEnvs 按 env 标签从环境变量填充结构体字段
func loadEnvs(target interface{}) {
	v := reflect.ValueOf(target).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Int, reflect.Int64:
			fv.SetInt(cast.ToInt64(raw))
		case reflect.Float64:
			fv.SetFloat(cast.ToFloat64(raw))
		case reflect.Bool:
			fv.SetBool(cast.ToBool(raw))
		}
	}
}

// SessionTTL 活跃会话TTL
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

// EndedTTL 会话结束后的保留时间
func (c *Config) EndedTTL() time.Duration {
	return time.Duration(c.EndedTTLSec) * time.Second
}

// HeartbeatInterval 心跳发送间隔
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// HeartbeatWindow 心跳超时窗口
func (c *Config) HeartbeatWindow() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}
