package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`       // debug/info/warn/error
	Filename   string `env:"LOG_FILE"`        // 为空时只输出到stdout
	MaxSize    int    `env:"LOG_MAX_SIZE"`    // 单个日志文件大小上限（MB）
	MaxBackups int    `env:"LOG_MAX_BACKUPS"` // 保留的旧日志文件数
	MaxAge     int    `env:"LOG_MAX_AGE"`     // 旧日志保留天数
	Compress   bool   `env:"LOG_COMPRESS"`
}

var (
	global *zap.Logger
	mu     sync.RWMutex
)

// Init 初始化全局日志实例
// mode 为 "release" 时使用JSON编码，否则使用控制台编码
func Init(cfg *LogConfig, mode string) error {
	level := zapcore.InfoLevel
	if cfg != nil && cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if mode == "release" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg != nil && cfg.Filename != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), level)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	global = l
	mu.Unlock()

	zap.ReplaceGlobals(l)
	return nil
}

// GetLogger 获取全局日志实例（未初始化时返回zap.L()）
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		return global
	}
	return zap.L()
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = GetLogger().Sync()
}

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { GetLogger().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { GetLogger().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }
