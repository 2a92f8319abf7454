package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xiaoxuxiansheng/goat/rootctx"
)

// 日志模块
// 1. 基于 zap 的 SugaredLogger 封装出一组包级别的打印方法, 供 SDK 内部各个模块统一调用
// 2. 配置了日志文件时, 通过 lumberjack 完成日志文件的切割与归档; 否则输出到标准错误
// 3. 带 Context 的方法会从 ctx 中取出全局事务 xid 一并打印, 方便串联同一笔全局事务的日志

// Config 日志配置
type Config struct {
	// 日志级别 debug/info/warn/error
	Level string `mapstructure:"level" yaml:"level"`
	// 日志文件路径, 为空时输出到 stderr
	File string `mapstructure:"file" yaml:"file"`
	// 单个日志文件大小上限, 单位 MB
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`
	// 最多保留的历史日志文件个数
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// 历史日志文件最多保留天数
	MaxAge int `mapstructure:"max_age" yaml:"max_age"`
	// 历史日志文件是否压缩
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

var (
	mux    sync.RWMutex
	logger = newDefaultLogger()
)

func newDefaultLogger() *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(os.Stderr),
		zap.InfoLevel,
	)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// Init 根据配置重建全局 logger
func Init(conf Config) error {
	level := zap.NewAtomicLevel()
	if conf.Level != "" {
		if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
			return err
		}
	}

	var (
		writer  zapcore.WriteSyncer
		encoder zapcore.Encoder
	)
	if conf.File == "" {
		writer = zapcore.Lock(os.Stderr)
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	} else {
		// 日志文件按大小切割
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSize,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAge,
			Compress:   conf.Compress,
		})
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	}

	SetLogger(zap.New(zapcore.NewCore(encoder, writer, level), zap.AddCaller()))
	return nil
}

// SetLogger 替换全局 logger, 传入 nil 时日志将被丢弃
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mux.Lock()
	defer mux.Unlock()
	logger = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Sync 刷新缓冲区中的日志
func Sync() error {
	return get().Sync()
}

func get() *zap.SugaredLogger {
	mux.RLock()
	defer mux.RUnlock()
	return logger
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	l := get()
	if xid := rootctx.XID(ctx); xid != "" {
		return l.With("xid", xid)
	}
	return l
}

func Debugf(format string, v ...interface{}) {
	get().Debugf(format, v...)
}

func Infof(format string, v ...interface{}) {
	get().Infof(format, v...)
}

func Warnf(format string, v ...interface{}) {
	get().Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	get().Errorf(format, v...)
}

func DebugContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Debugf(format, v...)
}

func InfoContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Infof(format, v...)
}

func WarnContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Warnf(format, v...)
}

func ErrorContextf(ctx context.Context, format string, v ...interface{}) {
	withContext(ctx).Errorf(format, v...)
}
