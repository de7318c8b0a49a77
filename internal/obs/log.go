// Package obs holds the logger shared by every component in the module.
package obs

import (
	"os"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	logger *zap.Logger
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// Options controls how Init builds the shared logger.
type Options struct {
	Level   string // debug|info|warn|error, default info
	Path    string // rotated log file path
	Console bool   // also mirror to stdout (console mode)
}

// Init (re)configures the package logger. Safe to call once at startup;
// before Init is called, L lazily creates and returns a zap development
// logger so packages loaded via init() never see a nil pointer.
func Init(opt Options) {
	mu.Lock()
	defer mu.Unlock()

	level, ok := levelMap[opt.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level
	})

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core
	if opt.Path != "" {
		hook := &lumberjack.Logger{
			Filename:   opt.Path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		files := zapcore.AddSync(hook)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), files, enabler))
	}
	if opt.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(os.Stdout)), enabler))
	}

	logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.Development())
}

// L returns the shared logger. Before Init is called it returns a usable
// (if unconfigured) default so package-level helpers never crash.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		_ = l.Sync()
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
