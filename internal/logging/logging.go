package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	current = zap.NewNop()
	rotator *lumberjack.Logger
	logDir  string
)

// Options controls where logs go.
type Options struct {
	// ToFile routes logs to a rotated file instead of stderr. The TUI sets this
	// so log lines never corrupt the terminal.
	ToFile  bool
	Dir     string
	Verbose bool
}

// Init builds the process logger and installs it as the zap global.
func Init(opts Options) (*zap.Logger, error) {
	level := zap.InfoLevel
	if opts.Verbose {
		level = zap.DebugLevel
	}

	var core zapcore.Core
	if opts.ToFile {
		dir, err := resolveDir(opts.Dir)
		if err != nil {
			return nil, err
		}

		lj := &lumberjack.Logger{
			Filename:   filepath.Join(dir, "lunarstudio.log"),
			MaxSize:    10, // Megabytes
			MaxBackups: 5,
			MaxAge:     30, // Days
			Compress:   true,
		}

		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(lj), level)

		mu.Lock()
		rotator = lj
		logDir = dir
		mu.Unlock()
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	}

	logger := zap.New(core, zap.AddCaller())

	mu.Lock()
	current = logger
	mu.Unlock()
	zap.ReplaceGlobals(logger)

	logger.Debug("logger initialised", zap.Bool("to_file", opts.ToFile), zap.Bool("verbose", opts.Verbose))
	return logger, nil
}

// L returns the installed logger, or a no-op logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Close flushes buffered entries and closes the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	_ = current.Sync()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}

// Dir returns the directory where file logs are stored.
func Dir() string {
	mu.RLock()
	defer mu.RUnlock()
	return logDir
}

func resolveDir(dir string) (string, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".lunarstudio", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	return dir, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
