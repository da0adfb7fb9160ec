package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar   = "WEGENT_LOG_DIR"
	logLevelEnvVar = "WEGENT_LOG_LEVEL"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	baseInstance *fileLogger
	baseOnce     sync.Once
)

// fileLogger writes formatted log lines to wegent-server.log (and stderr for
// WARN and above).
type fileLogger struct {
	mu        sync.Mutex
	file      *os.File
	logger    *log.Logger
	level     LogLevel
	component string
}

func base() *fileLogger {
	baseOnce.Do(func() {
		baseInstance = newFileLogger()
	})
	return baseInstance
}

func newFileLogger() *fileLogger {
	l := &fileLogger{level: levelFromEnv()}

	logDir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return l
	}

	logPath := filepath.Join(logDir, "wegent-server.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted below
	return l
}

func levelFromEnv() LogLevel {
	switch strings.ToUpper(strings.TrimSpace(os.Getenv(logLevelEnvVar))) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func (l *fileLogger) logf(level LogLevel, format string, args ...any) {
	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"), level, l.component, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger != nil {
		l.logger.Println(line)
	}
	if level >= WARN || l.logger == nil {
		fmt.Fprintln(os.Stderr, line)
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.logf(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.logf(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.logf(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.logf(ERROR, format, args...) }

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	b := base()
	return &fileLogger{
		file:      b.file,
		logger:    b.logger,
		level:     b.level,
		component: component,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
