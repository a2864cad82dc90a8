package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxAgeDays = 7
)

var (
	mu     sync.Mutex
	logger = log.New(newRotatingWriter(), "", log.Ldate|log.Ltime|log.Lmicroseconds)
	level  atomic.Int32
)

func init() {
	level.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
}

func newRotatingWriter() io.Writer {
	return &lumberjack.Logger{
		Filename: getLogFilename(),
		MaxSize:  envInt("LOGFILE_MAX_SIZE_MB", defaultMaxSizeMB), // megabytes
		MaxAge:   envInt("LOGFILE_MAX_AGE_DAYS", defaultMaxAgeDays),
	}
}

func getLogFilename() string {
	if logFile := os.Getenv("LOGFILE"); logFile != "" {
		return "./logs/" + logFile
	}
	return "./logs/garden.log"
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetOutput redirects all log output, e.g. to stdout for the CLI or io.Discard in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// SetLevelString accepts debug, info, warn or error.
func SetLevelString(s string) {
	SetLevel(parseLevel(s))
}

func write(l Level, tag, color, category string, content []interface{}) {
	if l < Level(level.Load()) {
		return
	}
	message := fmt.Sprintln(content...)
	message = strings.TrimSuffix(message, "\n")
	coloredCategory := fmt.Sprintf("%s[%s][%s]%s", color, tag, category, ColorReset)
	logger.Printf("%s: %s", coloredCategory, message)
}

func Info(category string, content ...interface{}) {
	write(LevelInfo, "INFO", ColorGreen, category, content)
}

func Error(category string, content ...interface{}) {
	write(LevelError, "ERROR", ColorRed, category, content)
}

func Warn(category string, content ...interface{}) {
	write(LevelWarn, "WARN", ColorYellow, category, content)
}

func Debug(category string, content ...interface{}) {
	write(LevelDebug, "DEBUG", ColorBlue, category, content)
}

// Errorf logs an error message and returns a formatted error
func Errorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	Error("ERROR", err.Error())
	return err
}
