// Package accesslog writes one line per completed proxy connection attempt.
package accesslog

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeLayout = "2006-01-02 15:04:05"

// Logger appends request lines to a sink. A nil *Logger discards everything.
type Logger struct {
	out io.Writer
	now func() time.Time
}

// New opens the access log described by cfg. An empty path disables the file
// sink and returns nil.
func New(cfg config.AccessLogConfig) *Logger {
	if cfg.Path == "" {
		return nil
	}

	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		// lumberjack treats 0 as 100 MB
		maxSize = math.MaxInt32
	}

	return NewWithWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	})
}

// NewWithWriter returns a Logger writing to w.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{out: w, now: time.Now}
}

// FormatLine renders a single access log line including the trailing newline.
func FormatLine(t time.Time, clientIP, host string, status int) string {
	return fmt.Sprintf("[%s] Client: %s | Request: %s | Status: %d\n", t.Format(timeLayout), clientIP, host, status)
}

// Log records one connection outcome. Failures are reported to the process
// log and otherwise ignored.
func (l *Logger) Log(clientIP, host string, status int) {
	if l == nil || l.out == nil {
		return
	}
	line := FormatLine(l.now().Local(), clientIP, host, status)
	if _, err := io.WriteString(l.out, line); err != nil {
		logger.Warn("Failed to write access log entry: %v", err)
	}
}

// Rotate starts a new log file if the sink supports rotation.
func (l *Logger) Rotate() error {
	if l == nil {
		return nil
	}
	if r, ok := l.out.(interface{ Rotate() error }); ok {
		return r.Rotate()
	}
	return nil
}

// Close releases the underlying sink.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if c, ok := l.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
