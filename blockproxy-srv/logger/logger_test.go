package logger

import (
	"bytes"
	"strings"
	"testing"
)

// captureOutput redirects log output into a buffer while f runs
func captureOutput(f func()) string {
	var buf bytes.Buffer
	old := stdLogger.Writer()
	SetOutput(&buf)
	defer SetOutput(old)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		SetLevel(level)
		if GetLevel() != level {
			t.Errorf("SetLevel(%v) -> GetLevel() = %v", level, GetLevel())
		}
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		levelStr string
		expected LogLevel
	}{
		{"TRACE", TRACE},
		{"debug", DEBUG},
		{"Info", INFO},
		{"WaRn", WARN},
		{"warning", WARN},
		{"ERROR", ERROR},
		{"fatal", FATAL},
		{" debug ", DEBUG},
		{"nonsense", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if got := GetLevelFromString(tt.levelStr); got != tt.expected {
			t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expected)
		}
	}
}

func TestLevelString(t *testing.T) {
	if DEBUG.String() != "DEBUG" {
		t.Errorf("DEBUG.String() = %q", DEBUG.String())
	}
	if LogLevel(99).String() != "UNKNOWN" {
		t.Errorf("LogLevel(99).String() = %q", LogLevel(99).String())
	}
}

func TestLogLevelFiltering(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	tests := []struct {
		name    string
		current LogLevel
		logFunc func(string, ...any)
		printed bool
	}{
		{"debug at debug", DEBUG, Debug, true},
		{"trace at debug", DEBUG, Trace, false},
		{"debug at info", INFO, Debug, false},
		{"info at info", INFO, Info, true},
		{"warn at error", ERROR, Warn, false},
		{"error at error", ERROR, Error, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.current)
			output := captureOutput(func() {
				tt.logFunc("test message")
			})
			if tt.printed && output == "" {
				t.Errorf("expected output, got none")
			}
			if !tt.printed && output != "" {
				t.Errorf("expected no output, got %q", output)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	output := captureOutput(func() {
		Warn("message with %s and %d", "string", 42)
	})

	if !strings.Contains(output, "[WARN]") {
		t.Errorf("output does not contain level: %q", output)
	}
	if !strings.Contains(output, "message with string and 42") {
		t.Errorf("output does not contain message: %q", output)
	}
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		requestID string
		format    string
		args      []any
		expected  string
	}{
		{"12345", "Test message %s", []any{"arg"}, "[12345] Test message arg"},
		{"", "Test message %s", []any{"arg"}, "[] Test message arg"},
		{"abc", "Test %s %d", []any{"message", 42}, "[abc] Test message 42"},
	}

	for _, tt := range tests {
		if got := WithRequestID(tt.requestID, tt.format, tt.args...); got != tt.expected {
			t.Errorf("WithRequestID() = %q, want %q", got, tt.expected)
		}
	}
}

func TestConnLogger(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	cl := ForConn("conn-1")
	output := captureOutput(func() {
		cl.Info("forwarding to %s:%d", "example.com", 80)
		cl.Debug("hidden")
	})

	if !strings.Contains(output, "[INFO] [conn-1] forwarding to example.com:80") {
		t.Errorf("unexpected output: %q", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("debug message should be filtered: %q", output)
	}
}
