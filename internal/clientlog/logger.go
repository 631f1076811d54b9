// Package clientlog is the CLI's leveled logger. Output goes to stderr so it
// never mixes with command output.
package clientlog

import (
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

type Logger struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
}

func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, out: log.New(w, "", log.LstdFlags)}
}

var std = New(os.Stderr, LevelWarn)

// Default is the process logger used by the CLI.
func Default() *Logger { return std }

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetVerbose switches between debug and the quiet default.
func (l *Logger) SetVerbose(verbose bool) {
	if verbose {
		l.SetLevel(LevelDebug)
		return
	}
	l.SetLevel(LevelWarn)
}

func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level >= level
}

func (l *Logger) logf(level Level, tag, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	l.out.Printf(tag+" "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, "[ERROR]", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, "[WARN]", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, "[INFO]", format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, "[DEBUG]", format, args...) }
