// Package logging provides the leveled, prefix-chaining logger used
// throughout the cache core. Every component takes a *Logger (possibly nil)
// rather than reaching for a global.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags)
}

// Logger is a leveled logger with hierarchical name prefixes. Its zero value
// is not meaningful; use RootLogger or a Sublogger derived from it. A nil
// *Logger is safe to call methods on and simply discards output, so
// components can be constructed with an optional logger without nil checks
// at every call site.
type Logger struct {
	// prefix is the dotted hierarchical name for this logger.
	prefix string
	// level is the minimum level this logger (and its subloggers) emit.
	level *atomic.Uint32
}

// RootLogger is the base logger from which all others are derived. It
// defaults to LevelInfo.
var RootLogger = NewLogger(LevelInfo)

// NewLogger creates a new root logger at the specified level.
func NewLogger(level Level) *Logger {
	v := &atomic.Uint32{}
	v.Store(uint32(level))
	return &Logger{level: v}
}

// SetLevel adjusts the verbosity of this logger and every logger derived from
// it (subloggers share the underlying level value).
func (l *Logger) SetLevel(level Level) {
	if l != nil {
		l.level.Store(uint32(level))
	}
}

func (l *Logger) enabled(level Level) bool {
	return l != nil && Level(l.level.Load()) >= level
}

// Sublogger creates a named child logger. Child loggers share their parent's
// level, so adjusting the root's level via SetLevel affects every descendant.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, level: l.level}
}

func (l *Logger) output(line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(4, line)
}

// Debugf logs at LevelDebug.
func (l *Logger) Debugf(format string, v ...any) {
	if l.enabled(LevelDebug) {
		l.output(fmt.Sprintf(format, v...))
	}
}

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, v ...any) {
	if l.enabled(LevelInfo) {
		l.output(fmt.Sprintf(format, v...))
	}
}

// Warnf logs at LevelWarn, colorized yellow.
func (l *Logger) Warnf(format string, v ...any) {
	if l.enabled(LevelWarn) {
		l.output(color.YellowString("warning: "+format, v...))
	}
}

// Errorf logs at LevelError, colorized red.
func (l *Logger) Errorf(format string, v ...any) {
	if l.enabled(LevelError) {
		l.output(color.RedString("error: "+format, v...))
	}
}

// Writer returns an io.Writer that splits arbitrary byte streams on newlines
// and forwards each line to Infof. Useful for capturing diagnostic output
// from verification summaries and worker pool panic recovery.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &lineWriter{logger: l}
}

// lineWriter is an io.Writer that buffers partial lines and emits complete
// ones to a Logger.
type lineWriter struct {
	logger *Logger
	buffer []byte
}

// Write implements io.Writer.
func (w *lineWriter) Write(data []byte) (int, error) {
	w.buffer = append(w.buffer, data...)
	for {
		index := bytes.IndexByte(w.buffer, '\n')
		if index == -1 {
			break
		}
		line := bytes.TrimSuffix(w.buffer[:index], []byte{'\r'})
		w.logger.Infof("%s", string(line))
		w.buffer = w.buffer[index+1:]
	}
	return len(data), nil
}
