// Package logging provides leveled logging for segmentation3d. Messages go to
// stdout through the standard log package unless a log file is configured, in
// which case they are written to a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// ModeFlag is the minimum severity a message needs to be written.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	SilentMode
)

// ParseMode maps a config string to a ModeFlag, defaulting to InfoMode.
func ParseMode(s string) ModeFlag {
	switch strings.ToLower(s) {
	case "debug":
		return DebugMode
	case "warning", "warn":
		return WarningMode
	case "error":
		return ErrorMode
	case "silent", "none":
		return SilentMode
	}
	return InfoMode
}

// Logger records messages at different severities.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config selects the log destination.
type Config struct {
	Logfile string
	MaxSize int // megabytes
	MaxAge  int // days
	Level   string
}

// StdLogger writes through a standard library *log.Logger.
type StdLogger struct {
	mu   sync.Mutex
	mode ModeFlag
	out  *log.Logger
	file *lumberjack.Logger
}

var (
	defaultMu sync.RWMutex
	std       = NewStdLogger(os.Stdout, InfoMode)
)

// NewStdLogger returns a logger writing to w.
func NewStdLogger(w io.Writer, mode ModeFlag) *StdLogger {
	return &StdLogger{mode: mode, out: log.New(w, "", log.LstdFlags)}
}

// New builds a logger from c. An empty Logfile logs to stdout.
func New(c Config) *StdLogger {
	mode := ParseMode(c.Level)
	if c.Logfile == "" {
		return NewStdLogger(os.Stdout, mode)
	}
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	s := NewStdLogger(l, mode)
	s.file = l
	return s
}

// Default returns the package-level logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return std
}

// SetDefault replaces the package-level logger.
func SetDefault(l *StdLogger) {
	defaultMu.Lock()
	std = l
	defaultMu.Unlock()
}

// Or returns l, or the package default when l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

// SetLogMode sets the severity required for a message to be written.
func (s *StdLogger) SetLogMode(mode ModeFlag) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *StdLogger) write(level ModeFlag, tag, format string, args ...interface{}) {
	s.mu.Lock()
	enabled := s.mode <= level
	s.mu.Unlock()
	if !enabled {
		return
	}
	s.out.Printf(" %s %s", tag, fmt.Sprintf(format, args...))
}

func (s *StdLogger) Debugf(format string, args ...interface{}) {
	s.write(DebugMode, "DEBUG", format, args...)
}

func (s *StdLogger) Infof(format string, args ...interface{}) {
	s.write(InfoMode, "INFO", format, args...)
}

func (s *StdLogger) Warningf(format string, args ...interface{}) {
	s.write(WarningMode, "WARNING", format, args...)
}

func (s *StdLogger) Errorf(format string, args ...interface{}) {
	s.write(ErrorMode, "ERROR", format, args...)
}

// Shutdown closes the rotating log file, if any.
func (s *StdLogger) Shutdown() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// TimeLog appends the elapsed time since creation to each message.
//
//	tlog := logging.NewTimeLog(logger)
//	...
//	tlog.Infof("converted %s", id) // "converted seg1: 12ms"
type TimeLog struct {
	logger Logger
	start  time.Time
}

// NewTimeLog starts a timer on top of l.
func NewTimeLog(l Logger) TimeLog {
	return TimeLog{Or(l), time.Now()}
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	t.logger.Debugf(format+": %s", append(args, time.Since(t.start))...)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	t.logger.Infof(format+": %s", append(args, time.Since(t.start))...)
}
