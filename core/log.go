package core

import (
	"fmt"
	"time"
)

type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

var (
	// Verbose is set when we want to be exceptionally verbose.
	Verbose bool

	// mode is the minimum severity that gets logged.
	mode = InfoMode
)

// Logger provides a way for the application to log messages at different severities.
type Logger interface {
	// Debugf formats its arguments analogous to fmt.Printf and records the text as a log
	// message at Debug level.
	Debugf(format string, args ...interface{})

	// Infof is like Debugf, but at Info level.
	Infof(format string, args ...interface{})

	// Warningf is like Debugf, but at Warning level.
	Warningf(format string, args ...interface{})

	// Errorf is like Debugf, but at Error level.
	Errorf(format string, args ...interface{})

	// Criticalf is like Debugf, but at Critical level.
	Criticalf(format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

// SetLogMode sets the severity required for a log message to be printed.
// For example, SetLogMode(core.WarningMode) will log any calls using
// Warningf, Errorf, or Criticalf.  To turn off all logging, use SilentMode.
func SetLogMode(newMode ModeFlag) {
	mode = newMode
}

// LogMode returns the current logging severity threshold.
func LogMode() ModeFlag {
	return mode
}

func Debugf(format string, args ...interface{}) {
	if mode <= DebugMode {
		logger.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if mode <= InfoMode {
		logger.Infof(format, args...)
	}
}

func Warningf(format string, args ...interface{}) {
	if mode <= WarningMode {
		logger.Warningf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if mode <= ErrorMode {
		logger.Errorf(format, args...)
	}
}

func Criticalf(format string, args ...interface{}) {
	if mode <= CriticalMode {
		logger.Criticalf(format, args...)
	}
}

// Shutdown closes any log file in use.
func Shutdown() {
	logger.Shutdown()
}

// TimeLog adds elapsed time to logging.
// Example:
//
//	mylog := NewTimeLog()
//	...
//	mylog.Debugf("stuff happened")  // Appends elapsed time from NewTimeLog() to message.
type TimeLog struct {
	logger Logger
	start  time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{logger, time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) Debugf(format string, args ...interface{}) {
	if mode <= DebugMode {
		t.logger.Debugf(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	if mode <= InfoMode {
		t.logger.Infof(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Warningf(format string, args ...interface{}) {
	if mode <= WarningMode {
		t.logger.Warningf(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	if mode <= ErrorMode {
		t.logger.Errorf(format+": %s\n", append(args, time.Since(t.start))...)
	}
}

// TimeInfof logs at Info level with the wall-clock time prepended.  Useful for
// long startup operations like loading a merge table.
func TimeInfof(format string, args ...interface{}) {
	if mode <= InfoMode {
		logger.Infof("%s "+format, append([]interface{}{time.Now().Format("15:04:05.000")}, args...)...)
	}
}

// RequestLog prefixes every message with a fixed request description, e.g.
// "User bergs: Body 123: ", and can time scoped sections of a request.
type RequestLog struct {
	prefix string
	start  time.Time
}

// NewRequestLog returns a RequestLog whose messages start with the formatted prefix.
func NewRequestLog(format string, args ...interface{}) *RequestLog {
	return &RequestLog{prefix: fmt.Sprintf(format, args...), start: time.Now()}
}

// Elapsed returns the time since the request log was created.
func (r *RequestLog) Elapsed() time.Duration {
	return time.Since(r.start)
}

func (r *RequestLog) Debugf(format string, args ...interface{}) {
	Debugf(r.prefix+format, args...)
}

func (r *RequestLog) Infof(format string, args ...interface{}) {
	Infof(r.prefix+format, args...)
}

func (r *RequestLog) Warningf(format string, args ...interface{}) {
	Warningf(r.prefix+format, args...)
}

func (r *RequestLog) Errorf(format string, args ...interface{}) {
	Errorf(r.prefix+format, args...)
}

// Timer logs the start of a named section and returns a function that logs its
// completion along with the elapsed time.  Use with defer:
//
//	defer reqlog.Timer("Extracting body graph")()
func (r *RequestLog) Timer(section string) func() {
	start := time.Now()
	r.Infof("%s...", section)
	return func() {
		r.Infof("%s took %s", section, time.Since(start))
	}
}
