package ulogger

import (
	"sync"
	"testing"
)

// VerboseTestLogger routes every line through t.Logf so output shows up with -v.
type VerboseTestLogger struct {
	t     testing.TB
	mutex sync.Mutex
}

func NewVerboseTestLogger(t testing.TB) *VerboseTestLogger {
	return &VerboseTestLogger{t: t}
}

func (l *VerboseTestLogger) LogLevel() int {
	return 0
}

func (l *VerboseTestLogger) SetLogLevel(string) {}

func (l *VerboseTestLogger) New(service string, _ ...Option) Logger {
	return &prefixedTestLogger{parent: l, service: service}
}

func (l *VerboseTestLogger) Duplicate(...Option) Logger {
	return l
}

func (l *VerboseTestLogger) log(level, format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.t.Logf("["+level+"] "+format, args...)
}

func (l *VerboseTestLogger) Debugf(format string, args ...interface{}) {
	l.log("DEBUG", format, args...)
}

func (l *VerboseTestLogger) Infof(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *VerboseTestLogger) Warnf(format string, args ...interface{}) {
	l.log("WARN", format, args...)
}

func (l *VerboseTestLogger) Errorf(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *VerboseTestLogger) Fatalf(format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.t.Fatalf("[FATAL] "+format, args...)
}

type prefixedTestLogger struct {
	parent  *VerboseTestLogger
	service string
}

func (p *prefixedTestLogger) LogLevel() int { return 0 }

func (p *prefixedTestLogger) SetLogLevel(string) {}

func (p *prefixedTestLogger) New(service string, options ...Option) Logger {
	return p.parent.New(service, options...)
}

func (p *prefixedTestLogger) Duplicate(...Option) Logger { return p }

func (p *prefixedTestLogger) Debugf(format string, args ...interface{}) {
	p.parent.log("DEBUG", p.service+" "+format, args...)
}

func (p *prefixedTestLogger) Infof(format string, args ...interface{}) {
	p.parent.log("INFO", p.service+" "+format, args...)
}

func (p *prefixedTestLogger) Warnf(format string, args ...interface{}) {
	p.parent.log("WARN", p.service+" "+format, args...)
}

func (p *prefixedTestLogger) Errorf(format string, args ...interface{}) {
	p.parent.log("ERROR", p.service+" "+format, args...)
}

func (p *prefixedTestLogger) Fatalf(format string, args ...interface{}) {
	p.parent.Fatalf(p.service+" "+format, args...)
}
