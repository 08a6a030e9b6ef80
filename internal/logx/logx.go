// Package logx provides the component-scoped logger used across filterproxy:
// one instance per package, level-gated, writing caller-annotated lines to
// stdout/stderr, with adapters so gin and gorm log through the same sink.
package logx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	glogger "gorm.io/gorm/logger"
)

type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var globalLevel = int32(Info)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "info":
		return Info
	case "off", "silent":
		return Off
	default:
		return Error
	}
}

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Off:
		return "off"
	default:
		return "error"
	}
}

func levelTag(l Level) string {
	switch l {
	case Trace:
		return "[TRACE]"
	case Debug:
		return "[DEBUG]"
	case Info:
		return "[INFO]"
	case Warn:
		return "[WARN]"
	case Error:
		return "[ERROR]"
	default:
		return "[ERROR]"
	}
}

func SetLevel(l Level)        { atomic.StoreInt32(&globalLevel, int32(l)) }
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }
func GetLevel() Level         { return Level(atomic.LoadInt32(&globalLevel)) }
func GetLevelString() string  { return GetLevel().String() }

var (
	appInfoW io.Writer = os.Stdout
	appErrW  io.Writer = os.Stderr
)

type Logger struct {
	level int32
	pfx   atomic.Value
}

type Option func(*Logger)

func WithPrefix(p string) Option { return func(l *Logger) { l.pfx.Store(strings.TrimSpace(p)) } }
func WithLogLevel(lvl Level) Option {
	return func(l *Logger) { atomic.StoreInt32(&l.level, int32(lvl)) }
}

func New(opts ...Option) *Logger {
	l := &Logger{level: -1}
	l.pfx.Store("")
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Logger) effLevel() Level {
	if lv := atomic.LoadInt32(&l.level); lv >= 0 {
		return Level(lv)
	}
	return GetLevel()
}

func (l *Logger) SetLevel(lv Level)       { atomic.StoreInt32(&l.level, int32(lv)) }
func (l *Logger) shouldLog(at Level) bool { return l.effLevel() <= at && at < Off }

func (l *Logger) dstFor(at Level) io.Writer {
	if at >= Error {
		return appErrW
	}
	return appInfoW
}

func (l *Logger) site(skip int) string {
	if _, f, ln, ok := runtime.Caller(skip); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	return "-"
}

func (l *Logger) out(at Level, format string, args ...any) {
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	site := l.site(3)
	pfx := l.pfx.Load().(string)
	var b bytes.Buffer
	if pfx != "" {
		fmt.Fprintf(&b, "%s %s: %s %s - ", ts, site, levelTag(at), pfx)
	} else {
		fmt.Fprintf(&b, "%s %s: %s - ", ts, site, levelTag(at))
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	_, _ = l.dstFor(at).Write(b.Bytes())
}

func (l *Logger) Tracef(format string, args ...any) {
	if l.shouldLog(Trace) {
		l.out(Trace, format, args...)
	}
}
func (l *Logger) Debugf(format string, args ...any) {
	if l.shouldLog(Debug) {
		l.out(Debug, format, args...)
	}
}
func (l *Logger) Infof(format string, args ...any) {
	if l.shouldLog(Info) {
		l.out(Info, format, args...)
	}
}
func (l *Logger) Warnf(format string, args ...any) {
	if l.shouldLog(Warn) {
		l.out(Warn, format, args...)
	}
}
func (l *Logger) Errorf(format string, args ...any) {
	if l.shouldLog(Error) {
		l.out(Error, format, args...)
	}
}

func NewStdInfo() *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix
	return log.New(os.Stdout, "[INFO] ", flags)
}
func NewStdErr() *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix
	return log.New(os.Stderr, "[ERROR] ", flags)
}

var ginExclude = []string{"/gin-gonic/gin", "github.com/gin-gonic/gin", "/net/http", "runtime/", "/logx/"}
var gormExclude = []string{"gorm.io/gorm", "gorm.io/driver", "/database/sql", "runtime/", "/logx/"}

func findCaller(excludes []string, additionalSkip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2+additionalSkip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if fr.File != "" {
			skip := false
			for _, e := range excludes {
				if strings.Contains(fr.File, e) {
					skip = true
					break
				}
			}
			if !skip {
				return fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line)
			}
		}
		if !more {
			break
		}
	}
	return "-"
}

// GinWriter routes gin's request/debug log lines through the same
// timestamp/caller-annotated format as the rest of the proxy.
type GinWriter struct{}

func (GinWriter) Write(p []byte) (int, error) {
	lines := bytes.Split(p, []byte{'\n'})
	written := 0
	for _, ln := range lines {
		ln = bytes.TrimSpace(ln)
		if len(ln) == 0 {
			continue
		}
		lvl, msg := ginDetect(string(ln))
		site := findCaller(ginExclude, 1)
		dst := appInfoW
		if lvl >= Error {
			dst = appErrW
		}
		var b bytes.Buffer
		ts := time.Now().Format("2006/01/02 15:04:05.000000")
		fmt.Fprintf(&b, "%s %s: %s gin - %s\n", ts, site, levelTag(lvl), msg)
		m, _ := dst.Write(b.Bytes())
		written += m
	}
	return written, nil
}

func ginDetect(s string) (Level, string) {
	if strings.Contains(s, "[WARNING]") || strings.Contains(s, "[WARN]") {
		return Warn, stripGinPrefix(s)
	}
	if strings.Contains(s, "[ERROR]") {
		return Error, stripGinPrefix(s)
	}
	if strings.HasPrefix(s, "[GIN-debug]") || strings.Contains(s, "-->") {
		return Debug, stripGinPrefix(s)
	}
	return Info, stripGinPrefix(s)
}

func stripGinPrefix(s string) string {
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "]"); i >= 0 && i+1 < len(s) {
			s = strings.TrimSpace(s[i+1:])
		}
	}
	return s
}

// InstallGinWriters points gin's default writers at the shared logx sink.
// Call once during startup before building the gin engine.
func InstallGinWriters() {
	gin.DefaultWriter = GinWriter{}
	gin.DefaultErrorWriter = GinWriter{}
}

// gormSplitLogger adapts gorm's Interface to the same sink/format.
type gormSplitLogger struct {
	level glogger.LogLevel
	slow  time.Duration
}

func NewGormLogger(level string, slowThreshold time.Duration) glogger.Interface {
	return &gormSplitLogger{level: toGormLevel(level), slow: slowThreshold}
}

func (l *gormSplitLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func gormWrite(dst io.Writer, lvl Level, site, msg string) {
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var b bytes.Buffer
		fmt.Fprintf(&b, "%s %s: %s gorm - %s\n", ts, site, levelTag(lvl), line)
		_, _ = dst.Write(b.Bytes())
	}
}

func (l *gormSplitLogger) Info(ctx context.Context, s string, args ...any) {
	if l.level >= glogger.Info {
		gormWrite(appInfoW, Info, findCaller(gormExclude, 1), fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Warn(ctx context.Context, s string, args ...any) {
	if l.level >= glogger.Warn {
		gormWrite(appInfoW, Warn, findCaller(gormExclude, 1), fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Error(ctx context.Context, s string, args ...any) {
	if l.level >= glogger.Error {
		gormWrite(appErrW, Error, findCaller(gormExclude, 1), fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == glogger.Silent {
		return
	}
	site := findCaller(gormExclude, 1)
	elapsed := time.Since(begin)
	sql, rows := fc()
	rowStr := "-"
	if rows >= 0 {
		rowStr = fmt.Sprintf("%d", rows)
	}
	ms := float64(elapsed.Microseconds()) / 1000.0
	switch {
	case err != nil && l.level >= glogger.Error:
		gormWrite(appErrW, Error, site, fmt.Sprintf("[%.3fms] rows=%s %s | err=%v", ms, rowStr, sql, err))
	case l.slow > 0 && elapsed > l.slow && l.level >= glogger.Warn:
		gormWrite(appInfoW, Warn, site, fmt.Sprintf("[SLOW >= %s] [%.3fms] rows=%s %s", l.slow, ms, rowStr, sql))
	case l.level >= glogger.Info:
		gormWrite(appInfoW, Debug, site, fmt.Sprintf("[%.3fms] rows=%s %s", ms, rowStr, sql))
	}
}

func toGormLevel(s string) glogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off":
		return glogger.Silent
	case "error":
		return glogger.Error
	case "warn", "warning":
		return glogger.Warn
	case "debug":
		return glogger.Info
	case "info":
		return glogger.Warn
	default:
		return glogger.Warn
	}
}

func GormLoggerDefault(level string) glogger.Interface {
	return NewGormLogger(level, 500*time.Millisecond)
}
