// Package mlog provides logging with log levels and fields, on top of log/slog.
//
// Each log level has a function to log with and without error. Each such
// function takes a varargs list of attributes to log. Variable data should be in
// attributes. Logging strings themselves should be constant, for easier log
// processing.
//
// The log levels can be configured per originating package, e.g. imapconn,
// imapcmd. The configuration is application-global, so each Log instance uses the
// same log levels.
//
// Levels below debug are for protocol traces: trace for the protocol transcript,
// traceauth additionally for authentication data and tracedata for message data
// such as literals. When logging at trace level, traceauth lines are replaced with
// "***" and tracedata lines with "...".
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logfmt selects logfmt output ("l=info m=..."). Otherwise lines look like
// "info: message (key: value; ...)".
var Logfmt bool

const (
	LevelPrint     slog.Level = 12 // Printed regardless of configured log level.
	LevelFatal     slog.Level = 10 // Printed regardless of configured log level.
	LevelError     slog.Level = slog.LevelError
	LevelInfo      slog.Level = slog.LevelInfo
	LevelDebug     slog.Level = slog.LevelDebug
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -10
	LevelTracedata slog.Level = -12
)

var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Config returns a copy of the current log levels.
func Config() map[string]slog.Level {
	cl := config.Load().(map[string]slog.Level)
	r := make(map[string]slog.Level, len(cl))
	for k, v := range cl {
		r[k] = v
	}
	return r
}

// level returns the configured level for pkg, falling back to the default.
func level(pkg string) slog.Level {
	cl := config.Load().(map[string]slog.Level)
	if v, ok := cl[pkg]; ok {
		return v
	}
	return cl[""]
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger with functions for each level, with and without error.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds attribute "pkg" to each line. If logger is nil, a
// logger writing to stderr with the package-level configuration is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(NewHandler(os.Stderr))
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

// WithCid adds an attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With returns a Log that adds attrs to each line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Trace logs data at one of the trace levels, as a quoted string prefixed with
// prefix. Used for protocol transcripts.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	l.Logger.LogAttrs(context.Background(), level, prefix+fmt.Sprintf("%q", data))
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

// Check logs err at error level if it is not nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Handler is a slog.Handler writing mox-style lines, filtering on the
// per-package levels set with SetConfig.
type Handler struct {
	mu     *sync.Mutex
	w      io.Writer
	pkg    string
	attrs  []slog.Attr
	groups string
}

// NewHandler returns a handler writing to w.
func NewHandler(w io.Writer) *Handler {
	return &Handler{mu: &sync.Mutex{}, w: w}
}

func (h *Handler) Enabled(ctx context.Context, lvl slog.Level) bool {
	if lvl >= LevelFatal {
		return true
	}
	cl := level(h.pkg)
	if lvl >= cl {
		return true
	}
	// Traceauth/tracedata are printed in censored form when tracing.
	return cl <= LevelTrace && lvl < LevelTrace
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" && h.groups == "" {
			nh.pkg = a.Value.String()
		}
	}
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups += name + "."
	return &nh
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	lvl := r.Level
	if cl := level(h.pkg); lvl < cl && lvl < LevelFatal {
		switch {
		case lvl == LevelTraceauth:
			msg = "***"
		case lvl <= LevelTracedata:
			msg = "..."
		}
	}
	if lvl < LevelTrace {
		lvl = LevelTrace
	}

	var attrs []slog.Attr
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.groups != "" {
			a.Key = h.groups + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	if cidv := ctx.Value(CidKey); cidv != nil {
		attrs = append(attrs, slog.Any("cid", cidv))
	}

	// Build up a buffer for a single write of the data, so lines don't interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", LevelStrings[lvl], logfmtValue(msg))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[lvl], logfmtValue(msg))
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		if a.Key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		var l []string
		for _, ga := range v.Group() {
			l = append(l, ga.Key+"="+stringValue(ga))
		}
		return strings.Join(l, " ")
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case []byte:
			return fmt.Sprintf("%q", x)
		}
	}
	return v.String()
}
