package somebuild

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gookit/color"
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// Logger prints "-> " prefixed status lines. Each call is a single write so
// a Reporter can keep the lines clear of its bars. A nil *Logger discards.
type Logger struct {
	w     io.Writer
	debug bool
}

func NewLogger(w io.Writer, debug bool) *Logger {
	return &Logger{w: w, debug: debug}
}

func (l *Logger) line(s string) {
	if l == nil {
		return
	}
	io.WriteString(l.w, s+"\n")
}

// logText formats without the trailing newline so color codes wrap the text only.
func logText(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

// Infof prints a step announcement.
func (l *Logger) Infof(format string, args ...any) {
	l.line(colArrow.Sprint("-> ") + colSuccess.Sprint(logText(format, args...)))
}

// Notef prints secondary detail such as resolved paths.
func (l *Logger) Notef(format string, args ...any) {
	l.line(colArrow.Sprint("-> ") + colNote.Sprint(logText(format, args...)))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.line(colArrow.Sprint("-> ") + colWarn.Sprint(logText(format, args...)))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.line(colError.Sprint(logText(format, args...)))
}

// Debugf prints only when debugging is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.debug {
		return
	}
	l.line(colInfo.Sprint(logText(format, args...)))
}

// lineWriter forwards complete lines of a byte stream to the underlying
// writer one at a time. Flush emits a trailing partial line.
type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		if _, err := lw.w.Write(lw.buf[:i+1]); err != nil {
			return len(p), err
		}
		lw.buf = lw.buf[i+1:]
	}
	return len(p), nil
}

func (lw *lineWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.buf) == 0 {
		return nil
	}
	_, err := fmt.Fprintf(lw.w, "%s\n", lw.buf)
	lw.buf = nil
	return err
}
