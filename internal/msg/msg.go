// Package msg is gup's logging surface: colored Error/Warn/Fatal/Info
// helpers plus an IndentWriter, built around a verbosity level and a
// nesting indent so recursive `gup` invocations read with each level of
// recursion indented two spaces deeper.
package msg

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Level gates which calls actually print: <0 errors only, 0 info and
// above, 1 adds debug-level trace, >1 adds per-process trace detail.
type Level int

const (
	LevelErrorOnly Level = -1
	LevelInfo      Level = 0
	LevelDebug     Level = 1
	LevelTrace     Level = 2
)

// Logger is a small, explicitly-threaded alternative to a package-level
// verbosity global: every caller that wants gated logging holds one of
// these instead of reading ambient state.
type Logger struct {
	Verbosity int
	Indent    string
	pid       int
}

func New(verbosity int, indent string) *Logger {
	return &Logger{Verbosity: verbosity, Indent: indent, pid: os.Getpid()}
}

func (l *Logger) prefix() string {
	if l.Verbosity > 1 {
		return fmt.Sprintf("gup[%d] %s", l.pid, l.Indent)
	}
	return "gup  " + l.Indent
}

func (l *Logger) Error(format string, a ...any) {
	fmt.Fprint(os.Stderr, l.prefix())
	fmt.Fprint(os.Stderr, color.HiRedString("error"))
	fmt.Fprint(os.Stderr, ": ")
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
}

func (l *Logger) Warn(format string, a ...any) {
	if l.Verbosity < int(LevelInfo) {
		return
	}
	fmt.Fprint(os.Stderr, l.prefix())
	fmt.Fprint(os.Stderr, color.YellowString("warn"))
	fmt.Fprint(os.Stderr, ": ")
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
}

func (l *Logger) Info(format string, a ...any) {
	if l.Verbosity < int(LevelInfo) {
		return
	}
	fmt.Fprint(os.Stdout, l.prefix())
	fmt.Fprintf(os.Stdout, format, a...)
	fmt.Fprint(os.Stdout, "\n")
}

func (l *Logger) Debug(format string, a ...any) {
	if l.Verbosity < int(LevelDebug) {
		return
	}
	fmt.Fprint(os.Stderr, l.prefix())
	fmt.Fprint(os.Stderr, color.CyanString("debug"))
	fmt.Fprint(os.Stderr, ": ")
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
}

func (l *Logger) Trace(format string, a ...any) {
	if l.Verbosity < int(LevelTrace) {
		return
	}
	fmt.Fprint(os.Stderr, l.prefix())
	fmt.Fprint(os.Stderr, color.HiBlackString("trace"))
	fmt.Fprint(os.Stderr, ": ")
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
}

// Fatal prints an error and exits 1, independent of any Logger - used for
// CLI-level usage mistakes before a Root/Logger even exists.
func Fatal(format string, a ...any) {
	fmt.Fprint(os.Stderr, color.RedString("fatal"))
	fmt.Fprint(os.Stderr, ": ")
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprint(os.Stderr, "\n")
	os.Exit(1)
}

// IndentWriter prefixes every line written to W with Indent.
type IndentWriter struct {
	Indent    string
	W         io.Writer
	didIndent bool
}

func (w *IndentWriter) Write(p []byte) (n int, err error) {
	for _, c := range p {
		if !w.didIndent {
			w.W.Write([]byte(w.Indent))
			w.didIndent = true
		}
		w.W.Write([]byte{c})
		if c == '\n' || c == '\r' {
			w.didIndent = false
		}
	}
	return len(p), nil
}
