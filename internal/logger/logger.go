// Package logger is the engine's structured console logger: a package-level
// DefaultLogger, chainable Info()/Success()/Error()/Warning()/Debug()/Verbose()
// events carrying an ordered set of correlation fields, and a SafeWriter
// serializing concurrent writes from many worker goroutines.
package logger

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

type Logger struct {
	mu      sync.Mutex
	verbose bool
	debug   bool
}

var DefaultLogger = &Logger{}

func init() {
	pterm.EnableDebugMessages()

	w := NewSafeWriter(os.Stdout)
	pterm.Info = *pterm.Info.WithWriter(w)
	pterm.Debug = *pterm.Debug.WithWriter(w)
	pterm.Error = *pterm.Error.WithWriter(w)
	pterm.Warning = *pterm.Warning.WithWriter(w)
	pterm.Success = *pterm.Success.WithWriter(w)
}

// SafeWriter serializes writes from concurrent worker goroutines and
// normalizes line endings.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSafeWriter(w io.Writer) *SafeWriter {
	return &SafeWriter{w: w}
}

func (sw *SafeWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	buf := make([]byte, 0, len(p)+2)
	buf = append(buf, '\r')
	buf = append(buf, p...)
	if !bytes.HasSuffix(buf, []byte("\n")) {
		buf = append(buf, '\n')
	}
	return sw.w.Write(buf)
}

// field is one rendered key=value correlation tag attached to an Event.
type field struct {
	key, value string
}

// fieldStyles maps a field's key to how it's rendered. Anything not listed
// here falls back to a plain bold "key=value" tag.
var fieldStyles = map[string]func(string) string{
	"host":  func(v string) string { return pterm.FgCyan.Sprintf("[%s] ", v) },
	"token": func(v string) string { return pterm.FgYellow.Sprintf("[%s] ", v) },
}

// Event is a single in-progress log line. Chain Field/Host/DebugToken calls
// to attach correlation tags, then call Msgf to render and print.
type Event struct {
	logger  *Logger
	printer pterm.PrefixPrinter
	fields  []field
}

func (l *Logger) newEvent(printer pterm.PrefixPrinter) *Event {
	return &Event{logger: l, printer: printer}
}

func Info() *Event    { return DefaultLogger.newEvent(pterm.Info) }
func Success() *Event { return DefaultLogger.newEvent(pterm.Success) }
func Error() *Event   { return DefaultLogger.newEvent(pterm.Error) }
func Warning() *Event { return DefaultLogger.newEvent(pterm.Warning) }

func Debug() *Event {
	if !DefaultLogger.IsDebugEnabled() {
		return nil
	}
	return DefaultLogger.newEvent(pterm.Debug)
}

func Verbose() *Event {
	if !DefaultLogger.IsVerboseEnabled() {
		return nil
	}
	return DefaultLogger.newEvent(pterm.Info)
}

// Field appends an ordered key=value correlation tag. Empty values are
// dropped so call sites don't need to guard optional fields.
func (e *Event) Field(key, value string) *Event {
	if e == nil || value == "" {
		return e
	}
	e.fields = append(e.fields, field{key, value})
	return e
}

// Host is a Field shorthand for the request host a log line concerns.
func (e *Event) Host(host string) *Event { return e.Field("host", host) }

// DebugToken is a Field shorthand for a per-item correlation id (Item.ID).
func (e *Event) DebugToken(token string) *Event { return e.Field("token", token) }

// Msgf renders the accumulated fields ahead of format/args and prints the
// line. A nil Event (debug/verbose disabled) is a safe no-op so call sites
// don't need to guard every log line.
func (e *Event) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.mu.Lock()
	defer e.logger.mu.Unlock()

	e.printer.Printfln(e.renderFields()+format, args...)
}

func (e *Event) renderFields() string {
	if len(e.fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range e.fields {
		if style, ok := fieldStyles[f.key]; ok {
			b.WriteString(style(f.value))
			continue
		}
		b.WriteString(pterm.Bold.Sprintf("%s=%s ", f.key, f.value))
	}
	return b.String()
}

func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = true
}

func (l *Logger) EnableVerbose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = true
}

func (l *Logger) IsDebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func (l *Logger) IsVerboseEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func IsDebugEnabled() bool   { return DefaultLogger.IsDebugEnabled() }
func IsVerboseEnabled() bool { return DefaultLogger.IsVerboseEnabled() }

// PrintRunSummary renders the engine's end-of-run tally as a boxed table,
// the same pterm.DefaultHeader/DefaultTable pairing the teacher uses for its
// results dump, repurposed here for dispatched/failures/empty_polls counters
// instead of a scan results grid.
func PrintRunSummary(dispatched, failures, emptyPolls int64) {
	DefaultLogger.mu.Lock()
	defer DefaultLogger.mu.Unlock()

	pterm.DefaultHeader.WithBackgroundStyle(pterm.NewStyle(pterm.BgCyan)).
		Println("Engine quit")

	table := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(pterm.TableData{
		{"metric", "value"},
		{"dispatched", itoa64(dispatched)},
		{"failures", itoa64(failures)},
		{"empty_polls", itoa64(emptyPolls)},
	})
	if rendered, err := table.Srender(); err == nil {
		pterm.Println(rendered)
	}
	os.Stdout.Sync()
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
