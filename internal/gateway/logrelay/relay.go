// Package logrelay turns the gateway process's raw output streams into
// structured, severity-classified log records.
package logrelay

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// Severity is the classified level of a log record.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Record is one classified log line from the gateway process. Immutable once
// created.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Text      string    `json:"text"`
}

var (
	// CSI sequences, OSC sequences, and stray two-byte escapes.
	ansiCSI  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC  = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	ansiRest = regexp.MustCompile(`\x1b[@-_]`)

	timestampLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?|\d{2}:\d{2}:\d{2})`)
	levelToken    = regexp.MustCompile(`(?i)^(trace|debug|info|warn|warning|error|fatal)$`)
)

var errorKeywords = []string{"error", "failed", "failure", "fatal", "panic", "exception", "traceback"}

var warnKeywords = []string{"warn", "deprecat"}

// Relay consumes raw byte chunks from the process's output streams, strips
// terminal control sequences, classifies each logical line, and forwards one
// Record per line. Records are appended to a bounded history and streamed
// live through the emit callback.
type Relay struct {
	logger *logger.Logger
	emit   func(Record)

	mu      sync.Mutex
	streams map[string]*streamState
	history []Record
	maxHist int
}

type streamState struct {
	partial string   // incomplete trailing line
	pending []string // candidate structured-frame lines (time, level, category)
}

// New creates a Relay. maxHistory bounds the retained record history; emit
// may be nil when only history is wanted.
func New(log *logger.Logger, maxHistory int, emit func(Record)) *Relay {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Relay{
		logger:  log.WithFields(zap.String("component", "log-relay")),
		emit:    emit,
		streams: make(map[string]*streamState),
		maxHist: maxHistory,
	}
}

// Consume ingests a raw chunk from the named stream ("stdout" or "stderr").
// It never panics; malformed input degrades to a best-effort single info
// record carrying the raw text.
func (r *Relay) Consume(stream string, chunk []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("log relay recovered", zap.Any("panic", rec))
			r.record(Record{Timestamp: time.Now().UTC(), Severity: SeverityInfo, Text: string(chunk)})
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[stream]
	if !ok {
		st = &streamState{}
		r.streams[stream] = st
	}

	text := st.partial + string(chunk)
	lines := strings.Split(text, "\n")
	st.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		r.consumeLine(st, line)
	}
}

// Flush emits any held partial lines and pending structured-frame lines as
// individual records. Called when the process exits.
func (r *Relay) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.streams {
		r.flushPending(st)
		if line := Strip(st.partial); strings.TrimSpace(line) != "" {
			r.record(classify(line))
		}
		st.partial = ""
	}
}

// History returns a snapshot of the retained records, oldest first.
func (r *Relay) History(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// Strip removes ANSI escape sequences and carriage returns from a line.
func Strip(line string) string {
	line = ansiCSI.ReplaceAllString(line, "")
	line = ansiOSC.ReplaceAllString(line, "")
	line = ansiRest.ReplaceAllString(line, "")
	return strings.ReplaceAll(line, "\r", "")
}

// consumeLine feeds one complete raw line through the structured-frame
// assembler, falling back to per-line keyword classification.
//
// The gateway's structured output is a four-line layout: a timestamp line, a
// bare level token, a category, then the message. The declared level token
// overrides the keyword heuristic for that frame.
func (r *Relay) consumeLine(st *streamState, raw string) {
	line := strings.TrimRight(Strip(raw), " \t")
	if strings.TrimSpace(line) == "" {
		// Empty lines break a structured frame and are discarded.
		r.flushPending(st)
		return
	}

	switch len(st.pending) {
	case 0:
		if timestampLine.MatchString(line) {
			st.pending = append(st.pending, line)
			return
		}
	case 1:
		if levelToken.MatchString(strings.TrimSpace(line)) {
			st.pending = append(st.pending, line)
			return
		}
		r.flushPending(st)
		r.consumeLine(st, raw)
		return
	case 2:
		st.pending = append(st.pending, line)
		return
	case 3:
		level := severityFromToken(strings.TrimSpace(st.pending[1]))
		category := strings.TrimSpace(st.pending[2])
		r.record(Record{
			Timestamp: time.Now().UTC(),
			Severity:  level,
			Text:      category + ": " + strings.TrimSpace(line),
		})
		st.pending = nil
		return
	}

	r.record(classify(line))
}

// flushPending degrades held structured-frame lines to individual records.
func (r *Relay) flushPending(st *streamState) {
	for _, held := range st.pending {
		r.record(classify(held))
	}
	st.pending = nil
}

func (r *Relay) record(rec Record) {
	r.history = append(r.history, rec)
	if len(r.history) > r.maxHist {
		r.history = r.history[len(r.history)-r.maxHist:]
	}
	if r.emit != nil {
		r.emit(rec)
	}
}

// classify applies the keyword heuristic: error keywords win over warn
// keywords, and everything else is info.
func classify(line string) Record {
	return Record{
		Timestamp: time.Now().UTC(),
		Severity:  Classify(line),
		Text:      line,
	}
}

// Classify returns the keyword-heuristic severity for a stripped line.
func Classify(line string) Severity {
	lower := strings.ToLower(line)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return SeverityError
		}
	}
	for _, kw := range warnKeywords {
		if strings.Contains(lower, kw) {
			return SeverityWarn
		}
	}
	return SeverityInfo
}

func severityFromToken(token string) Severity {
	switch strings.ToLower(token) {
	case "error", "fatal":
		return SeverityError
	case "warn", "warning":
		return SeverityWarn
	default:
		return SeverityInfo
	}
}
