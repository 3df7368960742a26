package scripting

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultLogBufferSize is the number of console entries a session retains.
const DefaultLogBufferSize = 1000

// LogEntry represents a single console entry with metadata.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// LogHook observes console entries as they are written.
type LogHook func(LogEntry)

// ConsoleLog captures a session's console output in a bounded buffer, while
// forwarding each record to the host logger.
type ConsoleLog struct {
	logger *slog.Logger
	buf    *logBuffer
}

// NewConsoleLog creates a ConsoleLog retaining at most maxEntries entries.
// Records are forwarded to next when it is non-nil, and to hook, which is
// called synchronously and must not block.
func NewConsoleLog(maxEntries int, next slog.Handler, hook LogHook) *ConsoleLog {
	if maxEntries <= 0 {
		maxEntries = DefaultLogBufferSize
	}
	buf := &logBuffer{
		entries: make([]LogEntry, 0, min(maxEntries, 64)),
		maxSize: maxEntries,
		hook:    hook,
	}
	return &ConsoleLog{
		logger: slog.New(&ConsoleLogHandler{buf: buf, next: next}),
		buf:    buf,
	}
}

// Logger returns the slog.Logger writing to the buffer.
func (l *ConsoleLog) Logger() *slog.Logger { return l.logger }

type logBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	hook    LogHook
}

// ConsoleLogHandler implements slog.Handler for ConsoleLog.
type ConsoleLogHandler struct {
	buf    *logBuffer
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

// Enabled implements slog.Handler. The buffer records every level.
func (h *ConsoleLogHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *ConsoleLogHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+record.NumAttrs())
	prefix := strings.Join(h.groups, ".")
	add := func(a slog.Attr) bool {
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		attrs[key] = a.Value.String()
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	record.Attrs(add)

	entry := LogEntry{
		Time:    record.Time,
		Level:   record.Level,
		Message: record.Message,
		Attrs:   attrs,
	}

	h.buf.mu.Lock()
	h.buf.entries = append(h.buf.entries, entry)
	if len(h.buf.entries) > h.buf.maxSize {
		h.buf.entries = slices.Delete(h.buf.entries, 0, len(h.buf.entries)-h.buf.maxSize)
	}
	hook := h.buf.hook
	h.buf.mu.Unlock()

	if hook != nil {
		hook(entry)
	}
	if h.next != nil && h.next.Enabled(ctx, record.Level) {
		return h.next.Handle(ctx, record)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *ConsoleLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(slices.Clip(h.attrs), attrs...)
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return &c
}

// WithGroup implements slog.Handler.
func (h *ConsoleLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = append(slices.Clip(h.groups), name)
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return &c
}

// Entries returns all retained entries, oldest first.
func (l *ConsoleLog) Entries() []LogEntry {
	l.buf.mu.RLock()
	defer l.buf.mu.RUnlock()
	return slices.Clone(l.buf.entries)
}

// Recent returns the most recent n entries.
func (l *ConsoleLog) Recent(n int) []LogEntry {
	l.buf.mu.RLock()
	defer l.buf.mu.RUnlock()
	if n <= 0 || n > len(l.buf.entries) {
		n = len(l.buf.entries)
	}
	return slices.Clone(l.buf.entries[len(l.buf.entries)-n:])
}

// Search returns the entries whose message or attributes contain query,
// ignoring case.
func (l *ConsoleLog) Search(query string) []LogEntry {
	l.buf.mu.RLock()
	defer l.buf.mu.RUnlock()

	query = strings.ToLower(query)
	var matches []LogEntry
	for _, entry := range l.buf.entries {
		if strings.Contains(strings.ToLower(entry.Message), query) {
			matches = append(matches, entry)
			continue
		}
		for key, value := range entry.Attrs {
			if strings.Contains(strings.ToLower(key), query) ||
				strings.Contains(strings.ToLower(value), query) {
				matches = append(matches, entry)
				break
			}
		}
	}
	return matches
}

// Clear removes all entries.
func (l *ConsoleLog) Clear() {
	l.buf.mu.Lock()
	defer l.buf.mu.Unlock()
	l.buf.entries = l.buf.entries[:0]
}
