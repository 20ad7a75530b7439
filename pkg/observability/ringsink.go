package observability

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// RingSink is a bounded in-memory zapcore.Core that keeps the last N
// rendered log lines, backing the diagnostic getLogEntries/clearLog
// commands without requiring callers to tail the on-disk log file.
type RingSink struct {
	mu      sync.Mutex
	enc     zapcore.Encoder
	level   zapcore.LevelEnabler
	cap     int
	entries []string
}

// NewRingSink builds a RingSink holding up to capacity rendered entries.
func NewRingSink(enc zapcore.Encoder, level zapcore.LevelEnabler, capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 200
	}
	return &RingSink{enc: enc, level: level, cap: capacity}
}

func (r *RingSink) Enabled(lvl zapcore.Level) bool { return r.level.Enabled(lvl) }

func (r *RingSink) With(fields []zapcore.Field) zapcore.Core {
	clone := *r
	clone.enc = r.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (r *RingSink) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if r.Enabled(ent.Level) {
		return ce.AddCore(ent, r)
	}
	return ce
}

func (r *RingSink) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := r.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := buf.String()
	buf.Free()

	r.mu.Lock()
	r.entries = append(r.entries, line)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	r.mu.Unlock()
	return nil
}

func (r *RingSink) Sync() error { return nil }

// Entries returns the most recent limit entries (or all of them if limit
// is <= 0 or exceeds what's held), oldest first.
func (r *RingSink) Entries(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	start := len(r.entries) - limit
	out := make([]string, limit)
	copy(out, r.entries[start:])
	return out
}

// Clear discards all held entries.
func (r *RingSink) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}
