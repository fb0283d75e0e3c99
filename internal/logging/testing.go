package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that keeps every entry, trace level included, for
// assertions. Underlying() hands the same sink to services that take a
// *zap.Logger, so one TestLogger observes a whole System.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, logs: logs}
}

// All returns every entry in log order.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.logs.All()
}

// Entries returns the entries with message msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.logs.FilterMessage(msg).All()
}

// RequireEntry fails tb now unless exactly one entry has message msg at
// level, and returns its fields.
func (t *TestLogger) RequireEntry(tb testing.TB, level zapcore.Level, msg string) map[string]any {
	tb.Helper()
	var found []observer.LoggedEntry
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			found = append(found, e)
		}
	}
	if len(found) != 1 {
		tb.Fatalf("want one %v entry %q, got %d of %d entries", level, msg, len(found), t.logs.Len())
	}
	return found[0].ContextMap()
}

// AssertNoneAbove fails tb if anything was logged above level, e.g. a
// warning during a run that should have been clean.
func (t *TestLogger) AssertNoneAbove(tb testing.TB, level zapcore.Level) {
	tb.Helper()
	for _, e := range t.logs.All() {
		if e.Level > level {
			tb.Errorf("unexpected %v entry %q %v", e.Level, e.Message, e.ContextMap())
		}
	}
}
