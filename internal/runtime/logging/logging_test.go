package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{FieldSubject: "orders.create"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("handler failed", errors.New("boom"), LogFields{FieldProcessingTime: 12.5})

	child := logger.With(LogFields{FieldTenant: "acme"})
	child.Info("child_info", nil)

	if len(*base.sink) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(*base.sink))
	}
	entries := *base.sink
	if entries[0].level != "debug" || entries[0].fields[FieldSubject] != "orders.create" {
		t.Fatalf("unexpected first entry: %#v", entries[0])
	}
	if entries[3].level != "error" || entries[3].err == nil {
		t.Fatalf("expected error entry, got %#v", entries[3])
	}
	if entries[4].level != "with" || entries[4].fields[FieldTenant] != "acme" {
		t.Fatalf("expected with entry carrying tenant, got %#v", entries[4])
	}
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the same logger")
	}
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	rec := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(rec)

	adapter.Info("published", watermill.LogFields{"topic": "events"})
	adapter.Error("nack", errors.New("fail"), nil)

	if len(rec.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(rec.entries))
	}
	if rec.entries[0].fields["topic"] != "events" {
		t.Fatalf("expected topic field, got %#v", rec.entries[0].fields)
	}
	if rec.entries[1].fields != nil {
		t.Fatalf("expected nil fields for empty watermill fields, got %#v", rec.entries[1].fields)
	}
}

func TestWatermillAdapterPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when adapter nil")
		}
	}()
	NewWatermillAdapter(nil)
}

func TestNopLoggerAndOrNop(t *testing.T) {
	logger := OrNop(nil)
	logger.Info("dropped", LogFields{"k": "v"})
	logger.With(LogFields{"k": "v"}).Error("dropped", errors.New("x"), nil)

	rec := &recordingServiceLogger{}
	if OrNop(rec) != rec {
		t.Fatal("expected OrNop to keep a non-nil logger")
	}
}

func TestMergeLaterWins(t *testing.T) {
	merged := Merge(LogFields{"a": 1, "b": 1}, nil, LogFields{"b": 2})
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Fatalf("unexpected merge result: %#v", merged)
	}
}

func TestNewSlogServiceLoggerWritesRecords(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewTextHandler(buf, nil))
	logger := NewSlogServiceLogger(base)
	logger.Info("hello", LogFields{FieldRoute: "greet"})

	if !strings.Contains(buf.String(), "hello") || !strings.Contains(buf.String(), "route=greet") {
		t.Fatalf("expected slog output with route, got %q", buf.String())
	}
}

func TestEntryServiceLoggerAppliesFields(t *testing.T) {
	sink := &[]loggedEntry{}
	logger := NewEntryServiceLogger(&fakeEntry{sink: sink, fields: LogFields{}})

	child := logger.With(LogFields{FieldTenant: "acme"})
	child.Info("accepted", LogFields{FieldRoute: "orders"})
	child.Error("rejected", errors.New("boom"), nil)
	logger.Debug("plain", nil)

	if len(*sink) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(*sink))
	}
	first := (*sink)[0]
	if first.level != "info" || first.fields[FieldTenant] != "acme" || first.fields[FieldRoute] != "orders" {
		t.Fatalf("unexpected info entry: %#v", first)
	}
	if (*sink)[1].level != "error" || (*sink)[1].err == nil || (*sink)[1].fields[FieldTenant] != "acme" {
		t.Fatalf("expected error entry with tenant, got %#v", (*sink)[1])
	}
	if _, ok := (*sink)[2].fields[FieldTenant]; ok {
		t.Fatalf("parent logger picked up child fields: %#v", (*sink)[2])
	}
}

func TestWarnUsesNativeLevel(t *testing.T) {
	sink := &[]loggedEntry{}
	Warn(NewEntryServiceLogger(&fakeEntry{sink: sink, fields: LogFields{}}), "unmatched", LogFields{FieldRequestID: "r-1"})

	if len(*sink) != 1 || (*sink)[0].level != "warn" || (*sink)[0].fields[FieldRequestID] != "r-1" {
		t.Fatalf("expected one warn entry, got %#v", *sink)
	}
}

func TestWarnFallsBackToSeverityField(t *testing.T) {
	rec := &recordingServiceLogger{}
	Warn(rec, "unmatched", LogFields{FieldRequestID: "r-1"})

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(rec.entries))
	}
	entry := rec.entries[0]
	if entry.level != "info" || entry.fields[FieldSeverity] != "warn" || entry.fields[FieldRequestID] != "r-1" {
		t.Fatalf("expected info entry marked warn, got %#v", entry)
	}
}

type fakeEntry struct {
	sink   *[]loggedEntry
	fields LogFields
	err    error
}

func (f *fakeEntry) log(level string, args []any) {
	msg, _ := args[0].(string)
	*f.sink = append(*f.sink, loggedEntry{level: level, msg: msg, fields: f.fields, err: f.err})
}

func (f *fakeEntry) Error(args ...any) { f.log("error", args) }
func (f *fakeEntry) Warn(args ...any) { f.log("warn", args) }
func (f *fakeEntry) Info(args ...any) { f.log("info", args) }
func (f *fakeEntry) Debug(args ...any) { f.log("debug", args) }
func (f *fakeEntry) Trace(args ...any) { f.log("trace", args) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	return &fakeEntry{sink: f.sink, fields: f.fields, err: err}
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	return &fakeEntry{sink: f.sink, fields: Merge(f.fields, LogFields{key: value}), err: f.err}
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

type recordingWatermillLogger struct {
	sink *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{sink: &[]watermillEntry{}}
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	r.record(watermillEntry{level: "with", fields: fields})
	return &recordingWatermillLogger{sink: r.sink}
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger { return r }

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
