package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Log(EventCaptureStarted, "start-capture", map[string]any{"key": "value"})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
	if got := l.Path(); got != "" {
		t.Fatalf("nil Path() = %q, want empty", got)
	}
}

func TestNewLoggerCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	l, err := NewLogger(Options{Dir: dir})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	if l.Path() != filepath.Join(dir, "audit.jsonl") {
		t.Fatalf("Path() = %q", l.Path())
	}
	if l.maxSize != 10*1024*1024 || l.maxBackups != 3 {
		t.Fatalf("defaults not applied: maxSize=%d maxBackups=%d", l.maxSize, l.maxBackups)
	}
	if got := l.DroppedCount(); got != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDaemonStart, "", map[string]any{"version": "1.0"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.EventType != EventDaemonStart {
		t.Fatalf("eventType = %q, want %q", entry.EventType, EventDaemonStart)
	}
	if entry.PrevHash != genesisHash {
		t.Fatalf("prevHash = %q, want genesis", entry.PrevHash)
	}
	if entry.EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
	if entry.Details["version"] != "1.0" {
		t.Fatalf("details = %v", entry.Details)
	}
}

func TestHashChainLinking(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDaemonStart, "", nil)
	l.Log(EventCaptureStarted, "start-capture", map[string]any{"device": 1})
	l.Log(EventCaptureStopped, "stop-capture", nil)
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d].PrevHash = %q, want %q", i, entries[i].PrevHash, entries[i-1].EntryHash)
		}
	}
}

func TestReopenResumesChain(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Options{Dir: dir})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Log(EventDaemonStart, "", nil)
	l.Log(EventDaemonStop, "", nil)
	l.Close()

	l, err = NewLogger(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l.Log(EventDaemonStart, "", nil)
	l.Close()

	entries := readEntries(t, l.Path())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].PrevHash != entries[1].EntryHash {
		t.Fatalf("reopened chain did not link: %q != %q", entries[2].PrevHash, entries[1].EntryHash)
	}
	res, err := Verify(l.Path())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Entries != 3 || res.FirstPrev != genesisHash || res.LastHash != entries[2].EntryHash {
		t.Fatalf("Verify result = %+v", res)
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 200

	for i := 0; i < 10; i++ {
		l.Log(EventFileWritten, "write-file", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev != "audit.jsonl.1" {
		t.Fatalf("sentinel previousFile = %q", prev)
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if want := backup[len(backup)-1].EntryHash; entries[0].PrevHash != want {
		t.Fatalf("sentinel prevHash = %q, want %q", entries[0].PrevHash, want)
	}

	if _, err := os.Stat(l.filePath + ".4"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond maxBackups exists: %v", err)
	}
	if _, err := Verify(l.filePath); err != nil {
		t.Fatalf("Verify rotated file: %v", err)
	}
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventDaemonStart, EventDaemonStop, EventCaptureStarted, EventTrackingStarted} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be critical", e)
		}
	}
	for _, e := range []string{EventSnapshotTaken, EventFileWritten, EventLogRotated} {
		if criticalEvents[e] {
			t.Errorf("event %q should not be critical", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDaemonStart, "", nil)
	before := l.prevHash

	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventSnapshotTaken, "snapshot", nil)
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != before {
		t.Fatal("chain advanced past a dropped entry")
	}
	l.file.Close()
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventTrackingStarted, "start-tracking", map[string]any{"interval": 1})
	l.Log(EventTrackingStopped, "stop-tracking", nil)
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"interval":1`, `"interval":2`, 1)
	if err := os.WriteFile(l.filePath, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(l.filePath); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestVerifyDetectsRemovedEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDaemonStart, "", nil)
	l.Log(EventSnapshotTaken, "snapshot", nil)
	l.Log(EventDaemonStop, "", nil)
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	kept := lines[0] + "\n" + lines[2] + "\n"
	if err := os.WriteFile(l.filePath, []byte(kept), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(l.filePath); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestLengthPrefixedHashDistinguishesFields(t *testing.T) {
	a := Entry{Timestamp: "t", EventType: "ab", Source: "c", PrevHash: "p"}
	b := Entry{Timestamp: "t", EventType: "a", Source: "bc", PrevHash: "p"}
	ha, err := computeHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := computeHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Fatal("distinct field splits produced the same hash")
	}
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l := &Logger{
		filePath:   filepath.Join(t.TempDir(), "audit.jsonl"),
		maxSize:    50 * 1024 * 1024,
		maxBackups: 3,
		prevHash:   genesisHash,
	}
	if err := l.openFile(); err != nil {
		t.Fatalf("openFile: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
