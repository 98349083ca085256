// Package audit keeps a tamper-evident record of privacy-relevant actions:
// when the microphone was opened, when usage tracking or random screenshots
// ran, and which files were written on a renderer's behalf.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/deskcap/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventDaemonStart        = "daemon_start"
	EventDaemonStop         = "daemon_stop"
	EventCaptureStarted     = "capture_started"
	EventCaptureStopped     = "capture_stop_requested"
	EventTrackingStarted    = "tracking_started"
	EventTrackingStopped    = "tracking_stopped"
	EventScreenshotsStarted = "random_screenshots_started"
	EventScreenshotsStopped = "random_screenshots_stopped"
	EventSnapshotTaken      = "snapshot_taken"
	EventFileWritten        = "file_written"
	EventLogRotated         = "log_rotated"
)

const genesisHash = "genesis"

var ErrChainBroken = errors.New("audit: hash chain broken")

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventDaemonStart:     true,
	EventDaemonStop:      true,
	EventCaptureStarted:  true,
	EventTrackingStarted: true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Source    string         `json:"source,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Options configure a Logger.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// Logger writes JSONL audit records linked by a SHA-256 hash chain. On
// rotation the new file starts with a log_rotated entry whose prevHash is
// the last hash of the old file, and a reopened log continues the chain of
// the existing file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens {Dir}/audit.jsonl for appending.
func NewLogger(opts Options) (*Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(opts.Dir, "audit.jsonl"),
		maxSize:    int64(opts.MaxSizeMB) * 1024 * 1024,
		maxBackups: opts.MaxBackups,
	}
	prev, err := lastHash(l.filePath)
	if err != nil {
		log.Warn("could not resume audit chain, starting a new one", logging.KeyError, err)
		prev = genesisHash
	}
	l.prevHash = prev

	if err := l.openFile(); err != nil {
		return nil, err
	}
	log.Info("audit log opened", "file", l.filePath)
	return l, nil
}

// Path is the current log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log appends one entry. The chain only advances after a successful write,
// so a failed write leaves no gap. A nil Logger discards entries.
func (l *Logger) Log(eventType, source string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Source:    source,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	if err := l.appendLocked(entry, true); err != nil {
		log.Error("audit entry dropped", "eventType", eventType, logging.KeyError, err)
		l.dropped.Add(1)
	}
}

func (l *Logger) appendLocked(entry Entry, allowRotate bool) error {
	hash, err := computeHash(entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if allowRotate && l.written > 0 && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		entry.PrevHash = l.prevHash
		return l.appendLocked(entry, false)
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[entry.EventType] {
		if err := l.file.Sync(); err != nil {
			log.Warn("fsync of critical audit entry failed", "eventType", entry.EventType, logging.KeyError, err)
		}
	}
	return nil
}

// Close closes the log file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil Logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash length-prefixes every field so that no two field
// combinations hash the same input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Source, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	linkHash := l.prevHash
	if l.file != nil {
		l.file.Close()
	}

	// Shift backups: .N is dropped, .N-1 becomes .N, and so on.
	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("remove oldest audit backup", "file", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("rename audit backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("rename current audit log", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  linkHash,
		Details:   map[string]any{"previousFile": filepath.Base(l.backupName(1))},
	}
	return l.appendLocked(sentinel, false)
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastHash returns the entryHash of the final record in path, or genesis
// when the file is missing or empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return genesisHash, nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	last := genesisHash
	err = scanEntries(f, func(_ int, e Entry) error {
		last = e.EntryHash
		return nil
	})
	return last, err
}

func scanEntries(r io.Reader, fn func(line int, e Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(line, e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// VerifyResult summarizes a verified log file.
type VerifyResult struct {
	Path      string `json:"path"`
	Entries   int    `json:"entries"`
	FirstPrev string `json:"firstPrevHash"`
	LastHash  string `json:"lastHash"`
}

// Verify recomputes every hash in path and checks that each entry links to
// the one before it. The first entry may link to genesis or, after a
// rotation, to the previous file.
func Verify(path string) (VerifyResult, error) {
	res := VerifyResult{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	prev := ""
	err = scanEntries(f, func(line int, e Entry) error {
		want, err := computeHash(e)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if e.EntryHash != want {
			return fmt.Errorf("%w: line %d hash mismatch", ErrChainBroken, line)
		}
		if res.Entries == 0 {
			res.FirstPrev = e.PrevHash
		} else if e.PrevHash != prev {
			return fmt.Errorf("%w: line %d does not link to line %d", ErrChainBroken, line, line-1)
		}
		prev = e.EntryHash
		res.Entries++
		return nil
	})
	res.LastHash = prev
	return res, err
}
