// Package bronze implements the bronze storage tier: raw items appended
// verbatim, one JSONL file per source, before any normalization. Entries are
// write-once and immutable; the log exists for replay and debugging, never
// for serving.
package bronze

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/feedspine/feedspine/pkg/feed"
)

// ErrStopReplay ends a Replay scan early without error.
var ErrStopReplay = errors.New("stop replay")

// Entry is one captured raw item as written to the log.
type Entry struct {
	SourceID   string       `json:"sourceId"`
	CapturedAt time.Time    `json:"capturedAt"`
	Item       feed.RawItem `json:"item"`
}

// Log is an append-only raw-item log rooted at a directory. Appends to the
// same source serialize on a per-log mutex; files are opened O_APPEND so a
// crash can at worst truncate the final line, never corrupt earlier entries.
type Log struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewLog creates the root directory if needed and returns a Log.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bronze dir: %w", err)
	}
	return &Log{dir: dir, files: make(map[string]*os.File)}, nil
}

// Append writes one raw item to the source's log file.
func (l *Log) Append(ctx context.Context, item feed.RawItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := Entry{SourceID: item.SourceID, CapturedAt: time.Now().UTC(), Item: item}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal bronze entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.file(item.SourceID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append bronze entry: %w", err)
	}
	return nil
}

// Replay reads the source's log from the start, invoking fn per entry.
// fn may return ErrStopReplay to end early. A missing log is an empty log.
func (l *Log) Replay(ctx context.Context, sourceID string, fn func(Entry) error) error {
	f, err := os.Open(l.path(sourceID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open bronze log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crash is skipped, not fatal.
			continue
		}
		if err := fn(entry); err != nil {
			if errors.Is(err, ErrStopReplay) {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan bronze log: %w", err)
	}
	return nil
}

// Close closes all open log files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = make(map[string]*os.File)
	return firstErr
}

func (l *Log) file(sourceID string) (*os.File, error) {
	if f, ok := l.files[sourceID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(l.path(sourceID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bronze log: %w", err)
	}
	l.files[sourceID] = f
	return f, nil
}

func (l *Log) path(sourceID string) string {
	return filepath.Join(l.dir, sanitizeSourceID(sourceID)+".jsonl")
}

// sanitizeSourceID maps a source ID to a safe file name.
func sanitizeSourceID(sourceID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, sourceID)
}
