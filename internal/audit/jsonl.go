package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONLLog appends events as JSON lines to a single file.
type JSONLLog struct {
	path string
	f    *os.File
	chain
}

// OpenJSONL opens or creates the log file at path and restores the chain
// head from its last line.
func OpenJSONL(path string) (*JSONLLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	existing, err := readJSONL(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}

	l := &JSONLLog{path: path, f: f}
	if n := len(existing); n > 0 {
		l.head = existing[n-1].Hash
	}
	return l, nil
}

// Append implements Log.
func (l *JSONLLog) Append(_ context.Context, e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e = l.seal(e)
	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("audit: marshal: %w", err)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return Event{}, fmt.Errorf("audit: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Event{}, fmt.Errorf("audit: sync: %w", err)
	}
	l.head = e.Hash
	return e, nil
}

// Recent implements Log.
func (l *JSONLLog) Recent(_ context.Context, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := readJSONL(l.path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Close implements Log.
func (l *JSONLLog) Close() error {
	return l.f.Close()
}

func readJSONL(path string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: %s line %d: %w", path, line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return events, nil
}
