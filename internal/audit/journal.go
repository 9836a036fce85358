package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal appends JSON records to one file per UTC day (YYYY-MM-DD.jsonl).
type Journal struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewJournal creates a journal rooted at dir. The directory is created
// lazily on first append.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir, now: time.Now}
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Path returns the file holding records for the UTC day of t.
func (j *Journal) Path(t time.Time) string {
	return filepath.Join(j.dir, t.UTC().Format("2006-01-02")+".jsonl")
}

// Append writes v as one JSON line into today's file.
func (j *Journal) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	f, err := os.OpenFile(j.Path(j.now()), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}

// Lines returns the non-empty lines recorded on the UTC day of t. A missing
// file yields no lines and no error.
func (j *Journal) Lines(t time.Time) ([][]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.Path(t))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, scanner.Err()
}
