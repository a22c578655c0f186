package replicator

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// queue is a durable on-disk buffer of line-protocol records, one record per
// line. Lines survive process restarts and failed remote writes.
type queue struct {
	path     string
	maxBytes int64
}

func newQueue(dir, name string, maxSizeMB int) *queue {
	return &queue{
		path:     filepath.Join(dir, name),
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
	}
}

// append adds lines to the end of the queue file. Appending to a file at or
// over the size cap is an error; the queued data stays untouched.
func (q *queue) append(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	if info, err := os.Stat(q.path); err == nil && info.Size() >= q.maxBytes {
		return fmt.Errorf("queue file %s exceeds the maximum size of %d bytes", q.path, q.maxBytes)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// read returns every queued line. A missing file is an empty queue.
func (q *queue) read() ([]string, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// truncate drops the first sent lines from the queue, keeping records that
// were appended after the flush snapshot was taken.
func (q *queue) truncate(sent int) error {
	lines, err := q.read()
	if err != nil {
		return err
	}
	if sent >= len(lines) {
		return os.WriteFile(q.path, nil, 0o644)
	}
	remaining := strings.Join(lines[sent:], "\n") + "\n"
	return os.WriteFile(q.path, []byte(remaining), 0o644)
}
