package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kinds of audit events.
const (
	KindRegistered = "registered"
	KindHandle     = "handle_bound"
	KindForwarded  = "forwarded"
	KindFailed     = "failed"
	KindAbandoned  = "abandoned"
	KindSkipped    = "skipped"
)

// Event is one line of the audit trail. Source is "feed" or "sweep".
type Event struct {
	Time       time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	Source     string    `json:"source,omitempty"`
	DepositID  string    `json:"deposit_id,omitempty"`
	Address    string    `json:"address,omitempty"`
	Handle     *int64    `json:"handle,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Balance    string    `json:"balance,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Log appends deposit events as newline-delimited JSON. A nil *Log discards
// everything, so callers never need to check whether auditing is enabled.
//
// It is safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
	now  func() time.Time
}

// Open returns a Log appending to path, or nil when path is blank. The file
// is created lazily on the first write.
func Open(path string) *Log {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Log{path: path, now: time.Now}
}

func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Log) ensureOpenLocked() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Record appends ev, stamping Time when unset, and flushes so tailers see it.
func (l *Log) Record(ev Event) error {
	if l == nil {
		return nil
	}
	if ev.Kind == "" {
		return fmt.Errorf("audit: event kind required")
	}
	if ev.Time.IsZero() {
		ev.Time = l.now().UTC()
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureOpenLocked(); err != nil {
		return fmt.Errorf("audit open %s: %w", l.path, err)
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes any buffered data and closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.w != nil {
		if err := l.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.w = nil
	l.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}

// ReadAll parses every event in the file at path. Used by tests and the ops
// tooling.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("audit parse: %w", err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
