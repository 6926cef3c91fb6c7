package durability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wardenmesh/warden/internal/state"
)

// record is one line of the write-ahead log. Exactly one of the payload
// fields is populated, selected by Kind — a tagged sum, per spec §4.5's
// {trust_update | strike_update | event | pending_case} entry kinds.
type record struct {
	Kind      string             `json:"kind"`
	Timestamp time.Time          `json:"timestamp"`
	Node      string             `json:"node,omitempty"`
	Trust     float64            `json:"trust,omitempty"`
	Strikes   int                `json:"strikes,omitempty"`
	Event     *state.Event       `json:"event,omitempty"`
	CaseID    string             `json:"case_id,omitempty"`
	Pending   *state.PendingCase `json:"pending_case,omitempty"`
}

const (
	kindTrustUpdate  = "trust_update"
	kindStrikeUpdate = "strike_update"
	kindEvent        = "event"
	kindPendingCase  = "pending_case"
)

// wal owns the on-disk append-only log file. Every append is written then
// fsynced before returning, so a crash never loses an acknowledged mutation.
type wal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("durability: open wal %q: %w", path, err)
	}
	return &wal{path: path, f: f}, nil
}

func (w *wal) append(r record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("durability: marshal wal record: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("durability: write wal record: %w", err)
	}
	return w.f.Sync()
}

// truncate discards all existing WAL content, used right after a fresh
// checkpoint makes the entire prior log redundant (compaction).
func (w *wal) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("durability: close wal before truncate: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("durability: truncate wal %q: %w", w.path, err)
	}
	_ = f.Close()
	f, err = os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("durability: reopen wal %q: %w", w.path, err)
	}
	w.f = f
	return nil
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// readWAL reads every well-formed record from path in order. A trailing
// partial line (a crash mid-write) is logged by the caller and skipped
// rather than treated as a fatal read error.
func readWAL(path string) ([]record, []string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("durability: open wal for replay %q: %w", path, err)
	}
	defer f.Close()

	var records []record
	var malformed []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			malformed = append(malformed, string(line))
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, malformed, fmt.Errorf("durability: scan wal %q: %w", path, err)
	}
	return records, malformed, nil
}
