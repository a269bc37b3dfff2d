package offline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// PendingWrite is a mutation that could not be confirmed against the server,
// kept for visibility. There is no automatic replay.
type PendingWrite struct {
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Path     string          `json:"path"`
	Body     json.RawMessage `json:"body,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Ledger is an append-only, disk-persisted list of pending writes stored as
// a JSON array file in the data directory.
type Ledger struct {
	path string
}

func NewLedger(dataDir string) *Ledger {
	return &Ledger{path: filepath.Join(dataDir, "pending_writes.json")}
}

// QueueWrite appends an operation to the ledger, creating the containing
// directory if absent.
func (l *Ledger) QueueWrite(method, path string, body []byte) error {
	op := PendingWrite{
		ID:       uuid.New().String(),
		Method:   method,
		Path:     path,
		QueuedAt: time.Now().UTC(),
	}
	if json.Valid(body) {
		op.Body = json.RawMessage(body)
	}

	ops := l.PendingWrites()
	ops = append(ops, op)

	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling pending writes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return fmt.Errorf("writing pending writes: %w", err)
	}
	return nil
}

// PendingWrites returns all queued operations, or an empty list when the
// file is missing or unreadable.
func (l *Ledger) PendingWrites() []PendingWrite {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("reading pending writes failed", "error", err)
		}
		return nil
	}
	var ops []PendingWrite
	if err := json.Unmarshal(data, &ops); err != nil {
		slog.Debug("parsing pending writes failed", "error", err)
		return nil
	}
	return ops
}

// ClearPendingWrites resets the ledger to an empty array.
func (l *Ledger) ClearPendingWrites() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(l.path, []byte("[]"), 0o600); err != nil {
		return fmt.Errorf("clearing pending writes: %w", err)
	}
	return nil
}
