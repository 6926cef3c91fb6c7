package durability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wardenmesh/warden/internal/state"
)

// writeCheckpointAtomic writes snap as JSON to path using the
// write-to-temp-then-rename pattern, so a crash mid-write never leaves a
// half-written checkpoint on disk (spec §4.5's atomic write-then-replace).
func writeCheckpointAtomic(path string, snap state.Snapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("durability: marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".trust-*.tmp")
	if err != nil {
		return fmt.Errorf("durability: create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("durability: write checkpoint temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("durability: sync checkpoint temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("durability: close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("durability: rename checkpoint into place: %w", err)
	}
	return nil
}

// loadCheckpoint reads the checkpoint file if it exists. ok is false when
// the file is absent (first-ever startup) or unreadable — per spec §7,
// corrupt on-disk state resets to defaults and continues rather than
// failing startup, leaving peer-quorum self-recovery (§4.5) as the path
// back to a good state.
func loadCheckpoint(path string) (snap state.Snapshot, ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if os.IsNotExist(readErr) {
		return state.Snapshot{}, false, nil
	}
	if readErr != nil {
		return state.Snapshot{}, false, fmt.Errorf("durability: read checkpoint %q: %w", path, readErr)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return state.Snapshot{}, false, nil
	}
	return snap, true, nil
}
