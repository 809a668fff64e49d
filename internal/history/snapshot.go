package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// snapshotFileMode restricts the buffer file to the service user.
const snapshotFileMode = 0600

// Snapshot is the on-disk form of unflushed pipeline state.
type Snapshot struct {
	SeriesBufferCounter int                `json:"seriesBufferCounter"`
	SeriesBuffer        map[string][]Point `json:"seriesBuffer"`
	ConflictingPoints   map[string]int     `json:"conflictingPoints"`
}

// SaveSnapshot writes s to path atomically (temp file + rename).
func SaveSnapshot(path string, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, snapshotFileMode); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot at path and deletes the file.
//
// A missing file returns (nil, nil). The file is removed only after it was
// decoded, so a corrupt snapshot stays on disk for inspection.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("removing snapshot: %w", err)
	}
	return &s, nil
}
