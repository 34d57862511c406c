package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

const snapshotVersion = 1

// Snapshot is the on-disk form of the deposit ledger.
type Snapshot struct {
	Version int               `json:"version"`
	Records []*deposit.Record `json:"records"`
}

// LoadSnapshot reads path. A missing file is not an error and reports
// found=false.
func LoadSnapshot(path string) (Snapshot, bool, error) {
	if path == "" {
		return Snapshot{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse ledger snapshot %s: %w", path, err)
	}
	if snap.Version > snapshotVersion {
		return Snapshot{}, false, fmt.Errorf("ledger snapshot %s: unsupported version %d", path, snap.Version)
	}
	return snap, true, nil
}

// SaveSnapshot writes snap next to path and renames it into place so readers
// never observe a partial file.
func SaveSnapshot(path string, snap Snapshot) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	snap.Version = snapshotVersion
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
