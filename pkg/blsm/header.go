package blsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"blsm/pkg/disktree"
	"blsm/pkg/mergemgr"
	"blsm/pkg/types"
)

const (
	headerFileName    = "HEADER"
	headerTmpFileName = "HEADER.tmp"
)

// tableHeader is the persistent header record: the component root records,
// the merge-manager state, and the log-truncation point. It is written
// atomically inside the transaction that installs a component.
type tableHeader struct {
	C1          disktree.Descriptor  `json:"c1"`
	C1Mergeable *disktree.Descriptor `json:"c1_mergeable,omitempty"`
	C2          disktree.Descriptor  `json:"c2"`

	MergeManager    mergemgr.State `json:"merge_manager"`
	RVal            float64        `json:"r_val"`
	MeanC0RunLength int64          `json:"mean_c0_run_length"`

	LogTrunc types.LSN `json:"log_trunc"`
}

func headerPath(dir string) string {
	return filepath.Join(dir, headerFileName)
}

// loadHeader reads the header record; ok is false when the store is new.
func loadHeader(dir string) (tableHeader, bool, error) {
	var h tableHeader
	data, err := os.ReadFile(headerPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return h, false, nil
		}
		return h, false, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, false, fmt.Errorf("failed to parse header: %w", err)
	}
	return h, true, nil
}

// writeHeader replaces the header record atomically: temp file, fsync,
// rename.
func writeHeader(dir string, h tableHeader) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	tmp := filepath.Join(dir, headerTmpFileName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create header temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync header: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close header: %w", err)
	}
	if err := os.Rename(tmp, headerPath(dir)); err != nil {
		return fmt.Errorf("failed to install header: %w", err)
	}
	return nil
}
