package lsm

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/r2faye/tinylsm/internal/utils"
)

const manifestFileName = "MANIFEST"

// manifestState is the durable snapshot of engine bookkeeping:
// transaction id allocation, per-level SST membership, and the next
// free SST/WAL sequence numbers. Rewritten atomically (temp file +
// fsync + rename) at Open, after every flush and compaction, and at
// Close; commits do not rewrite it.
type manifestState struct {
	EngineID           string     `json:"engine_id"`
	NextTrancID        uint64     `json:"next_tranc_id"`
	MaxFinishedTrancID uint64     `json:"max_finished_tranc_id"`
	Levels             [][]uint64 `json:"sst_levels"`
	NextSSTID          uint64     `json:"next_sst_id"`
	WALSeq             uint64     `json:"wal_seq"`
}

func manifestPath(dataDir string) string {
	return filepath.Join(dataDir, manifestFileName)
}

// loadOrCreateManifest reads an existing manifest, or returns a fresh
// one (stamped with a new engine id) if dataDir has none yet.
func loadOrCreateManifest(dataDir string, numLevels int) (*manifestState, error) {
	path := manifestPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &manifestState{
				EngineID:    uuid.NewString(),
				NextTrancID: 1,
				Levels:      make([][]uint64, numLevels),
			}, nil
		}
		return nil, err
	}

	var st manifestState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	for len(st.Levels) < numLevels {
		st.Levels = append(st.Levels, nil)
	}
	return &st, nil
}

// save rewrites the manifest atomically: write to a temp file in the
// same directory, fsync, then rename over the live manifest so a
// reader never observes a half-written file.
func (m *manifestState) save(dataDir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	path := manifestPath(dataDir)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := utils.CloseSynced(f); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return utils.SyncDir(dataDir)
}
