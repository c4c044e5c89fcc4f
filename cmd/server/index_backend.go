package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxelquarry.ai/internal/persistence/indexdb"
	"voxelquarry.ai/internal/persistence/snapshot"
	"voxelquarry.ai/internal/sim/scheduler"
)

type runtimeIndex interface {
	scheduler.EventSink
	Close() error
	Stats() indexdb.Stats
	RecordRun(startTick uint64, seed int64, paletteDigest string, tuningJSON []byte) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "quarry.sqlite")
}

// openRuntimeIndex returns nil when indexing is disabled.
func openRuntimeIndex(dataDir, runID string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VQ_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(indexPath(dataDir), runID)
	default:
		return nil, fmt.Errorf("unsupported VQ_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
