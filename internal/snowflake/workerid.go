package snowflake

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"
)

// DetectWorkerID resolves this process's worker id, in order:
// WORKER_ID env, POD_INDEX env (StatefulSet ordinal), FNV hash of HOSTNAME
// modulo the layout's worker space, then the configured fallback.
func DetectWorkerID(layout Layout, fallback int64) int64 {
	max := layout.MaxWorkerID()

	if v := os.Getenv("WORKER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id >= 0 && id <= max {
			return id
		}
	}
	if v := os.Getenv("POD_INDEX"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id >= 0 && id <= max {
			return id
		}
	}
	if host := os.Getenv("HOSTNAME"); host != "" && max > 0 {
		h := fnv.New64a()
		h.Write([]byte(host))
		return int64(h.Sum64() % uint64(max+1))
	}
	return fallback
}

var (
	defaultMu  sync.Mutex
	defaultGen *Generator
)

// Configure installs the process-wide generator. The first call wins;
// repeated calls must agree on the worker id, since changing it at runtime
// would break the uniqueness guarantee.
func Configure(layout Layout, workerID int64, opts ...Option) (*Generator, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultGen != nil {
		if defaultGen.workerID != workerID {
			return nil, fmt.Errorf("snowflake: generator already configured with worker id %d, refusing change to %d",
				defaultGen.workerID, workerID)
		}
		return defaultGen, nil
	}

	g, err := New(layout, workerID, opts...)
	if err != nil {
		return nil, err
	}
	defaultGen = g
	return g, nil
}

// Default returns the process-wide generator, or nil before Configure.
func Default() *Generator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultGen
}
