package meta

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Open returns a Store for the named backend. path is ignored for memory.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBolt, "boltdb", "":
		return NewBoltStore(BoltConfig{Path: path})
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("meta: unsupported backend %q", backend)
	}
}
