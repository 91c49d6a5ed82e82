package nvs

import (
	"fmt"

	"github.com/kilnworks/dehydrator/internal/errors"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendDuckDB = "duckdb"
	BackendMemory = "memory"
)

// Open opens partition name with the given backend. dir is ignored by the
// memory backend.
func Open(backend, dir, name string, opts FileOptions) (Partition, error) {
	switch backend {
	case BackendFile, "":
		return OpenFile(dir, name, opts)
	case BackendDuckDB:
		return OpenDuck(dir, name)
	case BackendMemory:
		return NewMem(), nil
	default:
		return nil, fmt.Errorf("storage backend %q: %w", backend, errors.ErrInvalidConfig)
	}
}
