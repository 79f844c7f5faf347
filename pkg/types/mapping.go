package types

import (
	"errors"
	"sync"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
)

var (
	ErrNilRowType = errors.New("mapping requires a row type")
	ErrNoKeyShape = errors.New("mapping requires at least one key column")
)

// MappingOptions selects generic (schema-by-shape) serialization for the key and
// the value instead of resolving a record by full name.
type MappingOptions struct {
	GenericKey   bool
	GenericValue bool
}

// Mapping is the key/value serialization mapping of one runtime type.
type Mapping struct {
	RowType *RowType
	Key     []models.ColumnShape
	Value   []models.ColumnShape
	Options MappingOptions
}

// MappingRegistry holds at most one Mapping per runtime type full name.
type MappingRegistry struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
	metrics  *observability.Metrics
}

// NewMappingRegistry creates an empty registry. metrics may be nil.
func NewMappingRegistry(metrics *observability.Metrics) *MappingRegistry {
	return &MappingRegistry{
		mappings: make(map[string]Mapping),
		metrics:  metrics,
	}
}

// RegisterIfAbsent stores a mapping for rowType unless one exists.
// registered is false when an existing mapping was kept.
func (r *MappingRegistry) RegisterIfAbsent(rowType *RowType, key, value []models.ColumnShape, opts MappingOptions) (registered bool, err error) {
	if rowType == nil {
		r.metrics.ObserveMapping("invalid")
		return false, ErrNilRowType
	}
	if len(key) == 0 {
		r.metrics.ObserveMapping("invalid")
		return false, ErrNoKeyShape
	}

	name := rowType.FullName()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappings[name]; ok {
		r.metrics.ObserveMapping("exists")
		return false, nil
	}
	r.mappings[name] = Mapping{
		RowType: rowType,
		Key:     append([]models.ColumnShape(nil), key...),
		Value:   append([]models.ColumnShape(nil), value...),
		Options: opts,
	}
	r.metrics.ObserveMapping("registered")
	return true, nil
}

// Lookup returns the mapping registered for a runtime type full name.
func (r *MappingRegistry) Lookup(fullName string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[fullName]
	return m, ok
}
