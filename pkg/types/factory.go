package types

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// Factory caches runtime row types by entity name. GetOrCreate is a
// lookup-or-create: concurrent callers for the same name receive the same *RowType.
type Factory struct {
	mu    sync.RWMutex
	types map[string]*RowType
}

// NewFactory creates an empty Factory.
func NewFactory() *Factory {
	return &Factory{types: make(map[string]*RowType)}
}

func factoryKey(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// GetOrCreate returns the cached type for name, or creates one with fields.
// created is false when an existing type was reused; its fields are left untouched.
func (f *Factory) GetOrCreate(name, namespace string, fields []models.ColumnShape) (t *RowType, created bool, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, fmt.Errorf("row type name is required")
	}
	key := factoryKey(name)

	f.mu.RLock()
	existing, ok := f.types[key]
	f.mu.RUnlock()
	if ok {
		return existing, false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.types[key]; ok {
		return existing, false, nil
	}
	t = &RowType{
		Name:      name,
		Namespace: namespace,
		Fields:    append([]models.ColumnShape(nil), fields...),
	}
	f.types[key] = t
	return t, true, nil
}

// Lookup returns the cached type for name.
func (f *Factory) Lookup(name string) (*RowType, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.types[factoryKey(name)]
	return t, ok
}

// Registry resolves entity names and topics to runtime types for the read path.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*RowType
	byTopic map[string]*RowType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*RowType),
		byTopic: make(map[string]*RowType),
	}
}

// Register records t under the entity name and topic. Re-registering overwrites.
func (r *Registry) Register(entity, topic string, t *RowType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[factoryKey(entity)] = t
	if topic != "" {
		r.byTopic[factoryKey(topic)] = t
	}
}

// Resolve returns the type registered for an entity name or topic.
func (r *Registry) Resolve(nameOrTopic string) (*RowType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := factoryKey(nameOrTopic)
	if t, ok := r.byName[key]; ok {
		return t, true
	}
	t, ok := r.byTopic[key]
	return t, ok
}
