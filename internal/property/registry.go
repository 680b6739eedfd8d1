package property

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrUnknownEntityType = errors.New("property: unknown entity type")
	ErrDuplicateType     = errors.New("property: entity type already registered")
)

// EntityType is the root schema of one kind of entity. Its properties are
// the top-level fields of a composite, so property index == field index.
type EntityType struct {
	ID         uint16
	Name       string
	Properties []Field

	root   *Type
	digest uint64
}

// NewEntityType validates the schema and freezes its root and digest.
func NewEntityType(id uint16, name string, props ...Field) (*EntityType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: entity type %d missing name", ErrInvalidType, id)
	}
	et := &EntityType{ID: id, Name: name, Properties: props}
	et.root = Composite(name, props...)
	if err := et.root.Validate(); err != nil {
		return nil, fmt.Errorf("entity type %q: %w", name, err)
	}
	et.digest = xxhash.Sum64String(et.root.String())
	return et, nil
}

// MustEntityType is NewEntityType for static schemas.
func MustEntityType(id uint16, name string, props ...Field) *EntityType {
	et, err := NewEntityType(id, name, props...)
	if err != nil {
		panic(err)
	}
	return et
}

func (e *EntityType) Root() *Type {
	return e.root
}

// MaxDepth bounds change-path length for this type.
func (e *EntityType) MaxDepth() int {
	return e.root.Depth()
}

// Digest is the schema agreement hash exchanged when a ghost is adopted.
func (e *EntityType) Digest() uint64 {
	return e.digest
}

// NewState builds the zero-valued root state.
func (e *EntityType) NewState() *CompositeValue {
	return Zero(e.root).(*CompositeValue)
}

// PropertyFlags reports the flags of top-level property i.
func (e *EntityType) PropertyFlags(i int) (Flags, bool) {
	if i < 0 || i >= len(e.Properties) {
		return 0, false
	}
	return e.Properties[i].Flags, true
}

// PropertyIndex resolves a property name.
func (e *EntityType) PropertyIndex(name string) (int, bool) {
	for i, f := range e.Properties {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Registry is the process-wide schema table. Written during startup, read
// concurrently from every cell afterwards.
type Registry struct {
	types *xsync.MapOf[uint16, *EntityType]
}

func NewRegistry() *Registry {
	return &Registry{types: xsync.NewMapOf[uint16, *EntityType]()}
}

func (r *Registry) Register(et *EntityType) error {
	if et == nil || et.root == nil {
		return fmt.Errorf("%w: unfrozen entity type", ErrInvalidType)
	}
	if prev, loaded := r.types.LoadOrStore(et.ID, et); loaded {
		return fmt.Errorf("%w: id=%d have=%q", ErrDuplicateType, et.ID, prev.Name)
	}
	return nil
}

func (r *Registry) Lookup(id uint16) (*EntityType, error) {
	et, ok := r.types.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntityType, id)
	}
	return et, nil
}

func (r *Registry) Len() int {
	return r.types.Size()
}

// Each visits registered types in no particular order.
func (r *Registry) Each(fn func(*EntityType) bool) {
	r.types.Range(func(_ uint16, et *EntityType) bool {
		return fn(et)
	})
}
