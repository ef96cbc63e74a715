// Package purge implements deferred cascading deletion: on destroy, a
// parent's children are detached with one bulk update, durably marked as
// orphans, and destroyed asynchronously in bounded chunks with full
// per-record fidelity, cascading transitively through grandchildren.
package purge

import (
	"fmt"

	"github.com/hannigan/hannigan/pkg/storage"
)

// Declaration associates a parent-child relationship with the
// nullify-then-purge behavior. Immutable after registration.
type Declaration struct {
	ParentType string
	ChildType  string

	// Field names the child's parent-reference field.
	Field string

	// BatchSize bounds the identifiers per purge task. Zero means
	// [storage.DefaultBatchSize].
	BatchSize int
}

func (d Declaration) validate() error {
	if d.ParentType == "" || d.ChildType == "" || d.Field == "" {
		return fmt.Errorf("declaration %q -> %q via %q: %w", d.ParentType, d.ChildType, d.Field, ErrInvalidDeclaration)
	}
	if d.BatchSize < 0 {
		return fmt.Errorf("declaration %q -> %q: negative batch size: %w", d.ParentType, d.ChildType, ErrInvalidDeclaration)
	}
	return nil
}

func (d Declaration) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return storage.DefaultBatchSize
}

type childKey struct {
	childType string
	field     string
}

// Registry is the process-wide relationship registry: built once at setup,
// read-only thereafter, so concurrent lookups need no locking.
type Registry struct {
	byChild  map[childKey]Declaration
	byParent map[string][]Declaration
}

// NewRegistry validates the declarations and builds the registry. A child's
// parent-reference field identifies exactly one relationship; duplicates are
// a configuration error.
func NewRegistry(decls ...Declaration) (*Registry, error) {
	r := &Registry{
		byChild:  make(map[childKey]Declaration, len(decls)),
		byParent: make(map[string][]Declaration),
	}

	for _, d := range decls {
		if err := d.validate(); err != nil {
			return nil, err
		}

		key := childKey{childType: d.ChildType, field: d.Field}
		if _, ok := r.byChild[key]; ok {
			return nil, fmt.Errorf("duplicate declaration for %q.%q: %w", d.ChildType, d.Field, ErrInvalidDeclaration)
		}

		r.byChild[key] = d
		r.byParent[d.ParentType] = append(r.byParent[d.ParentType], d)
	}

	return r, nil
}

// MustNewRegistry is like NewRegistry but panics on invalid declarations.
func MustNewRegistry(decls ...Declaration) *Registry {
	r, err := NewRegistry(decls...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup resolves the declaration owning a child's parent-reference field.
func (r *Registry) Lookup(childType, field string) (Declaration, bool) {
	d, ok := r.byChild[childKey{childType: childType, field: field}]
	return d, ok
}

// DeclarationsFor returns the declarations whose parent is entityType, in
// registration order. The returned slice must not be mutated.
func (r *Registry) DeclarationsFor(entityType string) []Declaration {
	return r.byParent[entityType]
}
