package shm

import (
	"fmt"
	"unsafe"
)

// Table is a typed view over one named table. The handle carries the record
// count and size; the record size is checked against T at attach time, and
// the count is taken from the table header. Record access never needs bounds
// arithmetic against the raw arena. A handle never aliases another table:
// the view is cut exactly at the table's payload.
//
// T must be a fixed-size type with no pointers; both processes must compile
// the same schema.
type Table[T any] struct {
	recs []T
}

// Define creates the table and returns a writable view. Used by the time
// process at startup.
func Define[T any](a *Arena, name string, count int) (*Table[T], error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if err := a.Create(name, size, count); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return View[T](a, name)
}

// View attaches to an existing table, validating that the stored record size
// matches T. Used by the status process, and by Define after creation.
func View[T any](a *Arena, name string) (*Table[T], error) {
	t := a.search(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	var zero T
	if int64(unsafe.Sizeof(zero)) != t.Record {
		return nil, fmt.Errorf("%w: %s has %d-byte records, expected %d",
			ErrSchema, name, t.Record, unsafe.Sizeof(zero))
	}
	p := a.payload(t)
	recs := unsafe.Slice((*T)(unsafe.Pointer(&p[0])), t.Count)
	return &Table[T]{recs: recs}, nil
}

// At returns the i-th record in place. The pointer stays valid for the
// lifetime of the mapping.
func (t *Table[T]) At(i int) *T { return &t.recs[i] }

// Len returns the record count.
func (t *Table[T]) Len() int { return len(t.recs) }
