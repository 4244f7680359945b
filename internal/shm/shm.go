// Package shm implements the fixed-layout shared arena used to publish live
// state from the time process to the status process.
//
// The arena is a single contiguous mapping holding named tables. Tables are
// bump-allocated once at startup by the time process and never moved, resized
// or removed afterwards; the status process attaches to the same mapping and
// reads without locking. Lookup is a hash chain over 61 buckets.
package shm

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	// DefaultSize is the arena size when no -db option is given.
	DefaultSize = 1024 * 1024

	// NameMax is the longest table name (NUL padding excluded).
	NameMax = 31

	buckets = 61
)

var (
	ErrExists   = errors.New("shm: table already exists")
	ErrInvalid  = errors.New("shm: invalid table size or count")
	ErrNoSpace  = errors.New("shm: arena is full")
	ErrNotFound = errors.New("shm: no such table")
	ErrTooSmall = errors.New("shm: mapping too small")
	ErrSchema   = errors.New("shm: table schema mismatch")
)

// header sits at offset 0 of the mapping. Offsets stored in index are
// absolute byte offsets from the start of the mapping; 0 means empty chain
// (offset 0 is the header itself, never a table).
type header struct {
	Size  int64
	Used  int64
	Index [buckets]int64
}

// tableHeader precedes each table's records.
type tableHeader struct {
	Next   int64 // next table in the same hash chain, 0 terminates
	Size   int64 // payload bytes (Record * Count)
	Name   [NameMax + 1]byte
	Count  int64
	Record int64
}

const (
	headerSize      = int64(unsafe.Sizeof(header{}))
	tableHeaderSize = int64(unsafe.Sizeof(tableHeader{}))
)

// Arena is one attached mapping. The zero value is not usable; obtain an
// Arena from New or Attach.
type Arena struct {
	mem      []byte
	writable bool
}

// hash is djb2, the same function on both sides of the mapping.
func hash(name string) int {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return int(h % buckets)
}

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

// New formats mem as an empty arena and returns a writable handle. The time
// process calls this exactly once, before the status child is spawned.
func New(mem []byte) (*Arena, error) {
	if int64(len(mem)) < headerSize+tableHeaderSize {
		return nil, ErrTooSmall
	}
	a := &Arena{mem: mem, writable: true}
	h := a.header()
	h.Size = int64(len(mem))
	h.Used = headerSize
	for i := range h.Index {
		h.Index[i] = 0
	}
	return a, nil
}

// Attach wraps an already formatted mapping. Readers pass writable=false;
// the flag is a convention, not an enforcement (the mapping itself may be
// mapped read-only by the caller).
func Attach(mem []byte, writable bool) (*Arena, error) {
	if int64(len(mem)) < headerSize {
		return nil, ErrTooSmall
	}
	a := &Arena{mem: mem, writable: writable}
	h := a.header()
	if h.Size != int64(len(mem)) || h.Used < headerSize || h.Used > h.Size {
		return nil, fmt.Errorf("shm: corrupt arena header (size=%d used=%d mapped=%d)",
			h.Size, h.Used, len(mem))
	}
	return a, nil
}

func (a *Arena) header() *header {
	return (*header)(unsafe.Pointer(&a.mem[0]))
}

func (a *Arena) tableAt(offset int64) *tableHeader {
	return (*tableHeader)(unsafe.Pointer(&a.mem[offset]))
}

func (a *Arena) search(name string) *tableHeader {
	h := a.header()
	offset := h.Index[hash(name)]
	for offset != 0 {
		t := a.tableAt(offset)
		if tableName(t) == name {
			return t
		}
		offset = t.Next
	}
	return nil
}

func tableName(t *tableHeader) string {
	for i, c := range t.Name {
		if c == 0 {
			return string(t.Name[:i])
		}
	}
	return string(t.Name[:])
}

// Create allocates a table of count records of recordSize bytes each.
// The allocation is permanent: there is no delete and no resize.
func (a *Arena) Create(name string, recordSize, count int) error {
	if !a.writable {
		return errors.New("shm: arena is read-only")
	}
	if name == "" || len(name) > NameMax {
		return ErrInvalid
	}
	if recordSize <= 0 || count <= 0 {
		return ErrInvalid
	}
	if a.search(name) != nil {
		return ErrExists
	}
	h := a.header()
	payload := align8(int64(recordSize) * int64(count))
	total := tableHeaderSize + payload
	if total > h.Size-h.Used {
		return ErrNoSpace
	}

	offset := h.Used
	t := a.tableAt(offset)
	bucket := hash(name)
	t.Next = h.Index[bucket]
	t.Size = int64(recordSize) * int64(count)
	for i := range t.Name {
		t.Name[i] = 0
	}
	copy(t.Name[:NameMax], name)
	t.Count = int64(count)
	t.Record = int64(recordSize)
	h.Index[bucket] = offset
	h.Used += total
	return nil
}

// RecordSize returns the record size of a table, or 0 if absent.
func (a *Arena) RecordSize(name string) int {
	if t := a.search(name); t != nil {
		return int(t.Record)
	}
	return 0
}

// Count returns the record count of a table, or 0 if absent.
func (a *Arena) Count(name string) int {
	if t := a.search(name); t != nil {
		return int(t.Count)
	}
	return 0
}

// Size returns the total arena capacity in bytes.
func (a *Arena) Size() int { return int(a.header().Size) }

// Used returns the bytes consumed by the header and all tables.
func (a *Arena) Used() int { return int(a.header().Used) }

// payload returns the raw record area of a table.
func (a *Arena) payload(t *tableHeader) []byte {
	base := int64(uintptr(unsafe.Pointer(t)) - uintptr(unsafe.Pointer(&a.mem[0])))
	start := base + tableHeaderSize
	return a.mem[start : start+t.Size : start+t.Size]
}
