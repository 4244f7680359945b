//go:build linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateShared builds a new arena on an anonymous memfd and returns the
// writable arena plus the backing file. The file is inherited by the status
// child (as an extra fd on exec) which maps the same pages with AttachShared.
func CreateShared(size int) (*Arena, *os.File, error) {
	if size <= 0 {
		size = DefaultSize
	}
	fd, err := unix.MemfdCreate("gpstimed-db", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "gpstimed-db")
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("truncate shared arena: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap shared arena: %w", err)
	}
	a, err := New(mem)
	if err != nil {
		unix.Munmap(mem)
		f.Close()
		return nil, nil, err
	}
	return a, f, nil
}

// AttachShared maps an inherited arena fd. The status process passes
// writable=false and gets a PROT_READ mapping: mutating through it faults,
// which keeps the single-writer contract honest.
func AttachShared(f *os.File, writable bool) (*Arena, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shared arena: %w", err)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared arena: %w", err)
	}
	a, err := Attach(mem, writable)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return a, nil
}
