//go:build linux

package clock

import (
	"golang.org/x/sys/unix"

	"gpstimed/internal/store"
)

// SystemClock is the real OS clock.
type SystemClock struct{}

func (SystemClock) Now() store.Timeval {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return store.Timeval{}
	}
	return store.Timeval{Sec: int64(tv.Sec), Usec: int64(tv.Usec)}
}

func (SystemClock) Set(tv store.Timeval) error {
	utv := unix.NsecToTimeval(tv.Sec*1e9 + tv.Usec*1e3)
	return unix.Settimeofday(&utv)
}

// Adjust applies a single-shot gradual correction, the adjtime(3) interface
// exposed through adjtimex.
func (SystemClock) Adjust(driftMs int64) error {
	tmx := unix.Timex{
		Modes:  unix.ADJ_OFFSET_SINGLESHOT,
		Offset: driftMs * 1000,
	}
	_, err := unix.Adjtimex(&tmx)
	return err
}
