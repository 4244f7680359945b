// Package serial provides the non-blocking GPS byte stream.
//
// The device is opened read-only with immediate-return semantics so that read
// timing reflects kernel arrival as closely as possible. The link survives
// unplug/replug: any read failure closes the device and Listen retries with a
// fixed backoff.
package serial

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// reattachBackoff is how long Listen waits between open attempts.
const reattachBackoff = 5 * time.Second

type Config struct {
	// Device is the path of the byte source, typically a tty.
	Device string
	// Baud is applied when the device is a tty; 0 keeps the OS default.
	Baud int
}

// Link is the GPS byte stream. Single-owner, not safe for concurrent use;
// the supervisor's event loop is the only caller.
type Link struct {
	cfg  Config
	log  zerolog.Logger
	file *os.File

	lastTry time.Time
}

func New(cfg Config, log zerolog.Logger) *Link {
	return &Link{cfg: cfg, log: log.With().Str("component", "serial").Logger()}
}

// Listen returns the readable file, opening the device if necessary. A
// failed open is retried at most every 5 seconds; between attempts Listen
// returns nil.
func (l *Link) Listen(now time.Time) *os.File {
	if l.file != nil {
		return l.file
	}
	if !l.lastTry.IsZero() && now.Sub(l.lastTry) < reattachBackoff {
		return nil
	}
	l.lastTry = now

	f, err := openDevice(l.cfg.Device, l.cfg.Baud)
	if err != nil {
		l.log.Debug().Err(err).Str("device", l.cfg.Device).Msg("gps device not available")
		return nil
	}
	l.log.Info().Str("device", l.cfg.Device).Int("baud", l.cfg.Baud).Msg("gps device open")
	l.file = f
	return l.file
}

// Fd returns the raw descriptor for the event loop, or -1 when closed.
func (l *Link) Fd() int {
	if l.file == nil {
		return -1
	}
	return int(l.file.Fd())
}

// Read drains whatever bytes are pending and returns immediately. A zero
// count or an error means the device went away; the caller closes the link.
func (l *Link) Read(buf []byte) (int, error) {
	if l.file == nil {
		return 0, os.ErrClosed
	}
	return l.file.Read(buf)
}

// Close drops the device. The next Listen reopens only once the backoff has
// elapsed since the last open attempt, so a dead device is not hammered.
func (l *Link) Close() {
	if l.file == nil {
		return
	}
	l.file.Close()
	l.file = nil
}

// Open reports whether the device is currently attached.
func (l *Link) Open() bool { return l.file != nil }

// Device returns the configured device path.
func (l *Link) Device() string { return l.cfg.Device }
