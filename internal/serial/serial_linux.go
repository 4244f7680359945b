//go:build linux

package serial

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var ignoreHangup sync.Once

// openDevice opens the byte source read-only without becoming its controlling
// terminal, and puts a tty into raw immediate-return mode. Non-tty sources
// (a plain file or a pipe, useful for replaying captures) are returned as-is.
func openDevice(path string, baud int) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err == nil {
		// A real tty: when running as a service it may still deliver a
		// hangup on unplug, which must not kill the process.
		ignoreHangup.Do(func() { signal.Ignore(syscall.SIGHUP) })
		if err := configureTTY(fd, t, baud); err != nil {
			return nil, err
		}
	}

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("os.NewFile failed for %s", path)
	}
	ok = true
	return f, nil
}

// configureTTY applies raw 8N1 framing with VMIN=VTIME=0, so reads return
// the instant data is available and the receive timing means something.
func configureTTY(fd int, t *unix.Termios, baud int) error {
	spd := baudConst(baud)
	if spd != unix.B0 {
		t.Cflag &^= unix.CBAUD
		t.Cflag |= spd
		t.Ispeed = spd
		t.Ospeed = spd
	}

	for i := range t.Cc {
		t.Cc[i] = 0
	}
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag &^= unix.CSTOPB | unix.PARENB | unix.PARODD | unix.CRTSCTS | unix.CSIZE
	t.Cflag |= unix.CREAD | unix.CLOCAL | unix.CS8

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("tcflush: %w", err)
	}
	return nil
}

// baudConst maps a numeric rate to its termios constant. Baud 0 keeps the
// device's current speed; anything unrecognized falls back to 4800, the NMEA
// default.
func baudConst(baud int) uint32 {
	switch baud {
	case 0:
		return unix.B0
	case 50:
		return unix.B50
	case 75:
		return unix.B75
	case 110:
		return unix.B110
	case 134:
		return unix.B134
	case 150:
		return unix.B150
	case 200:
		return unix.B200
	case 300:
		return unix.B300
	case 600:
		return unix.B600
	case 1200:
		return unix.B1200
	case 1800:
		return unix.B1800
	case 2400:
		return unix.B2400
	case 4800:
		return unix.B4800
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	case 460800:
		return unix.B460800
	case 921600:
		return unix.B921600
	default:
		return unix.B4800
	}
}
