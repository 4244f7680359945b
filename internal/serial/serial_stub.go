//go:build !linux

package serial

import (
	"fmt"
	"os"
)

func openDevice(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("serial: unsupported platform")
}
