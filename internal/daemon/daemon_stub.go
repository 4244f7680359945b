//go:build !linux

package daemon

import (
	"github.com/rs/zerolog"

	"gpstimed/internal/config"
)

// Run is only implemented on Linux: the daemon needs termios, adjtimex and
// a shared memfd arena.
func Run(opts *config.Options, log zerolog.Logger) int {
	log.Error().Msg("gpstimed only runs on linux")
	return 1
}
