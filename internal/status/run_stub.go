//go:build !linux

package status

import (
	"github.com/rs/zerolog"

	"gpstimed/internal/config"
)

func Run(opts *config.Options, log zerolog.Logger) int {
	log.Error().Msg("the status process only runs on linux")
	return 1
}
