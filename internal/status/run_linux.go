//go:build linux

package status

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"gpstimed/internal/config"
	"gpstimed/internal/shm"
	"gpstimed/internal/store"
)

// statusPriority keeps the HTTP surface out of the time process's way.
const statusPriority = 19

// arenaFd is where the parent passes the shared mapping on exec.
const arenaFd = 3

// Run is the status child process. It attaches the inherited arena
// read-only, serves the HTTP surface, and exits when the parent dies.
func Run(opts *config.Options, log zerolog.Logger) int {
	log = log.With().Str("component", "status").Logger()

	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, statusPriority); err != nil {
		log.Warn().Err(err).Msg("cannot lower scheduling priority")
	}

	f := os.NewFile(arenaFd, "gpstimed-db")
	if f == nil {
		log.Error().Msg("shared arena fd not inherited")
		return 1
	}
	arena, err := shm.AttachShared(f, false)
	if err != nil {
		log.Error().Err(err).Msg("cannot attach the shared arena")
		return 1
	}
	tables, err := store.Attach(arena)
	if err != nil {
		log.Error().Err(err).Msg("shared table missing or mismatched")
		return 1
	}

	port := 0
	if opts.HttpService != "dynamic" {
		port, err = strconv.Atoi(opts.HttpService)
		if err != nil || port < 0 || port > 65535 {
			log.Error().Str("service", opts.HttpService).Msg("invalid http service")
			return 1
		}
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		log.Error().Err(err).Msg("cannot bind the http socket")
		return 1
	}
	log.Info().Str("address", ln.Addr().String()).Msg("status server listening")

	go watchParent(log)

	srv := NewServer(tables, log)
	if err := (&http.Server{Handler: srv.Handler()}).Serve(ln); err != nil {
		log.Error().Err(err).Msg("status server stopped")
		return 1
	}
	return 0
}

// watchParent probes the time process once a second and exits cleanly when
// it is gone (the probe observes re-parenting).
func watchParent(log zerolog.Logger) {
	parent := os.Getppid()
	for {
		time.Sleep(time.Second)
		if os.Getppid() != parent {
			log.Info().Msg("time process died, exiting")
			os.Exit(0)
		}
	}
}
