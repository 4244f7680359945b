// gpstimed is a small stratum-1 SNTP daemon for a home network. With a GPS
// receiver attached it disciplines the wall clock from NMEA sentences and
// serves NTP; without one it follows the best broadcasting server it hears.
//
// The same binary runs twice: the high-priority time process, and a
// low-priority status child (-run-status) that renders the shared live state
// over HTTP.
package main

import (
	"errors"
	"flag"
	"os"
	"time"

	"gpstimed/internal/config"
	"gpstimed/internal/daemon"
	"gpstimed/internal/logging"
	"gpstimed/internal/status"
)

func main() {
	// All time handling assumes UTC, including the NMEA decode.
	os.Setenv("TZ", "UTC")
	time.Local = time.UTC

	opts, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	log := logging.New(opts.Debug)

	if opts.RunStatus {
		os.Exit(status.Run(opts, log))
	}
	os.Exit(daemon.Run(opts, log))
}
